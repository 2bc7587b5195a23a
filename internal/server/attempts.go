package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	attemptStatusRunning   = AttemptStatus("running")
	attemptStatusSucceeded = AttemptStatus("succeeded")
	attemptStatusFailed    = AttemptStatus("failed")

	defaultMaxTrackedAttempts = 1024
)

// AttemptStatus represents the lifecycle state of an authorization attempt.
type AttemptStatus string

type attempt struct {
	identifier   string
	flow         string
	status       AttemptStatus
	failureClass string
	textCode     string
	startedAt    time.Time
	finishedAt   time.Time
}

// AttemptSnapshot copies the public portions of an attempt for serialization.
// Artifacts, credentials, and raw error messages are never retained.
type AttemptSnapshot struct {
	Identifier   string        `json:"attempt_id"`
	Flow         string        `json:"flow"`
	Status       AttemptStatus `json:"status"`
	FailureClass string        `json:"failure_class,omitempty"`
	TextCode     string        `json:"text_code,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// attemptTracker keeps the most recent attempts, evicting the oldest once full.
type attemptTracker struct {
	mutex    sync.Mutex
	attempts map[string]*attempt
	order    []string
	capacity int
	now      func() time.Time
}

func newAttemptTracker(capacity int) *attemptTracker {
	if capacity <= 0 {
		capacity = defaultMaxTrackedAttempts
	}
	return &attemptTracker{
		attempts: make(map[string]*attempt),
		capacity: capacity,
		now:      time.Now,
	}
}

// Start registers a running attempt for flow and returns its snapshot.
func (tracker *attemptTracker) Start(flow string) AttemptSnapshot {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	identifier := uuid.NewString()
	record := &attempt{
		identifier: identifier,
		flow:       flow,
		status:     attemptStatusRunning,
		startedAt:  tracker.now().UTC(),
	}
	tracker.attempts[identifier] = record
	tracker.order = append(tracker.order, identifier)
	for len(tracker.order) > tracker.capacity {
		evicted := tracker.order[0]
		tracker.order = tracker.order[1:]
		delete(tracker.attempts, evicted)
	}
	return snapshotAttempt(record)
}

// Finish transitions an attempt to its terminal status. An empty failureClass marks success.
func (tracker *attemptTracker) Finish(identifier string, failureClass string, textCode string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record, exists := tracker.attempts[identifier]
	if !exists {
		return
	}
	record.finishedAt = tracker.now().UTC()
	if failureClass != "" {
		record.status = attemptStatusFailed
		record.failureClass = failureClass
		record.textCode = textCode
		return
	}
	record.status = attemptStatusSucceeded
}

// Snapshot returns a copy of the attempt state for external observers.
func (tracker *attemptTracker) Snapshot(identifier string) (AttemptSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record, exists := tracker.attempts[identifier]
	if !exists {
		return AttemptSnapshot{}, false
	}
	return snapshotAttempt(record), true
}

func snapshotAttempt(record *attempt) AttemptSnapshot {
	snapshot := AttemptSnapshot{
		Identifier:   record.identifier,
		Flow:         record.flow,
		Status:       record.status,
		FailureClass: record.failureClass,
		TextCode:     record.textCode,
		StartedAt:    record.startedAt,
	}
	if !record.finishedAt.IsZero() {
		finishedAt := record.finishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot
}
