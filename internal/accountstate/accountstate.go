package accountstate

// State names the condition of an account as reported by a platform error code.
type State string

const (
	// Unclassified is returned for codes outside the lookup table.
	Unclassified State = ""
	// BadToken marks a session credential the platform no longer accepts.
	BadToken State = "Bad Token"
	// Suspended marks a suspended account.
	Suspended State = "SUSPENDED"
	// Locked marks an account locked pending a challenge.
	Locked State = "LOCKED"

	codeInvalidOrExpiredToken = 32
	codeAccountSuspended      = 64
	codeUserSuspended         = 141
	codeAccountTemporaryLock  = 326
)

var stateByCode = map[int64]State{
	codeInvalidOrExpiredToken: BadToken,
	codeAccountSuspended:      Suspended,
	codeUserSuspended:         Suspended,
	codeAccountTemporaryLock:  Locked,
}

// Classify maps a platform error code to an account state. The boolean is false for
// unclassified codes, which callers must not treat as fatal on their own.
func Classify(code int64) (State, bool) {
	state, exists := stateByCode[code]
	if !exists {
		return Unclassified, false
	}
	return state, true
}

// String returns the platform label, or "unclassified" for the zero value.
func (state State) String() string {
	if state == Unclassified {
		return "unclassified"
	}
	return string(state)
}
