package extractor

import (
	"errors"
	"strings"
)

const (
	// AuthenticityTokenValueMarker matches the authenticity token input when value follows name.
	AuthenticityTokenValueMarker = `name="authenticity_token" value="`
	// AuthenticityTokenHiddenMarker matches the authenticity token input when a hidden type sits between name and value.
	AuthenticityTokenHiddenMarker = `name="authenticity_token" type="hidden" value="`
	// VerifierMarker precedes the OAuth1 verifier inside the authorize response.
	VerifierMarker = "oauth_verifier="

	valueTerminator           = `"`
	errMessageMarkerNotFound  = "marker not found in response body"
	errMessageEmptyMarkerList = "no markers supplied"
)

var (
	// ErrMarkerNotFound indicates that none of the markers appeared, or the value after the first match was empty.
	ErrMarkerNotFound = errors.New(errMessageMarkerNotFound)

	errEmptyMarkerList = errors.New(errMessageEmptyMarkerList)

	authenticityTokenMarkers = []string{
		AuthenticityTokenValueMarker,
		AuthenticityTokenHiddenMarker,
	}
)

// TokenExtractor scans response bodies for a value introduced by one of an ordered set of markers.
type TokenExtractor struct {
	markers []string
}

// NewTokenExtractor binds the marker sequence. Markers are tried in the given order.
func NewTokenExtractor(markers ...string) TokenExtractor {
	copiedMarkers := make([]string, len(markers))
	copy(copiedMarkers, markers)
	return TokenExtractor{markers: copiedMarkers}
}

// AuthenticityTokenExtractor covers both known layouts of the OAuth1 authenticity token input.
func AuthenticityTokenExtractor() TokenExtractor {
	return NewTokenExtractor(authenticityTokenMarkers...)
}

// VerifierExtractor captures the OAuth1 verifier from the authorize response.
func VerifierExtractor() TokenExtractor {
	return NewTokenExtractor(VerifierMarker)
}

// Markers returns a copy of the bound marker sequence.
func (tokenExtractor TokenExtractor) Markers() []string {
	return append([]string{}, tokenExtractor.markers...)
}

// Extract returns the value following the first bound marker present in body.
func (tokenExtractor TokenExtractor) Extract(body string) (string, error) {
	return Extract(body, tokenExtractor.markers)
}

// Extract tries each marker in order and returns the text between the end of the
// first marker found in body and the next double quote. The first marker present
// wins even when its value turns out to be empty.
func Extract(body string, markers []string) (string, error) {
	if len(markers) == 0 {
		return "", errEmptyMarkerList
	}
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		markerIndex := strings.Index(body, marker)
		if markerIndex == -1 {
			continue
		}
		remainder := body[markerIndex+len(marker):]
		if terminatorIndex := strings.Index(remainder, valueTerminator); terminatorIndex >= 0 {
			remainder = remainder[:terminatorIndex]
		}
		if remainder == "" {
			return "", ErrMarkerNotFound
		}
		return remainder, nil
	}
	return "", ErrMarkerNotFound
}

// Contains reports whether body carries the literal phrase. Platform status pages
// are recognized by fixed English sentences.
func Contains(body string, phrase string) bool {
	return phrase != "" && strings.Contains(body, phrase)
}
