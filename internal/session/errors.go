package session

import (
	"errors"
	"fmt"
)

// FailureKind names the transport-level failure classes a session surfaces.
type FailureKind string

const (
	DiscoveryFailed             FailureKind = "discovery_failed"
	LinkFailed                  FailureKind = "link_failed"
	ProfileResolutionExhausted  FailureKind = "profile_resolution_exhausted"
)

// TransportError is a transport-level session failure. All three kinds
// terminate an acquisition attempt as hard failures.
type TransportError struct {
	Kind FailureKind
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare TransportError values by kind.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrDiscoveryFailed            = &TransportError{Kind: DiscoveryFailed}
	ErrLinkFailed                 = &TransportError{Kind: LinkFailed}
	ErrProfileResolutionExhausted = &TransportError{Kind: ProfileResolutionExhausted}
)

// ErrSessionClosed is returned when an operation is attempted on a session
// that has already been torn down.
var ErrSessionClosed = errors.New("session closed")

func discoveryFailed(msg string, err error) *TransportError {
	return &TransportError{Kind: DiscoveryFailed, Msg: msg, Err: err}
}

func linkFailed(msg string, err error) *TransportError {
	return &TransportError{Kind: LinkFailed, Msg: msg, Err: err}
}

func resolutionExhausted(msg string) *TransportError {
	return &TransportError{Kind: ProfileResolutionExhausted, Msg: msg}
}
