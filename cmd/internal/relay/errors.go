package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned for a header that is invalid for the session state.
	// The session is closed without a reply.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNameConflict is returned when CONNECT names an already registered user.
	ErrNameConflict = errors.New("name conflict")

	// ErrTargetNotFound is returned when PM/FILE names a user that is not online.
	ErrTargetNotFound = errors.New("target not found")

	// ErrStreamFault is returned for I/O errors on a session stream.
	ErrStreamFault = errors.New("stream fault")

	// ErrIncompletePayload is returned when a FILE payload ends before its declared size.
	ErrIncompletePayload = errors.New("incomplete frame payload")

	// ErrPeerClosed is returned when writing to a peer that has already been closed.
	ErrPeerClosed = errors.New("peer closed")

	// ErrRateLimited is returned when a session exceeds its event budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrFileTooLarge is returned when a FILE exceeds the configured size cap.
	ErrFileTooLarge = errors.New("file too large")

	// errDisconnect marks a graceful EXIT. It ends the session like a fault but is not logged as one.
	errDisconnect = errors.New("disconnect requested")
)

// ProtocolError describes a protocol violation.
type ProtocolError struct {
	State  State
	Type   string
	Reason string
}

func (e ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%v: state=%s: %s", ErrProtocolViolation, e.State, e.Reason)
	}
	return fmt.Sprintf("%v: state=%s type=%s: %s", ErrProtocolViolation, e.State, e.Type, e.Reason)
}

func (e ProtocolError) Unwrap() error { return ErrProtocolViolation }

// NameConflictError reports the name that was already taken.
type NameConflictError struct {
	Name string
}

func (e NameConflictError) Error() string {
	return fmt.Sprintf("%v: %q", ErrNameConflict, e.Name)
}

func (e NameConflictError) Unwrap() error { return ErrNameConflict }

// TargetNotFoundError reports the recipient name that could not be resolved.
type TargetNotFoundError struct {
	Target string
}

func (e TargetNotFoundError) Error() string {
	return fmt.Sprintf("%v: %q", ErrTargetNotFound, e.Target)
}

func (e TargetNotFoundError) Unwrap() error { return ErrTargetNotFound }

// StreamError wraps an I/O failure on a session stream.
// errors.Is matches both ErrStreamFault and the underlying cause.
type StreamError struct {
	Op  string
	Err error
}

func (e StreamError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrStreamFault, e.Op, e.Err)
}

func (e StreamError) Unwrap() []error { return []error{ErrStreamFault, e.Err} }

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errDisconnect),
		errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrStreamFault),
		errors.Is(err, ErrPeerClosed),
		errors.Is(err, ErrIncompletePayload):
		return true
	default:
		return false
	}
}
