package session

import "errors"

var (
	// ErrSessionNotFound is returned for unknown sessions, sessions owned by
	// another user, and sessions that are no longer active.
	ErrSessionNotFound = errors.New("session: not found")

	ErrInvalidKind       = errors.New("session: invalid kind")
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrTooManySessions is returned when the tracked session table is full.
	ErrTooManySessions = errors.New("session: too many tracked sessions")
)
