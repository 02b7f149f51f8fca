package worker

import "errors"

// Sentinel kinds for session errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrBackpressure     = errors.New("session frame queue full")
	ErrTooManySessions  = errors.New("too many open sessions")
	ErrMissingUser      = errors.New("session requires a user id")
	errShutdownTimedOut = errors.New("shutdown timed out")
)
