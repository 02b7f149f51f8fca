package repository

import "errors"

// Sentinel kinds for submission queue errors.
var (
	ErrNotFound          = errors.New("submission not found")
	ErrDuplicate         = errors.New("duplicate submission")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidLimit      = errors.New("invalid limit")
)
