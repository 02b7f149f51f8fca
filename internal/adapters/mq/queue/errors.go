package queue

import "errors"

// Sentinel kinds for refused frames.
var (
	ErrClosed = errors.New("frame queue closed")
	ErrFull   = errors.New("frame queue full")
)
