package scoring

import "errors"

var (
	// ErrStreamStopped is returned when frames are pushed to a stopped stream.
	ErrStreamStopped = errors.New("stream stopped")
	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("invalid scoring parameters")
)
