package submitter

import "errors"

var (
	// ErrNoBaseURL is returned by New without a remote API base URL.
	ErrNoBaseURL = errors.New("remote api base url is required")
	// ErrToken wraps token provider failures.
	ErrToken = errors.New("token unavailable")
)
