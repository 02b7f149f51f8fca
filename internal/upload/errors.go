package upload

import "errors"

var (
	// ErrBusy is returned by RunOnce while another run is active.
	ErrBusy = errors.New("upload run already in progress")
	// ErrAuthRequired is returned while uploads are paused for re-authentication.
	ErrAuthRequired = errors.New("re-authentication required")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)
