package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/posepulse/internal/adapters/mq/worker"
	"github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/upload"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBackpressure = errors.New("backpressure")
	ErrUnavailable  = errors.New("unavailable")
	ErrInternal     = errors.New("internal error")
)

// KindError ties a failure to the operation that saw it and to one of the
// sentinel kinds above. errors.Is matches both the kind and the cause.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *KindError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapKind attaches op and kind to err.
func WrapKind(op string, kind, err error) error {
	return &KindError{Op: op, Kind: kind, Err: err}
}

// NewKind reports a failure of kind with no underlying cause.
func NewKind(op string, kind error) error {
	return &KindError{Op: op, Kind: kind}
}

// classify maps domain errors to a kind, HTTP status and response code.
func classify(err error) (kind error, status int, code string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, model.ErrJointCount),
		errors.Is(err, model.ErrTimestampOrder),
		errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, worker.ErrMissingUser),
		errors.Is(err, repository.ErrInvalidLimit):
		return ErrBadRequest, http.StatusBadRequest, "bad_request"
	case errors.Is(err, worker.ErrSessionNotFound),
		errors.Is(err, repository.ErrNotFound):
		return ErrNotFound, http.StatusNotFound, "not_found"
	case errors.Is(err, worker.ErrBackpressure),
		errors.Is(err, worker.ErrTooManySessions):
		return ErrBackpressure, http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, worker.ErrSessionClosed),
		errors.Is(err, repository.ErrInvalidTransition):
		return ErrConflict, http.StatusConflict, "conflict"
	case errors.Is(err, upload.ErrAuthRequired):
		return ErrUnavailable, http.StatusServiceUnavailable, "auth_required"
	default:
		return ErrInternal, http.StatusInternalServerError, "internal"
	}
}

// writeFailure classifies err and writes the matching error response.
func writeFailure(w http.ResponseWriter, op string, err error) {
	kind, status, code := classify(err)
	writeError(w, status, code, WrapKind(op, kind, err))
}
