package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/domain/types"
)

// Submission listing limits.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SubmissionsHandler handles submission queue requests.
type SubmissionsHandler struct {
	svc SubmissionService
}

// NewSubmissionsHandler creates a new submissions handler.
func NewSubmissionsHandler(svc SubmissionService) *SubmissionsHandler {
	return &SubmissionsHandler{svc: svc}
}

// HandleList handles GET /submissions?status=&limit=.
func (h *SubmissionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_submissions"
	q := r.URL.Query()

	var status model.SubmissionStatus
	if s := q.Get("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		status = st
	}

	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, fmt.Errorf("invalid limit %q", s)))
			return
		}
		if n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit_exceeded", WrapKind(op, ErrBadRequest, fmt.Errorf("limit must be at most %d", maxListLimit)))
			return
		}
		limit = n
	}

	subs, err := h.svc.ListSubmissions(r.Context(), status, limit)
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	if subs == nil {
		subs = []types.Submission{}
	}
	writeJSON(w, http.StatusOK, types.SubmissionList{Submissions: subs, Count: len(subs)})
}

// HandleRetry handles POST /submissions/{id}/retry. Only failed records may
// be retried.
func (h *SubmissionsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	const op = "api.retry_submission"
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id"))))
		return
	}
	sub, err := h.svc.RetrySubmission(r.Context(), id)
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}
