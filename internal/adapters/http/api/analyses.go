package api

import (
	"errors"
	"net/http"

	"github.com/okian/posepulse/internal/domain/types"
)

// AnalysesHandler handles batch analysis requests.
type AnalysesHandler struct {
	svc AnalysisService
}

// NewAnalysesHandler creates a new analyses handler.
func NewAnalysesHandler(svc AnalysisService) *AnalysesHandler {
	return &AnalysesHandler{svc: svc}
}

// HandlePost handles POST /analyses: the frames are scored in one batch and
// the result is queued for upload.
func (h *AnalysesHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_analysis"
	var req types.AnalysisRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if len(req.Frames) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("no frames")))
		return
	}
	frames, err := types.Frames(req.Frames)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	resp, err := h.svc.Analyze(r.Context(), req.UserID, req.SubmissionType, frames)
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	if resp.Duplicate {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
