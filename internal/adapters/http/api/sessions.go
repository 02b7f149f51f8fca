package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/posepulse/internal/domain/types"
)

// SessionsHandler handles streaming session requests.
type SessionsHandler struct {
	svc SessionService
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(svc SessionService) *SessionsHandler {
	return &SessionsHandler{svc: svc}
}

// HandleOpen handles POST /sessions.
func (h *SessionsHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	const op = "api.open_session"
	var req types.SessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	id, err := h.svc.OpenSession(r.Context(), req.UserID, req.SubmissionType)
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.SessionResponse{SessionID: id})
}

// HandleFrames handles POST /sessions/{id}/frames. On backpressure the
// X-Frames-Accepted header tells the client where to resume.
func (h *SessionsHandler) HandleFrames(w http.ResponseWriter, r *http.Request) {
	const op = "api.push_frames"
	var req types.FramesRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	inputs := req.Inputs()
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("no frames")))
		return
	}
	frames, err := types.Frames(inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	n, err := h.svc.PushFrames(r.Context(), r.PathValue("id"), frames)
	w.Header().Set("X-Frames-Accepted", strconv.Itoa(n))
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.FramesResponse{Accepted: n})
}

// HandleGet handles GET /sessions/{id}: the latest preview and counters.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	st, err := h.svc.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleClose handles DELETE /sessions/{id}: the stream is stopped and its
// final result queued for upload.
func (h *SessionsHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	const op = "api.close_session"
	resp, err := h.svc.CloseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
