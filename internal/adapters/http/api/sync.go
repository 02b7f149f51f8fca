package api

import "net/http"

// SyncHandler handles upload control requests.
type SyncHandler struct {
	svc SyncService
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// HandleSync handles POST /sync: an immediate upload run, waiting briefly
// for the queue to drain.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	const op = "api.sync"
	resp, err := h.svc.ForceSync(r.Context())
	if err != nil {
		writeFailure(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleReauthenticated handles POST /auth/refresh: the token source has a
// fresh credential, so paused uploads may resume.
func (h *SyncHandler) HandleReauthenticated(w http.ResponseWriter, r *http.Request) {
	h.svc.Reauthenticated(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
