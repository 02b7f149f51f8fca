// Package api serves the agent's local control API: batch analyses,
// streaming sessions, the submission queue and sync control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/domain/types"
)

// maxBodyBytes bounds request bodies; a 30s session at 30fps is ~1MB.
const maxBodyBytes = 8 << 20

// AnalysisService computes and queues batch analyses.
type AnalysisService interface {
	Analyze(ctx context.Context, userID, submissionType string, frames []model.KeypointFrame) (types.AnalysisResponse, error)
}

// SessionService manages streaming sessions.
type SessionService interface {
	OpenSession(ctx context.Context, userID, submissionType string) (string, error)
	PushFrames(ctx context.Context, id string, frames []model.KeypointFrame) (int, error)
	SessionStatus(ctx context.Context, id string) (types.SessionStatusResponse, error)
	CloseSession(ctx context.Context, id string) (types.AnalysisResponse, error)
}

// SubmissionService exposes the durable submission queue.
type SubmissionService interface {
	ListSubmissions(ctx context.Context, status model.SubmissionStatus, limit int) ([]types.Submission, error)
	RetrySubmission(ctx context.Context, id uint64) (types.Submission, error)
}

// SyncService controls upload delivery.
type SyncService interface {
	ForceSync(ctx context.Context) (types.SyncResponse, error)
	Reauthenticated(ctx context.Context)
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	AnalysisService
	SessionService
	SubmissionService
	SyncService
}

// Server wires HTTP routes for the local API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	analysesHandler    *AnalysesHandler
	sessionsHandler    *SessionsHandler
	submissionsHandler *SubmissionsHandler
	syncHandler        *SyncHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		analysesHandler:    NewAnalysesHandler(deps),
		sessionsHandler:    NewSessionsHandler(deps),
		submissionsHandler: NewSubmissionsHandler(deps),
		syncHandler:        NewSyncHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /metrics", s.healthHandler.HandleMetrics)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /analyses", MetricsMiddleware(s.analysesHandler.HandlePost, "analyses"))

	mux.HandleFunc("POST /sessions", MetricsMiddleware(s.sessionsHandler.HandleOpen, "sessions"))
	mux.HandleFunc("POST /sessions/{id}/frames", MetricsMiddleware(s.sessionsHandler.HandleFrames, "session_frames"))
	mux.HandleFunc("GET /sessions/{id}", MetricsMiddleware(s.sessionsHandler.HandleGet, "session"))
	mux.HandleFunc("DELETE /sessions/{id}", MetricsMiddleware(s.sessionsHandler.HandleClose, "session"))

	mux.HandleFunc("GET /submissions", MetricsMiddleware(s.submissionsHandler.HandleList, "submissions"))
	mux.HandleFunc("POST /submissions/{id}/retry", MetricsMiddleware(s.submissionsHandler.HandleRetry, "submission_retry"))

	mux.HandleFunc("POST /sync", MetricsMiddleware(s.syncHandler.HandleSync, "sync"))
	mux.HandleFunc("POST /auth/refresh", MetricsMiddleware(s.syncHandler.HandleReauthenticated, "auth_refresh"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeJSON reads a bounded JSON body into v. An empty body is accepted
// only when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
