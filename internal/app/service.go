// Package service wires the metrics engine, the durable submission queue,
// the upload scheduler and streaming sessions into the dependencies required
// by the local HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/posepulse/internal/adapters/http/submitter"
	workerpool "github.com/okian/posepulse/internal/adapters/mq/worker"
	"github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/domain/scoring"
	"github.com/okian/posepulse/internal/domain/types"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/internal/upload"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

// ErrNotStarted is returned by operations called before Start or after Stop.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the posepulse agent.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     *repository.Store
	engine    *scoring.Engine
	transport *submitter.Submitter
	scheduler *upload.Scheduler
	sessions  *workerpool.Pool

	// Configuration
	dbPath         string
	apiBaseURL     string
	tokens         submitter.TokenProvider
	httpClient     submitter.HTTPClient
	defaultUser    string
	submissionType string
	params         scoring.Params
	debounce       time.Duration
	window         int
	maxRetries     int
	retention      time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	interval       time.Duration
	batchSize      int
	uploadTimeout  time.Duration
	ratePerMinute  int
	grace          time.Duration
	queueSize      int
	maxSessions    int
	clock          timeutil.Clock

	// State
	started bool
	cancel  context.CancelFunc

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithDBPath sets the SQLite file backing the submission queue.
func WithDBPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.dbPath = path
		}
	}
}

// WithAPIBaseURL sets the remote API root submissions are posted to.
func WithAPIBaseURL(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.apiBaseURL = url
		}
	}
}

// WithTokenProvider sets the source of the bearer token.
func WithTokenProvider(p submitter.TokenProvider) Option {
	return func(s *Service) {
		if p != nil {
			s.tokens = p
		}
	}
}

// WithHTTPClient replaces the HTTP client used for uploads.
func WithHTTPClient(c submitter.HTTPClient) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithDefaultUser sets the user attributed to requests that carry none.
func WithDefaultUser(userID string) Option {
	return func(s *Service) {
		s.defaultUser = userID
	}
}

// WithSubmissionType sets the submission type used when a request omits it.
func WithSubmissionType(t string) Option {
	return func(s *Service) {
		if t != "" {
			s.submissionType = t
		}
	}
}

// WithParams sets the engine's scaling constants and weights.
func WithParams(p scoring.Params) Option {
	return func(s *Service) {
		s.params = p
	}
}

// WithStreamTuning sets the preview debounce and rolling window of sessions.
func WithStreamTuning(debounce time.Duration, window int) Option {
	return func(s *Service) {
		if debounce > 0 {
			s.debounce = debounce
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithMaxRetries caps upload attempts per record.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetention sets how long completed records are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithBackoff sets the retry backoff base and ceiling.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Service) {
		if base > 0 && ceiling >= base {
			s.backoffBase = base
			s.backoffMax = ceiling
		}
	}
}

// WithSchedulerInterval sets the period between upload runs.
func WithSchedulerInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize sets the number of records attempted per run.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithUploadTimeout bounds each upload request.
func WithUploadTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.uploadTimeout = d
		}
	}
}

// WithRatePerMinute paces uploads. Zero disables pacing.
func WithRatePerMinute(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.ratePerMinute = n
		}
	}
}

// WithForceSyncGrace bounds how long a forced sync waits for the queue to drain.
func WithForceSyncGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSessionQueueSize bounds the frame backlog of each streaming session.
func WithSessionQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithMaxSessions caps concurrently open streaming sessions.
func WithMaxSessions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithClock sets the clock shared by every component.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		dbPath:         "posepulse.db",
		apiBaseURL:     "http://localhost:8000/api/v1",
		tokens:         submitter.StaticToken(""),
		submissionType: "analysis",
		params:         scoring.DefaultParams(),
		debounce:       300 * time.Millisecond,
		window:         150,
		maxRetries:     5,
		retention:      14 * 24 * time.Hour,
		backoffBase:    time.Second,
		backoffMax:     time.Hour,
		interval:       30 * time.Second,
		batchSize:      10,
		uploadTimeout:  15 * time.Second,
		ratePerMinute:  20,
		grace:          5 * time.Second,
		queueSize:      512,
		maxSessions:    64,
		clock:          timeutil.RealClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the submission queue and starts the scheduler. Components
// outlive ctx; they run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if err := s.params.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting posepulse service...", logger.String("db_path", s.dbPath))

	store, err := repository.Open(ctx, s.dbPath,
		repository.WithClock(s.clock),
		repository.WithMaxRetries(s.maxRetries),
		repository.WithRetention(s.retention),
	)
	if err != nil {
		return fmt.Errorf("open submission queue: %w", err)
	}

	engine := scoring.NewEngine(scoring.WithParams(s.params), scoring.WithClock(s.clock))

	transportOpts := []submitter.Option{
		submitter.WithTokenProvider(s.tokens),
		submitter.WithRatePerMinute(s.ratePerMinute),
		submitter.WithTimeout(s.uploadTimeout),
		submitter.WithClock(s.clock),
	}
	if s.httpClient != nil {
		transportOpts = append(transportOpts, submitter.WithHTTPClient(s.httpClient))
	}
	transport, err := submitter.New(s.apiBaseURL, transportOpts...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create submitter: %w", err)
	}

	log := s.logger
	scheduler := upload.NewScheduler(store, transport,
		upload.WithClock(s.clock),
		upload.WithInterval(s.interval),
		upload.WithBatchSize(s.batchSize),
		upload.WithBackoff(s.backoffBase, s.backoffMax),
		upload.WithForceSyncGrace(s.grace),
		upload.WithAuthRequiredHook(func() {
			log.Warn(context.Background(), "uploads paused until the API token is refreshed")
		}),
	)

	sessions := workerpool.NewPool(engine, store,
		workerpool.WithQueueSize(s.queueSize),
		workerpool.WithMaxSessions(s.maxSessions),
		workerpool.WithStreamTuning(s.debounce, s.window),
		workerpool.WithDefaultSubmissionType(s.submissionType),
		workerpool.WithOnEnqueue(scheduler.Trigger),
		workerpool.WithPoolClock(s.clock),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := scheduler.Start(runCtx); err != nil {
		cancel()
		_ = store.Close()
		return fmt.Errorf("start upload scheduler: %w", err)
	}

	s.store = store
	s.engine = engine
	s.transport = transport
	s.scheduler = scheduler
	s.sessions = sessions
	s.cancel = cancel
	s.started = true

	// Pick up anything left pending by a previous run.
	scheduler.Trigger()

	s.logger.Info(ctx, "posepulse service started",
		logger.String("api_base_url", s.apiBaseURL),
		logger.Duration("interval", s.interval),
		logger.Int("max_retries", s.maxRetries),
	)
	return nil
}

// Stop finishes open sessions, waits for the active upload run and closes
// the submission queue, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info(ctx, "stopping posepulse service...")

	var errs []error
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
	}
	s.cancel()
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close submission queue: %w", err))
	}

	s.started = false
	s.logger.Info(ctx, "posepulse service stopped")
	return errors.Join(errs...)
}

// running is the set of components live between Start and Stop.
type running struct {
	store     *repository.Store
	engine    *scoring.Engine
	scheduler *upload.Scheduler
	sessions  *workerpool.Pool
}

// components returns the running components or ErrNotStarted.
func (s *Service) components() (running, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return running{}, ErrNotStarted
	}
	return running{store: s.store, engine: s.engine, scheduler: s.scheduler, sessions: s.sessions}, nil
}

func (s *Service) resolveUser(userID string) (string, error) {
	if userID == "" {
		userID = s.defaultUser
	}
	if userID == "" {
		return "", workerpool.ErrMissingUser
	}
	return userID, nil
}

// Analyze computes a batch result over frames and queues it for upload.
func (s *Service) Analyze(ctx context.Context, userID, submissionType string, frames []model.KeypointFrame) (types.AnalysisResponse, error) {
	rt, err := s.components()
	if err != nil {
		return types.AnalysisResponse{}, err
	}
	if userID, err = s.resolveUser(userID); err != nil {
		return types.AnalysisResponse{}, err
	}
	if submissionType == "" {
		submissionType = s.submissionType
	}

	result := rt.engine.Compute(frames)

	rec, err := rt.store.Enqueue(ctx, model.SubmissionPayload{
		AnalysisData:    result,
		UserID:          userID,
		SubmissionType:  submissionType,
		ClientTimestamp: s.clock.Now().UTC(),
	})
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		resp := types.AnalysisResponse{Duplicate: true}
		if rec != nil {
			resp.ID = rec.ID
			resp.ContentHash = rec.ContentHash
			resp.Status = string(rec.Status)
		}
		s.logger.Debug(ctx, "duplicate analysis ignored",
			logger.String("user_id", userID),
			logger.String("content_hash", resp.ContentHash),
		)
		return resp, nil
	case err != nil:
		return types.AnalysisResponse{}, err
	}

	rt.scheduler.Trigger()
	s.logger.Info(ctx, "analysis queued",
		logger.Uint64("id", rec.ID),
		logger.String("user_id", userID),
		logger.Int("frames", result.TotalFrames),
		logger.Float64("overall_score", result.OverallScore),
	)
	return types.AnalysisResponse{
		ID:          rec.ID,
		ContentHash: rec.ContentHash,
		Status:      string(rec.Status),
		Metrics:     &result,
	}, nil
}

// OpenSession starts a streaming session and returns its id.
func (s *Service) OpenSession(ctx context.Context, userID, submissionType string) (string, error) {
	rt, err := s.components()
	if err != nil {
		return "", err
	}
	if userID, err = s.resolveUser(userID); err != nil {
		return "", err
	}
	sess, err := rt.sessions.Open(ctx, userID, submissionType)
	if err != nil {
		return "", err
	}
	return sess.ID(), nil
}

// PushFrames queues frames on a session and reports how many were accepted.
func (s *Service) PushFrames(ctx context.Context, id string, frames []model.KeypointFrame) (int, error) {
	rt, err := s.components()
	if err != nil {
		return 0, err
	}
	return rt.sessions.Push(ctx, id, frames)
}

// SessionStatus returns the live view of a session.
func (s *Service) SessionStatus(ctx context.Context, id string) (types.SessionStatusResponse, error) {
	rt, err := s.components()
	if err != nil {
		return types.SessionStatusResponse{}, err
	}
	sess, err := rt.sessions.Get(id)
	if err != nil {
		return types.SessionStatusResponse{}, err
	}
	st := sess.Status(ctx)
	return types.SessionStatusResponse{
		SessionID: st.ID,
		UserID:    st.UserID,
		State:     st.State,
		Frames:    st.Frames,
		Previews:  st.Previews,
		Rejected:  st.Rejected,
		Queued:    st.Queued,
		OpenedAt:  st.OpenedAt,
		Latest:    st.Latest,
	}, nil
}

// CloseSession stops a session and queues its final result.
func (s *Service) CloseSession(ctx context.Context, id string) (types.AnalysisResponse, error) {
	rt, err := s.components()
	if err != nil {
		return types.AnalysisResponse{}, err
	}
	final, err := rt.sessions.Close(ctx, id)
	if err != nil {
		return types.AnalysisResponse{}, err
	}
	result := final.Result
	resp := types.AnalysisResponse{Duplicate: final.Duplicate, Metrics: &result}
	if final.Record != nil {
		resp.ID = final.Record.ID
		resp.ContentHash = final.Record.ContentHash
		resp.Status = string(final.Record.Status)
	}
	return resp, nil
}

// ListSubmissions returns queued records, newest first.
func (s *Service) ListSubmissions(ctx context.Context, status model.SubmissionStatus, limit int) ([]types.Submission, error) {
	rt, err := s.components()
	if err != nil {
		return nil, err
	}
	recs, err := rt.store.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.Submission, len(recs))
	for i := range recs {
		out[i] = types.NewSubmission(&recs[i])
	}
	return out, nil
}

// RetrySubmission requeues a failed record with a fresh retry budget.
func (s *Service) RetrySubmission(ctx context.Context, id uint64) (types.Submission, error) {
	rt, err := s.components()
	if err != nil {
		return types.Submission{}, err
	}
	if err := rt.store.Requeue(ctx, id); err != nil {
		return types.Submission{}, err
	}
	rec, err := rt.store.Get(ctx, id)
	if err != nil {
		return types.Submission{}, err
	}
	rt.scheduler.Trigger()
	s.logger.Info(ctx, "submission requeued", logger.Uint64("id", id))
	return types.NewSubmission(rec), nil
}

// ForceSync uploads immediately and reports what is left pending.
func (s *Service) ForceSync(ctx context.Context) (types.SyncResponse, error) {
	rt, err := s.components()
	if err != nil {
		return types.SyncResponse{}, err
	}
	drained, err := rt.scheduler.ForceSync(ctx)
	if err != nil {
		return types.SyncResponse{}, err
	}
	pending, err := rt.store.PendingCount(ctx)
	if err != nil {
		return types.SyncResponse{}, err
	}
	return types.SyncResponse{Drained: drained, Pending: pending}, nil
}

// Reauthenticated resumes uploads paused by an authentication failure.
func (s *Service) Reauthenticated(ctx context.Context) {
	rt, err := s.components()
	if err != nil {
		return
	}
	rt.scheduler.Reauthenticated()
	rt.scheduler.Trigger()
	s.logger.Info(ctx, "uploads resumed after re-authentication")
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":        s.started,
		"apiBaseURL":     s.apiBaseURL,
		"maxRetries":     s.maxRetries,
		"batchSize":      s.batchSize,
		"intervalMs":     s.interval.Milliseconds(),
		"maxSessions":    s.maxSessions,
		"sessionQueue":   s.queueSize,
		"submissionType": s.submissionType,
	}

	if s.started {
		ctx := context.Background()
		stats["sessionsActive"] = s.sessions.Len()

		counts, err := s.store.Counts(ctx)
		if err != nil {
			stats["queueError"] = err.Error()
		} else {
			queue := make(map[string]int64, len(counts))
			for status, n := range counts {
				queue[string(status)] = n
				metrics.UpdateQueueDepth(string(status), n)
			}
			stats["queue"] = queue
		}

		st := s.scheduler.Stats()
		stats["scheduler"] = map[string]interface{}{
			"runs":       st.Runs,
			"skipped":    st.Skipped,
			"lastRunAt":  st.LastRunAt,
			"lastError":  st.LastError,
			"authPaused": st.AuthPaused,
			"lastRun": map[string]int{
				"selected":  st.LastRun.Selected,
				"attempted": st.LastRun.Attempted,
				"delivered": st.LastRun.Delivered,
				"retried":   st.LastRun.Retried,
				"failed":    st.LastRun.Failed,
				"deferred":  st.LastRun.Deferred,
			},
		}
	}

	return stats
}
