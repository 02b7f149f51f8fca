package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/posepulse/internal/adapters/mq/queue"
	"github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/domain/scoring"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

// Default pool configuration constants.
const (
	defaultSubmissionType = "analysis"
	defaultMaxSessions    = 64
	defaultQueueSize      = 512
)

// Stream is the streaming computation a session feeds.
type Stream interface {
	Push(f model.KeypointFrame) error
	Stop() model.MetricsResult
	Latest() (model.MetricsResult, bool)
	Status() scoring.Status
}

// Enqueuer persists a final result for upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, p model.SubmissionPayload) (*model.SubmissionRecord, error)
}

// Final is the outcome of closing a session. Record is nil when the session
// saw no frames and nothing was submitted.
type Final struct {
	Result    model.MetricsResult
	Record    *model.SubmissionRecord
	Duplicate bool
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	ID       string
	UserID   string
	State    string
	Frames   int
	Previews int
	Rejected int64
	Queued   int
	OpenedAt time.Time
	Latest   *model.MetricsResult
}

// Session feeds one frame queue into one stream. Frames are pushed on a
// single goroutine so the stream sees them in arrival order.
type Session struct {
	id             string
	userID         string
	submissionType string

	queue  queue.Queue
	stream Stream
	store  Enqueuer
	clock  timeutil.Clock

	openedAt time.Time
	rejected atomic.Int64
	done     chan struct{}

	finishOnce sync.Once
	final      Final
	finalErr   error

	logger logger.Logger
}

// NewSession creates a session over q and stream. Call Run to start it.
func NewSession(q queue.Queue, stream Stream, store Enqueuer, opts ...Option) *Session {
	s := &Session{
		submissionType: defaultSubmissionType,
		queue:          q,
		stream:         stream,
		store:          store,
		clock:          timeutil.RealClock{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("session")
	}
	s.openedAt = s.clock.Now()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Run drains the queue until it is closed and empty or ctx is done.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	frames := s.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.process(ctx, f)
		}
	}
}

func (s *Session) process(ctx context.Context, f model.KeypointFrame) { //nolint:gocritic // hugeParam: frames travel by value over the channel
	err := s.stream.Push(f)
	if err == nil {
		return
	}
	s.rejected.Add(1)
	reason := "stopped"
	if errors.Is(err, model.ErrTimestampOrder) {
		reason = "timestamp_order"
	}
	metrics.RecordFrameRejected(reason)
	s.logger.Warn(ctx, "frame rejected",
		logger.String("session", s.id),
		logger.Int64("timestamp", f.Timestamp),
		logger.Error(err),
	)
}

// Enqueue queues frames in order. It stops at the first refused frame and
// returns how many were accepted.
func (s *Session) Enqueue(ctx context.Context, frames []model.KeypointFrame) (int, error) {
	for i := range frames {
		if err := s.queue.Enqueue(ctx, frames[i]); err != nil {
			switch {
			case errors.Is(err, queue.ErrFull):
				return i, fmt.Errorf("%w: %s", ErrBackpressure, s.id)
			case errors.Is(err, queue.ErrClosed):
				return i, fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
			default:
				return i, err
			}
		}
	}
	return len(frames), nil
}

// Status returns the session's current view.
func (s *Session) Status(ctx context.Context) SessionStatus {
	st := s.stream.Status()
	out := SessionStatus{
		ID:       s.id,
		UserID:   s.userID,
		State:    st.State.String(),
		Frames:   st.Frames,
		Previews: st.Previews,
		Rejected: s.rejected.Load(),
		Queued:   s.queue.Len(ctx),
		OpenedAt: s.openedAt,
	}
	if r, ok := s.stream.Latest(); ok {
		out.Latest = &r
	}
	return out
}

// Finish closes the queue, waits for queued frames to reach the stream,
// stops it and enqueues the final result. Later calls return the first
// outcome. If ctx ends before the backlog drains, the remaining frames are
// rejected and the result covers what was pushed.
func (s *Session) Finish(ctx context.Context) (Final, error) {
	s.finishOnce.Do(func() {
		_ = s.queue.Close()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn(ctx, "session drain timed out", logger.String("session", s.id))
		}
		result := s.stream.Stop()
		// The result is computed; persisting it must not depend on the caller.
		s.final, s.finalErr = s.persist(context.WithoutCancel(ctx), result)
	})
	return s.final, s.finalErr
}

func (s *Session) persist(ctx context.Context, result model.MetricsResult) (Final, error) { //nolint:gocritic // hugeParam: results are immutable values
	final := Final{Result: result}
	if result.TotalFrames == 0 {
		s.logger.Info(ctx, "session closed without frames", logger.String("session", s.id))
		return final, nil
	}

	rec, err := s.store.Enqueue(ctx, model.SubmissionPayload{
		AnalysisData:    result,
		UserID:          s.userID,
		SubmissionType:  s.submissionType,
		ClientTimestamp: s.clock.Now(),
	})
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		final.Record = rec
		final.Duplicate = true
	case err != nil:
		return final, fmt.Errorf("enqueue session %s result: %w", s.id, err)
	default:
		final.Record = rec
	}

	s.logger.Info(ctx, "session closed",
		logger.String("session", s.id),
		logger.Int("frames", result.TotalFrames),
		logger.Float64("overall_score", result.OverallScore),
		logger.Bool("duplicate", final.Duplicate),
	)
	return final, nil
}

// StreamFactory opens streaming computations.
type StreamFactory interface {
	NewStream(opts ...scoring.StreamOption) *scoring.Stream
}

// Pool manages the open sessions.
type Pool struct {
	engine StreamFactory
	store  Enqueuer

	queueSize      int
	maxSessions    int
	debounce       time.Duration
	window         int
	submissionType string
	onEnqueue      func()
	clock          timeutil.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	logger logger.Logger
}

// NewPool creates a session pool.
func NewPool(engine StreamFactory, store Enqueuer, opts ...PoolOption) *Pool {
	p := &Pool{
		engine:         engine,
		store:          store,
		queueSize:      defaultQueueSize,
		maxSessions:    defaultMaxSessions,
		submissionType: defaultSubmissionType,
		clock:          timeutil.RealClock{},
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named("session-pool")
	}
	metrics.UpdateSessionsActive(0)
	return p
}

// Open starts a session for userID. The session outlives ctx; it ends on
// Close or Shutdown.
func (p *Pool) Open(ctx context.Context, userID, submissionType string) (*Session, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if submissionType == "" {
		submissionType = p.submissionType
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	if len(p.sessions) >= p.maxSessions {
		return nil, fmt.Errorf("%w: %d", ErrTooManySessions, p.maxSessions)
	}

	id := uuid.NewString()
	var streamOpts []scoring.StreamOption
	if p.debounce > 0 {
		streamOpts = append(streamOpts, scoring.WithDebounce(p.debounce))
	}
	if p.window > 0 {
		streamOpts = append(streamOpts, scoring.WithWindowSize(p.window))
	}
	streamOpts = append(streamOpts, scoring.WithPreview(func(r model.MetricsResult) {
		p.logger.Debug(context.Background(), "stream preview",
			logger.String("session", id),
			logger.Int("frames", r.TotalFrames),
			logger.Float64("overall_score", r.OverallScore),
		)
	}))

	q := queue.NewInMemoryQueue(queue.WithCapacity(p.queueSize), queue.WithName(id))
	sess := NewSession(q, p.engine.NewStream(streamOpts...), p.store,
		WithName(id),
		WithSubmission(userID, submissionType),
		WithSessionClock(p.clock),
		WithLogger(p.logger),
	)
	p.sessions[id] = sess
	go sess.Run(context.WithoutCancel(ctx))

	metrics.UpdateSessionsActive(len(p.sessions))
	p.logger.Info(ctx, "session opened", logger.String("session", id), logger.String("user_id", userID))
	return sess, nil
}

// Get returns an open session.
func (p *Pool) Get(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Push queues frames on an open session.
func (p *Pool) Push(ctx context.Context, id string, frames []model.KeypointFrame) (int, error) {
	sess, err := p.Get(id)
	if err != nil {
		return 0, err
	}
	return sess.Enqueue(ctx, frames)
}

// Close finishes a session and removes it from the pool.
func (p *Pool) Close(ctx context.Context, id string) (Final, error) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
		metrics.UpdateSessionsActive(len(p.sessions))
	}
	p.mu.Unlock()
	if !ok {
		return Final{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return p.finish(ctx, sess)
}

func (p *Pool) finish(ctx context.Context, sess *Session) (Final, error) {
	final, err := sess.Finish(ctx)
	if err == nil && final.Record != nil && !final.Duplicate && p.onEnqueue != nil {
		p.onEnqueue()
	}
	return final, err
}

// Len returns the number of open sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown refuses new sessions and finishes the open ones, so their
// results are persisted before the process exits.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	open := make([]*Session, 0, len(p.sessions))
	for id, sess := range p.sessions {
		open = append(open, sess)
		delete(p.sessions, id)
	}
	metrics.UpdateSessionsActive(0)
	p.mu.Unlock()

	var errs []error
	for _, sess := range open {
		if _, err := p.finish(ctx, sess); err != nil {
			p.logger.Error(ctx, "error finishing session", logger.String("session", sess.ID()), logger.Error(err))
			errs = append(errs, err)
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("%w: %w", errShutdownTimedOut, ctx.Err()))
	}
	return errors.Join(errs...)
}
