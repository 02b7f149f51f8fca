// Package upload drives delivery of queued submissions to the remote API.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/posepulse/internal/adapters/http/submitter"
	"github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
	"github.com/okian/posepulse/pkg/metrics"
)

// Default scheduler configuration constants.
const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 10
	defaultBackoffBase = time.Second
	defaultBackoffMax  = time.Hour
	defaultSweepEvery  = time.Hour
	defaultGrace       = 5 * time.Second
	forceSyncPoll      = 100 * time.Millisecond
)

// Store is the subset of the submission store the scheduler drives.
type Store interface {
	SelectEligible(ctx context.Context, limit int) ([]model.SubmissionRecord, error)
	MarkInFlight(ctx context.Context, id uint64) error
	MarkCompleted(ctx context.Context, id uint64) error
	MarkRetryable(ctx context.Context, id uint64, cause string, opts ...repository.RetryOption) (model.SubmissionStatus, error)
	MarkFailed(ctx context.Context, id uint64, kind model.ErrorKind, cause string) error
	FailExhausted(ctx context.Context) (int64, error)
	Sweep(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (map[model.SubmissionStatus]int64, error)
}

// Transport delivers one record and exposes the token it authenticates with.
type Transport interface {
	Submit(ctx context.Context, rec model.SubmissionRecord) submitter.Result
	Token(ctx context.Context) (string, error)
}

// RunStats summarizes one run.
type RunStats struct {
	Selected  int
	Attempted int
	Delivered int
	Retried   int
	Failed    int
	Deferred  int
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Runs       int64
	Skipped    int64
	LastRunAt  time.Time
	LastRun    RunStats
	LastError  string
	AuthPaused bool
}

// Scheduler periodically uploads eligible records. Runs never overlap: a
// tick arriving while a run is active is skipped, not queued. A trigger
// arriving while busy is remembered and starts one follow-up run.
type Scheduler struct {
	store     Store
	transport Transport

	clock          timeutil.Clock
	interval       time.Duration
	batchSize      int
	backoffBase    time.Duration
	backoffMax     time.Duration
	sweepEvery     time.Duration
	grace          time.Duration
	onAuthRequired func()
	log            logger.Logger

	running atomic.Bool
	rerun   atomic.Bool
	active  sync.WaitGroup
	trigger chan struct{}

	mu          sync.Mutex
	authPaused  bool
	pausedToken string
	lastSweep   time.Time
	stats       Stats

	// life is cancelled by Stop; every run is bound to it.
	life       context.Context
	cancelLife context.CancelFunc

	started  atomic.Bool
	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}
}

// NewScheduler creates an upload scheduler with configuration options.
func NewScheduler(store Store, transport Transport, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		transport:   transport,
		clock:       timeutil.RealClock{},
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		sweepEvery:  defaultSweepEvery,
		grace:       defaultGrace,
		trigger:     make(chan struct{}, 1),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("upload")
	}
	s.life, s.cancelLife = context.WithCancel(context.Background())
	return s
}

// Start fails records whose budget is already spent and launches the
// interval loop. The loop ends on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if n, err := s.store.FailExhausted(ctx); err != nil {
		return fmt.Errorf("fail exhausted submissions: %w", err)
	} else if n > 0 {
		s.log.Warn(ctx, "failed submissions with exhausted retry budget", logger.Int64("count", n))
	}

	go s.loop(ctx, s.clock.NewTicker(s.interval))
	s.log.Info(ctx, "upload scheduler started",
		logger.Duration("interval", s.interval),
		logger.Int("batch_size", s.batchSize),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker timeutil.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C():
			s.spawn(ctx, false)
		case <-s.trigger:
			s.spawn(ctx, true)
		}
	}
}

// spawn starts a run on its own goroutine unless one is active, so a stuck
// upload never blocks the loop.
func (s *Scheduler) spawn(ctx context.Context, triggered bool) {
	if !s.running.CompareAndSwap(false, true) {
		if triggered {
			s.rerun.Store(true)
		}
		s.skipped()
		return
	}
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		defer s.release()
		ctx, cancel := s.bind(ctx)
		defer cancel()
		if _, err := s.run(ctx); err != nil && !errors.Is(err, ErrAuthRequired) && !errors.Is(err, context.Canceled) {
			s.log.Error(ctx, "upload run failed", logger.Error(err))
		}
	}()
}

func (s *Scheduler) skipped() {
	metrics.RecordSchedulerRun("skipped")
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
}

// Trigger requests a run as soon as possible. Multiple triggers before the
// loop picks one up coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunOnce performs one run synchronously. It returns ErrBusy if a run is
// already active.
func (s *Scheduler) RunOnce(ctx context.Context) (RunStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped()
		return RunStats{}, ErrBusy
	}
	s.active.Add(1)
	defer s.active.Done()
	defer s.release()
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.run(ctx)
}

// bind derives a run context that also ends when the scheduler stops.
func (s *Scheduler) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// release frees the single-flight guard and honors a trigger that arrived
// during the run.
func (s *Scheduler) release() {
	s.running.Store(false)
	if s.rerun.Swap(false) {
		s.Trigger()
	}
}

// tryRun runs a batch when no other run is active. Busy is not counted as
// a skip.
func (s *Scheduler) tryRun(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.active.Add(1)
	defer s.active.Done()
	defer s.release()
	ctx, cancel := s.bind(ctx)
	defer cancel()
	_, err := s.run(ctx)
	return err
}

func (s *Scheduler) run(ctx context.Context) (RunStats, error) {
	var rs RunStats

	if s.stillPaused(ctx) {
		metrics.RecordSchedulerRun("auth_paused")
		s.finish(rs, ErrAuthRequired)
		return rs, ErrAuthRequired
	}

	recs, err := s.store.SelectEligible(ctx, s.batchSize)
	if err != nil {
		metrics.RecordSchedulerRun("error")
		s.finish(rs, err)
		return rs, err
	}
	rs.Selected = len(recs)

	var runErr error
	for i := range recs {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		rec := &recs[i]
		if !Due(rec, s.clock.Now(), s.backoffBase, s.backoffMax) {
			rs.Deferred++
			metrics.RecordBackoffDeferral()
			continue
		}
		outcome, err := s.attempt(ctx, rec, &rs)
		if err != nil {
			runErr = err
			break
		}
		if outcome == submitter.Auth {
			runErr = ErrAuthRequired
			break
		}
	}

	if runErr == nil || errors.Is(runErr, ErrAuthRequired) {
		s.maybeSweep(ctx)
	}
	if _, err := s.store.Counts(ctx); err != nil {
		s.log.Warn(ctx, "refresh queue depth", logger.Error(err))
	}

	switch {
	case runErr == nil:
		metrics.RecordSchedulerRun("ran")
	case errors.Is(runErr, ErrAuthRequired):
		metrics.RecordSchedulerRun("auth_paused")
	default:
		metrics.RecordSchedulerRun("error")
	}
	s.finish(rs, runErr)
	if rs.Attempted > 0 {
		s.log.Info(ctx, "upload run finished",
			logger.Int("selected", rs.Selected),
			logger.Int("attempted", rs.Attempted),
			logger.Int("delivered", rs.Delivered),
			logger.Int("retried", rs.Retried),
			logger.Int("failed", rs.Failed),
			logger.Int("deferred", rs.Deferred),
		)
	}
	return rs, runErr
}

// attempt claims, submits and settles one record. Store errors propagate.
func (s *Scheduler) attempt(ctx context.Context, rec *model.SubmissionRecord, rs *RunStats) (submitter.Outcome, error) {
	if err := s.store.MarkInFlight(ctx, rec.ID); err != nil {
		return 0, fmt.Errorf("claim submission %d: %w", rec.ID, err)
	}
	rs.Attempted++

	// The claim stands even if the caller is cancelled mid-request; settle
	// the record so it does not stay in flight until the next restart.
	settleCtx := context.WithoutCancel(ctx)
	res := s.transport.Submit(ctx, *rec)

	var err error
	switch {
	case res.Outcome != submitter.Delivered && ctx.Err() != nil:
		// Interrupted by Stop or the caller: not the record's fault.
		_, err = s.store.MarkRetryable(settleCtx, rec.ID, "upload interrupted: "+ctx.Err().Error(),
			repository.WithoutBudget(), repository.WithKind(model.ErrorKindInterrupted))
		rs.Retried++
		if err == nil {
			return res.Outcome, ctx.Err()
		}
	case res.Outcome == submitter.Delivered:
		err = s.store.MarkCompleted(settleCtx, rec.ID)
		rs.Delivered++
	case res.Outcome == submitter.Rejected:
		err = s.store.MarkFailed(settleCtx, rec.ID, model.ErrorKindRejected, res.Message)
		rs.Failed++
	case res.Outcome == submitter.Auth:
		_, err = s.store.MarkRetryable(settleCtx, rec.ID, res.Message,
			repository.WithoutBudget(), repository.WithKind(model.ErrorKindAuth))
		rs.Retried++
		s.pause(ctx, res.Token)
	case res.Outcome == submitter.Throttled:
		wait := res.RetryAfter
		if wait <= 0 {
			wait = s.backoffBase
		}
		_, err = s.store.MarkRetryable(settleCtx, rec.ID, res.Message,
			repository.WithoutBudget(), repository.WithKind(model.ErrorKindThrottled),
			repository.WithNotBefore(s.clock.Now().Add(wait)))
		rs.Retried++
	default:
		var st model.SubmissionStatus
		st, err = s.store.MarkRetryable(settleCtx, rec.ID, res.Message, repository.WithKind(model.ErrorKindTransient))
		if st == model.StatusFailed {
			rs.Failed++
		} else {
			rs.Retried++
		}
	}
	if err != nil {
		return res.Outcome, fmt.Errorf("settle submission %d as %s: %w", rec.ID, res.Outcome, err)
	}
	return res.Outcome, nil
}

func (s *Scheduler) pause(ctx context.Context, token string) {
	s.mu.Lock()
	already := s.authPaused
	s.authPaused = true
	s.pausedToken = token
	hook := s.onAuthRequired
	s.mu.Unlock()

	if already {
		return
	}
	s.log.Warn(ctx, "uploads paused until re-authentication")
	if hook != nil {
		hook()
	}
}

// stillPaused resumes uploads when the token provider yields a different
// token than the one that was refused.
func (s *Scheduler) stillPaused(ctx context.Context) bool {
	s.mu.Lock()
	paused, refused := s.authPaused, s.pausedToken
	s.mu.Unlock()
	if !paused {
		return false
	}
	tok, err := s.transport.Token(ctx)
	if err != nil || tok == refused {
		return true
	}
	s.Reauthenticated()
	return false
}

// Reauthenticated lifts an auth pause and requests a run.
func (s *Scheduler) Reauthenticated() {
	s.mu.Lock()
	was := s.authPaused
	s.authPaused = false
	s.pausedToken = ""
	s.mu.Unlock()
	if was {
		s.log.Info(context.Background(), "uploads resumed after re-authentication")
		s.Trigger()
	}
}

// AuthPaused reports whether uploads wait for re-authentication.
func (s *Scheduler) AuthPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authPaused
}

func (s *Scheduler) maybeSweep(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	due := s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= s.sweepEvery
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.store.Sweep(ctx); err != nil {
		s.log.Error(ctx, "retention sweep failed", logger.Error(err))
	}
}

func (s *Scheduler) finish(rs RunStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs++
	s.stats.LastRunAt = s.clock.Now()
	s.stats.LastRun = rs
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.AuthPaused = s.authPaused
	return st
}

// ForceSync runs immediately and reports whether nothing is left pending
// within the grace period. While waiting it keeps running batches, so a
// backlog larger than one batch drains and a run already in progress is
// followed by another. Grace and polling follow the scheduler clock.
func (s *Scheduler) ForceSync(ctx context.Context) (bool, error) {
	expired := make(chan struct{})
	timer := s.clock.AfterFunc(s.grace, func() { close(expired) })
	defer timer.Stop()
	poll := s.clock.NewTicker(forceSyncPoll)
	defer poll.Stop()

	_, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrBusy):
	case err != nil:
		return false, err
	}

	for {
		n, err := s.store.PendingCount(ctx)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return true, nil
		}
		select {
		case <-expired:
			return false, nil
		default:
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-expired:
			return false, nil
		case <-poll.C():
		}
		if err := s.tryRun(ctx); err != nil {
			return false, err
		}
	}
}

// Stop ends the loop, cancels an active run and waits for it to settle,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.cancelLife()
	})

	finished := make(chan struct{})
	go func() {
		if s.started.Load() {
			<-s.done
		}
		s.active.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Info(ctx, "upload scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn(ctx, "upload scheduler stop timed out")
		return fmt.Errorf("scheduler stop timed out: %w", ctx.Err())
	}
}
