package upload

import (
	"time"

	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the interval and backoff decisions.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInterval sets the period between scheduled runs.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize bounds the records attempted per run.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBackoff sets the exponential backoff base and cap.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.backoffBase = base
		}
		if ceiling >= base && ceiling > 0 {
			s.backoffMax = ceiling
		}
	}
}

// WithSweepInterval sets the minimum time between retention sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

// WithForceSyncGrace sets how long ForceSync waits for the queue to drain.
func WithForceSyncGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithAuthRequiredHook registers a callback invoked when uploads pause for
// re-authentication. It runs on the upload goroutine.
func WithAuthRequiredHook(fn func()) Option {
	return func(s *Scheduler) {
		s.onAuthRequired = fn
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
