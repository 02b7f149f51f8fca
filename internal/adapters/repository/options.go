package repository

import (
	"time"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMaxRetries sets the retry cap after which a record fails.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetention sets how long completed records are kept before Sweep deletes them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// RetryOption adjusts a MarkRetryable call.
type RetryOption func(*retryParams)

type retryParams struct {
	kind      model.ErrorKind
	noBudget  bool
	notBefore *time.Time
}

// WithoutBudget leaves retry_count untouched, for failures that are not the
// record's fault (auth, throttling).
func WithoutBudget() RetryOption {
	return func(p *retryParams) { p.noBudget = true }
}

// WithNotBefore sets the earliest time of the next attempt.
func WithNotBefore(t time.Time) RetryOption {
	return func(p *retryParams) {
		t = t.UTC()
		p.notBefore = &t
	}
}

// WithKind records the failure class. Defaults to transient.
func WithKind(k model.ErrorKind) RetryOption {
	return func(p *retryParams) {
		if k != model.ErrorKindNone {
			p.kind = k
		}
	}
}
