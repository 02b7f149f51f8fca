// Package worker runs streaming analysis sessions: each session drains its
// frame queue into a streaming computation on one goroutine and, when
// closed, enqueues the final result for upload.
package worker

import (
	"time"

	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

// Option applies a configuration option to a Session.
type Option func(*Session)

// WithName sets the session id used for identification and logging.
func WithName(name string) Option {
	return func(s *Session) {
		if name != "" {
			s.id = name
		}
	}
}

// WithSubmission sets the identity attached to the final result.
func WithSubmission(userID, submissionType string) Option {
	return func(s *Session) {
		s.userID = userID
		if submissionType != "" {
			s.submissionType = submissionType
		}
	}
}

// WithSessionClock sets the clock used for client timestamps.
func WithSessionClock(c timeutil.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets a custom logger for the session.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// PoolOption applies a configuration option to the Pool.
type PoolOption func(*Pool)

// WithQueueSize bounds each session's frame backlog.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMaxSessions bounds the number of concurrently open sessions.
func WithMaxSessions(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxSessions = n
		}
	}
}

// WithStreamTuning sets the debounce period and window size of new sessions.
// Zero values keep the engine defaults.
func WithStreamTuning(debounce time.Duration, window int) PoolOption {
	return func(p *Pool) {
		p.debounce = debounce
		p.window = window
	}
}

// WithDefaultSubmissionType sets the submission type used when a session
// does not name one.
func WithDefaultSubmissionType(t string) PoolOption {
	return func(p *Pool) {
		if t != "" {
			p.submissionType = t
		}
	}
}

// WithOnEnqueue registers a hook called after a final result is persisted,
// typically to trigger an upload run.
func WithOnEnqueue(fn func()) PoolOption {
	return func(p *Pool) {
		p.onEnqueue = fn
	}
}

// WithPoolClock sets the clock passed to sessions.
func WithPoolClock(c timeutil.Clock) PoolOption {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPoolLogger sets a custom logger for the pool.
func WithPoolLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}
