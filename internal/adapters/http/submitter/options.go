package submitter

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

// Option applies a configuration option to the Submitter.
type Option func(*Submitter)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c HTTPClient) Option {
	return func(s *Submitter) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTokenProvider sets the bearer token source.
func WithTokenProvider(p TokenProvider) Option {
	return func(s *Submitter) {
		if p != nil {
			s.tokens = p
		}
	}
}

// WithRatePerMinute paces requests to the remote API. Zero or less disables pacing.
func WithRatePerMinute(n int) Option {
	return func(s *Submitter) {
		if n <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), min(n, maxBurst))
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock sets the clock used for latency and Retry-After dates.
func WithClock(c timeutil.Clock) Option {
	return func(s *Submitter) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the submitter logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.log = l
		}
	}
}
