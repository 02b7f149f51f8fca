package scoring

import (
	"time"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithParams replaces the scaling constants. Invalid params are ignored.
func WithParams(p Params) Option {
	return func(e *Engine) {
		if p.Validate() == nil {
			e.params = p
		}
	}
}

// WithClock sets the clock used for ComputedAt and stream debouncing.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// StreamOption applies a configuration option to a Stream.
type StreamOption func(*Stream)

// WithDebounce sets the quiet period after the last push before a preview is
// computed.
func WithDebounce(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithWindowSize sets the number of most recent frames kept for analysis.
func WithWindowSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.window = make([]model.KeypointFrame, n)
		}
	}
}

// WithPreview registers the callback receiving debounced previews. The
// callback runs on the timer goroutine and must not call Stop.
func WithPreview(fn func(model.MetricsResult)) StreamOption {
	return func(s *Stream) {
		s.onPreview = fn
	}
}
