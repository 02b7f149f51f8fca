package scoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/metrics"
)

const (
	defaultDebounce   = 300 * time.Millisecond
	defaultWindowSize = 150
)

// State is the debounce state of a Stream.
type State int

// Stream states.
const (
	StateIdle State = iota
	StateDebouncing
	StateComputing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateComputing:
		return "computing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time view of a Stream.
type Status struct {
	State    State
	Deadline time.Time // set while debouncing
	Frames   int
	Previews int
}

// Stream is the streaming mode of the engine. Frames are pushed one at a
// time into a rolling window; a preview is computed once no frame has
// arrived for the debounce period. At most one computation runs at a time.
type Stream struct {
	engine    *Engine
	clock     timeutil.Clock
	debounce  time.Duration
	onPreview func(model.MetricsResult)

	// computeMu serializes computations and the preview callback.
	computeMu sync.Mutex

	mu        sync.Mutex
	window    []model.KeypointFrame // ring buffer
	head      int                   // index of the oldest frame
	size      int
	last      int64
	timer     timeutil.Timer
	gen       uint64
	armed     bool
	deadline  time.Time
	computing bool
	stopped   bool
	previews  int
	latest    *model.MetricsResult

	stopOnce sync.Once
	final    model.MetricsResult
}

// NewStream opens a streaming analysis on this engine.
func (e *Engine) NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		engine:   e,
		clock:    e.clock,
		debounce: defaultDebounce,
		window:   make([]model.KeypointFrame, defaultWindowSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends a frame, evicting the oldest when the window is full, and
// re-arms the debounce timer.
func (s *Stream) Push(f model.KeypointFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStreamStopped
	}
	if s.size > 0 && f.Timestamp < s.last {
		return fmt.Errorf("%w: %dms after %dms", model.ErrTimestampOrder, f.Timestamp, s.last)
	}

	capacity := len(s.window)
	if s.size < capacity {
		s.window[(s.head+s.size)%capacity] = f
		s.size++
	} else {
		s.window[s.head] = f
		s.head = (s.head + 1) % capacity
	}
	s.last = f.Timestamp

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.armed = true
	s.deadline = s.clock.Now().Add(s.debounce)
	s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(gen) })
	return nil
}

// snapshot copies the window oldest-first. Callers hold mu.
func (s *Stream) snapshot() []model.KeypointFrame {
	out := make([]model.KeypointFrame, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.window[(s.head+i)%len(s.window)]
	}
	return out
}

func (s *Stream) fire(gen uint64) {
	s.computeMu.Lock()
	defer s.computeMu.Unlock()

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.computing = true
	frames := s.snapshot()
	s.mu.Unlock()

	res := s.engine.compute(frames, model.ModeStream, true)

	s.mu.Lock()
	s.computing = false
	s.previews++
	s.latest = &res
	cb := s.onPreview
	s.mu.Unlock()

	metrics.RecordStreamPreview()
	if cb != nil {
		cb(res)
	}
}

// Stop cancels any pending debounce, waits for a running computation and
// returns the final result over the current window. No preview is delivered
// after Stop returns. Repeated calls return the same result.
func (s *Stream) Stop() model.MetricsResult {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.armed = false
		s.mu.Unlock()

		s.computeMu.Lock()
		defer s.computeMu.Unlock()

		s.mu.Lock()
		frames := s.snapshot()
		s.mu.Unlock()

		res := s.engine.compute(frames, model.ModeStream, false)

		s.mu.Lock()
		s.final = res
		s.latest = &res
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Latest returns the most recent preview, or the final result once stopped.
func (s *Stream) Latest() (model.MetricsResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return model.MetricsResult{}, false
	}
	return *s.latest, true
}

// Status reports the current state of the stream.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Frames: s.size, Previews: s.previews}
	switch {
	case s.stopped:
		st.State = StateStopped
	case s.computing:
		st.State = StateComputing
	case s.armed:
		st.State = StateDebouncing
		st.Deadline = s.deadline
	default:
		st.State = StateIdle
	}
	return st
}
