// Package queue buffers keypoint frames between the ingestion surface and
// the goroutine that feeds a streaming session.
//
// Enqueue never blocks: a full queue refuses the frame so callers can apply
// backpressure instead of stalling the HTTP handler.
package queue

import (
	"context"
	"sync"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 512
	defaultName          = "default"
)

// Frame is the payload type flowing through the queue.
type Frame = model.KeypointFrame

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a frame to the queue. It returns ErrFull when the queue
	// is at capacity and ErrClosed after Close.
	Enqueue(ctx context.Context, f Frame) error

	// Dequeue returns a channel that will receive frames in enqueue order.
	// The channel is closed once the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Frame

	// Len returns the current number of queued frames.
	Len(ctx context.Context) int

	// Close stops accepting frames. Frames already queued are still delivered.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel. It is meant for a
// single consumer.
type InMemoryQueue struct {
	frames   chan Frame
	capacity int
	name     string

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		name:     defaultName,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.frames = make(chan Frame, q.capacity)
	metrics.UpdateSessionQueueLength(q.name, 0)
	return q
}

// Enqueue adds a frame to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, f Frame) error { //nolint:gocritic // hugeParam: frames travel by value over the channel
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordFrameDropped()
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordFrameDropped()
		return err
	}

	select {
	case q.frames <- f:
		metrics.RecordFrameQueued()
		metrics.UpdateSessionQueueLength(q.name, len(q.frames))
		return nil
	default:
		metrics.RecordFrameDropped()
		return ErrFull
	}
}

// Dequeue returns a channel that will receive frames as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for f := range q.frames {
			select {
			case out <- f:
				if !q.IsClosed() {
					metrics.UpdateSessionQueueLength(q.name, len(q.frames))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued frames.
func (q *InMemoryQueue) Len(context.Context) int {
	return len(q.frames)
}

// Close stops accepting frames.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.frames)
	q.closed = true
	metrics.DeleteSessionQueueLength(q.name)
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
