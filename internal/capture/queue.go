package capture

import (
	"context"
	"sync"

	"github.com/MrWong99/looptap/pkg/audio"
)

// Queue is the bounded handoff between a device callback and an execution
// unit. Push never blocks: when the queue is full the oldest frame is
// dropped and counted, keeping latency bounded when the consumer stalls.
type Queue struct {
	mu     sync.Mutex
	ch     chan audio.Frame
	closed bool
	onDrop func()
}

// NewQueue creates a queue holding up to capacity frames. onDrop is invoked
// once per dropped frame and may be nil.
func NewQueue(capacity int, onDrop func()) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue{ch: make(chan audio.Frame, capacity), onDrop: onDrop}
}

// Push enqueues one frame, evicting the oldest frame when full. Safe to call
// from the device callback; a push after Close is discarded.
func (q *Queue) Push(frame audio.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- frame:
			return
		default:
		}
		select {
		case <-q.ch:
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// Pop blocks until a frame is available. Returns [ErrEndOfStream] once the
// queue is closed and drained, or ctx.Err when the context ends first.
func (q *Queue) Pop(ctx context.Context) (audio.Frame, error) {
	select {
	case frame, ok := <-q.ch:
		if !ok {
			return audio.Frame{}, ErrEndOfStream
		}
		return frame, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Close ends the stream. Buffered frames remain readable; Pop reports
// [ErrEndOfStream] after the drain. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
