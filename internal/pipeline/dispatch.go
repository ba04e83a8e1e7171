package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/looptap/internal/observe"
	"github.com/MrWong99/looptap/internal/stats"
	"github.com/MrWong99/looptap/pkg/audio"
)

// ErrHostUnavailable reports that the host context could not be acquired for
// a delivery. The chunk is dropped and counted; the pipeline keeps running.
var ErrHostUnavailable = errors.New("pipeline: host context unavailable")

// Callback receives finished chunks. It runs on the single dispatch
// goroutine, so a slow callback applies backpressure to delivery (and
// eventually to the capture queues), never concurrency.
type Callback func(audio.Chunk)

// HostContext gates each callback invocation. Embedders whose runtime
// requires per-call state (a scripting host's thread lock, for example)
// implement Acquire; release is called after the callback returns.
type HostContext interface {
	Acquire() (release func(), err error)
}

// NoopHost is the default [HostContext] for plain Go callers.
type NoopHost struct{}

func (NoopHost) Acquire() (func(), error) { return func() {}, nil }

// Dispatcher owns the single delivery goroutine. Both execution units send
// finished chunks here; ordering within a source is preserved and callback
// panics are contained.
type Dispatcher struct {
	log       *slog.Logger
	host      HostContext
	cb        Callback
	collector *stats.Collector
	metrics   *observe.Metrics

	ch        chan audio.Chunk
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with a bounded delivery queue.
func NewDispatcher(log *slog.Logger, host HostContext, cb Callback, collector *stats.Collector, metrics *observe.Metrics, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if host == nil {
		host = NoopHost{}
	}
	return &Dispatcher{
		log:       log,
		host:      host,
		cb:        cb,
		collector: collector,
		metrics:   metrics,
		ch:        make(chan audio.Chunk, buffer),
		done:      make(chan struct{}),
	}
}

// Run delivers chunks until the queue is closed and drained. Call once, in
// its own goroutine.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for chunk := range d.ch {
		d.deliver(chunk)
	}
}

// Send enqueues one chunk for delivery, blocking for backpressure while the
// run is live. Once stop closes the attempt degrades to non-blocking so a
// stalled consumer cannot wedge shutdown; false reports the chunk was
// dropped. Must not be called after Close.
func (d *Dispatcher) Send(stop <-chan struct{}, chunk audio.Chunk) bool {
	select {
	case d.ch <- chunk:
		return true
	case <-stop:
	}
	select {
	case d.ch <- chunk:
		return true
	default:
		return false
	}
}

// Close ends delivery once buffered chunks are drained. Idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.ch) })
}

// Done is closed once the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) deliver(chunk audio.Chunk) {
	release, err := d.host.Acquire()
	if err != nil {
		d.collector.IncrDispatchFailure()
		d.metrics.PipelineErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", "dispatch")))
		d.log.Warn("host context unavailable, chunk dropped", "error", err)
		return
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			d.collector.IncrCallbackError()
			d.metrics.PipelineErrors.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("kind", "callback")))
			d.log.Error("chunk callback panicked", "panic", r)
		}
	}()
	d.cb(chunk)
}
