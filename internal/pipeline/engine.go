// Package pipeline orchestrates a capture run: it opens the configured
// sources, drives one processing chain per source on its own goroutine, and
// delivers finished chunks through a single dispatch goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/looptap/internal/aec"
	"github.com/MrWong99/looptap/internal/capture"
	"github.com/MrWong99/looptap/internal/config"
	"github.com/MrWong99/looptap/internal/dsp"
	"github.com/MrWong99/looptap/internal/observe"
	"github.com/MrWong99/looptap/internal/stats"
	"github.com/MrWong99/looptap/pkg/audio"
)

var (
	// ErrAlreadyRunning reports a Start while a run is active. One engine
	// owns at most one run at a time.
	ErrAlreadyRunning = errors.New("pipeline: capture already running")

	// ErrNilCallback reports a Start without a chunk callback.
	ErrNilCallback = errors.New("pipeline: nil chunk callback")
)

// procRate is the internal processing rate. All DSP runs mono at this rate;
// the configured output format is produced after cancellation.
const procRate = 48000

// farEndSlack extends far-end history beyond the maximum delay to absorb
// scheduling jitter between the two execution units.
const farEndSlack = time.Second

// Options carries the engine's collaborators. Zero values select production
// defaults.
type Options struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Opener opens capture sources. Defaults to the PortAudio backend.
	Opener capture.Opener

	// Host gates callback invocations. Defaults to [NoopHost].
	Host HostContext

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Reconnect overrides capture recovery parameters.
	Reconnect capture.ReconnectorConfig

	// DispatchBuffer bounds the delivery queue, in chunks.
	DispatchBuffer int
}

// Engine is the top-level handle. Create one with [New], then Start a run,
// read [Engine.Stats] while it is live, and Stop it. Start/Stop pairs may be
// repeated; at most one run is active at a time.
type Engine struct {
	log     *slog.Logger
	cfg     config.Config
	opener  capture.Opener
	host    HostContext
	metrics *observe.Metrics
	reconn  capture.ReconnectorConfig
	buffer  int

	mu        sync.Mutex
	active    *run
	collector *stats.Collector
}

// New validates cfg and creates an engine. No devices are touched until
// Start.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	opener := opts.Opener
	if opener == nil {
		opener = capture.NewBackend(log)
	}
	host := opts.Host
	if host == nil {
		host = NoopHost{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		log:       log,
		cfg:       cfg,
		opener:    opener,
		host:      host,
		metrics:   metrics,
		reconn:    opts.Reconnect,
		buffer:    opts.DispatchBuffer,
		collector: stats.NewCollector(),
	}, nil
}

// Start opens the configured sources and begins delivering chunks to cb.
// ctx bounds the whole run: cancelling it aborts capture. When one source
// fails to open but another succeeds the run continues on the working one;
// Start fails only when no source can be opened.
func (e *Engine) Start(ctx context.Context, cb Callback) error {
	if cb == nil {
		return ErrNilCallback
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return ErrAlreadyRunning
	}

	collector := stats.NewCollector()
	r, err := e.newRun(ctx, cb, collector)
	if err != nil {
		return err
	}
	e.active = r
	e.collector = collector

	go func() {
		r.wait()
		e.mu.Lock()
		if e.active == r {
			e.active = nil
		}
		e.mu.Unlock()
	}()
	return nil
}

// Stop ends the active run: sources close, every stage flushes its tail and
// each execution unit is joined. Buffered chunks finish delivering on the
// dispatch goroutine right after ([Engine.Done] reports full completion).
// Stop is idempotent, safe from any goroutine including inside the chunk
// callback, and a no-op on an idle engine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.stop()
	<-r.unitsDone
	e.mu.Lock()
	if e.active == r {
		e.active = nil
	}
	e.mu.Unlock()
	return nil
}

// Done reports the active run's completion. An idle engine returns a closed
// channel.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.active.done
}

// Stats returns a consistent snapshot of the current run's statistics, or of
// the last finished run when idle.
func (e *Engine) Stats() stats.Snapshot {
	e.mu.Lock()
	collector := e.collector
	e.mu.Unlock()
	return collector.Snapshot()
}

// run is one active capture session.
type run struct {
	log       *slog.Logger
	cfg       config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	collector *stats.Collector
	metrics   *observe.Metrics

	dispatcher *Dispatcher
	tuner      *aec.Tuner
	aligner    *dsp.Aligner
	farBuf     *aec.FarEndBuffer

	mu        sync.Mutex
	sources   map[audio.Source]capture.Source
	stopping  bool
	rollbacks uint64

	g         *errgroup.Group
	stopCh    chan struct{} // closed by stop; releases blocked sends
	unitsDone chan struct{} // closed once every execution unit has flushed
	done      chan struct{} // closed once buffered chunks are delivered
	stopOnce  sync.Once
}

func (e *Engine) newRun(ctx context.Context, cb Callback, collector *stats.Collector) (*run, error) {
	proc := e.cfg.Processing
	runCtx, cancel := context.WithCancel(ctx)

	tuner := aec.NewTuner(e.log,
		proc.EnableAEC && proc.AECAutoDelayTuning,
		proc.AECStreamDelayMs, proc.AECMaxDelayMs)

	history := procRate * (proc.AECMaxDelayMs + int(farEndSlack.Milliseconds())) / 1000
	r := &run{
		log:       e.log,
		cfg:       e.cfg,
		ctx:       runCtx,
		cancel:    cancel,
		collector: collector,
		metrics:   e.metrics,
		tuner:     tuner,
		aligner:   dsp.NewAligner(),
		farBuf:    aec.NewFarEndBuffer(procRate, history),
		sources:   make(map[audio.Source]capture.Source),
		stopCh:    make(chan struct{}),
		unitsDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.dispatcher = NewDispatcher(e.log, e.host, cb, collector, e.metrics, e.buffer)

	var wanted []audio.Source
	if e.cfg.Capture.Mic {
		wanted = append(wanted, audio.SourceMic)
	}
	if e.cfg.Capture.System {
		wanted = append(wanted, audio.SourceSystem)
	}

	var openErrs []error
	for _, src := range wanted {
		capSrc, err := e.opener.Open(runCtx, r.request(src))
		if err != nil {
			openErrs = append(openErrs, err)
			e.log.Warn("capture source failed to open", "source", src, "error", err)
			continue
		}
		r.sources[src] = capSrc
	}
	if len(r.sources) == 0 {
		cancel()
		return nil, fmt.Errorf("no capture source available: %w", errors.Join(openErrs...))
	}

	go r.dispatcher.Run()

	r.g = new(errgroup.Group)
	for src, capSrc := range r.sources {
		reconn := capture.NewReconnector(e.log, capture.ReconnectorConfig{
			Opener:     e.opener,
			MaxRetries: e.reconn.MaxRetries,
			Backoff:    e.reconn.Backoff,
			MaxBackoff: e.reconn.MaxBackoff,
			OnReconnect: func() {
				collector.IncrCaptureReconnect()
				e.metrics.CaptureReconnects.Add(runCtx, 1)
			},
			OnAttemptFailure: func() {
				collector.IncrCaptureRetryFailure()
				e.metrics.PipelineErrors.Add(runCtx, 1,
					metric.WithAttributes(attribute.String("kind", "capture")))
			},
		})
		r.g.Go(func() error {
			return r.runSource(src, capSrc, reconn)
		})
	}

	go func() {
		_ = r.g.Wait()
		r.dispatcher.Close()
		close(r.unitsDone)
		<-r.dispatcher.Done()
		r.cancel()
		close(r.done)
	}()
	return r, nil
}

func (r *run) request(src audio.Source) capture.Request {
	system := src == audio.SourceSystem
	req := capture.Request{
		Source:     src,
		SampleRate: procRate,
		OnDrop: func() {
			r.collector.IncrCaptureDrop(system)
			r.metrics.CaptureDrops.Add(r.ctx, 1,
				metric.WithAttributes(attribute.String("source", src.String())))
		},
	}
	if system {
		req.Target = capture.Target{
			DisplayID: r.cfg.Capture.DisplayID,
			PID:       r.cfg.Capture.PID,
		}
	}
	return req
}

// stop closes the sources; the execution units observe end of stream, flush
// their chains, and the background waiter drains the dispatcher. Closing
// stopCh first releases any unit blocked on a full delivery queue.
func (r *run) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.Lock()
		r.stopping = true
		sources := make([]capture.Source, 0, len(r.sources))
		for _, s := range r.sources {
			sources = append(sources, s)
		}
		r.mu.Unlock()
		for _, s := range sources {
			if err := s.Close(); err != nil {
				r.log.Warn("capture source close failed", "error", err)
			}
		}
	})
}

func (r *run) wait() {
	<-r.done
}

// runSource is one execution unit: it reads a source's raw frames, pushes
// them through the chain, and sends finished chunks to the dispatcher. A
// dropped device is reopened with backoff; an unrecoverable one ends this
// unit while the rest of the run continues.
func (r *run) runSource(src audio.Source, capSrc capture.Source, reconn *capture.Reconnector) error {
	system := src == audio.SourceSystem
	nativeRate, nativeChannels := capSrc.Native()

	chain, quant, err := r.buildChain(src, nativeRate, nativeChannels)
	if err != nil {
		return err
	}

	for {
		frame, err := capSrc.Read(r.ctx)
		if err != nil {
			if errors.Is(err, capture.ErrEndOfStream) || r.ctx.Err() != nil || r.isStopping() {
				r.flush(chain, quant, system)
				return nil
			}
			r.log.Warn("capture read failed", "source", src, "error", err)
			newSrc, rerr := reconn.Reopen(r.ctx, r.request(src))
			if rerr != nil {
				r.log.Error("capture source lost", "source", src, "error", rerr)
				r.flush(chain, quant, system)
				return nil
			}
			r.replaceSource(src, newSrc)
			capSrc = newSrc
			continue
		}

		r.collector.IncrFramesIn(system)
		r.metrics.FramesProcessed.Add(r.ctx, 1, metric.WithAttributes(
			attribute.String("source", src.String()),
			attribute.String("direction", "in"),
		))

		for _, out := range r.process(chain, frame) {
			r.emit(quant, out, system)
		}
		if !system {
			r.publishTunerState()
		}
	}
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *run) replaceSource(src audio.Source, capSrc capture.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		_ = capSrc.Close()
		return
	}
	r.sources[src] = capSrc
}

// buildChain assembles the per-source stage list. Both chains share the
// aligner and, through the cancellation stage and the far-end writer, the
// far-end buffer.
func (r *run) buildChain(src audio.Source, nativeRate, nativeChannels int) ([]dsp.Processor, *dsp.Quantizer, error) {
	proc := r.cfg.Processing

	pre, err := dsp.NewResampler(nativeRate, procRate, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s chain: %w", src, err)
	}
	post, err := dsp.NewResampler(procRate, proc.SampleRate, proc.Channels)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s chain: %w", src, err)
	}
	chunker := dsp.NewChunker(dsp.ProcessingQuantum, procRate, 1)

	var mid dsp.Processor
	if src == audio.SourceMic {
		var gate *aec.NoiseGate
		if proc.EnableNS {
			gate = aec.NewNoiseGate()
		}
		mid = aec.NewStage(r.log, aec.NewNLMS(), r.farBuf, r.tuner, gate, r.collector, proc.EnableAEC)
	} else {
		mid = aec.NewFarEndWriter(r.farBuf)
	}

	chain := []dsp.Processor{r.aligner, pre, chunker, mid, post}
	return chain, dsp.NewQuantizer(proc.SampleFormat), nil
}

// process pushes one frame through the chain. A failing stage passes its
// input through so a single bad block never stalls the stream.
func (r *run) process(chain []dsp.Processor, frame audio.Frame) []audio.Frame {
	frames := []audio.Frame{frame}
	for _, stage := range chain {
		var next []audio.Frame
		for _, f := range frames {
			out, err := r.step(stage, f)
			if err != nil {
				r.stageError(stage, err)
				next = append(next, f)
				continue
			}
			next = append(next, out...)
		}
		frames = next
		if len(frames) == 0 {
			break
		}
	}
	return frames
}

func (r *run) step(stage dsp.Processor, frame audio.Frame) ([]audio.Frame, error) {
	start := time.Now()
	out, err := stage.Process(frame)
	d := time.Since(start)
	r.collector.ObserveStage(stage.Name(), d)
	r.metrics.StageDuration.Record(r.ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage.Name())))
	return out, err
}

// flush drains every stage in order, feeding each stage's tail through the
// remainder of the chain, then emits the resulting chunks.
func (r *run) flush(chain []dsp.Processor, quant *dsp.Quantizer, system bool) {
	for i, stage := range chain {
		tail, err := stage.Flush()
		if err != nil {
			r.stageError(stage, err)
			continue
		}
		for _, f := range tail {
			frames := []audio.Frame{f}
			for _, rest := range chain[i+1:] {
				var next []audio.Frame
				for _, ff := range frames {
					out, err := r.step(rest, ff)
					if err != nil {
						r.stageError(rest, err)
						next = append(next, ff)
						continue
					}
					next = append(next, out...)
				}
				frames = next
			}
			for _, out := range frames {
				r.emit(quant, out, system)
			}
		}
	}
}

func (r *run) stageError(stage dsp.Processor, err error) {
	r.collector.IncrProcessorError()
	r.metrics.PipelineErrors.Add(r.ctx, 1,
		metric.WithAttributes(attribute.String("kind", "processor")))
	r.log.Warn("stage failed, passing block through", "stage", stage.Name(), "error", err)
}

func (r *run) emit(quant *dsp.Quantizer, frame audio.Frame, system bool) {
	if !r.dispatcher.Send(r.stopCh, quant.Quantize(frame)) {
		r.collector.IncrDispatchFailure()
		r.metrics.PipelineErrors.Add(r.ctx, 1,
			metric.WithAttributes(attribute.String("kind", "dispatch")))
		return
	}
	r.collector.IncrFramesOut(system)
	r.metrics.FramesProcessed.Add(r.ctx, 1, metric.WithAttributes(
		attribute.String("source", frame.Source.String()),
		attribute.String("direction", "out"),
	))
}

func (r *run) publishTunerState() {
	state := r.tuner.State()
	r.collector.SetDelayState(state)
	r.metrics.TunerDelay.Record(r.ctx, int64(state.AppliedMs))
	r.metrics.TunerERLE.Record(r.ctx, state.EmaERLE)

	r.mu.Lock()
	delta := state.RollbackEvents - r.rollbacks
	r.rollbacks = state.RollbackEvents
	r.mu.Unlock()
	if delta > 0 {
		r.metrics.TunerRollbacks.Add(r.ctx, int64(delta))
	}
}
