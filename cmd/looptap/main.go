// Command looptap captures system and microphone audio into one processed
// stream: both taps are resampled to a common clock, the mic is cleaned of
// system-audio echo, and finished chunks are handed to the configured sink.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/looptap/internal/capture"
	"github.com/MrWong99/looptap/internal/config"
	"github.com/MrWong99/looptap/internal/health"
	"github.com/MrWong99/looptap/internal/observe"
	"github.com/MrWong99/looptap/internal/pipeline"
	"github.com/MrWong99/looptap/pkg/audio"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listSources := flag.Bool("list-sources", false, "list capture devices and exit")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	outPath := flag.String("out", "", "write processed mic audio to this raw PCM file")
	flag.Parse()

	// ── Device listing (no config needed) ─────────────────────────────────────
	if *listSources {
		return listDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "looptap: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "looptap: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("looptap starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"mic", cfg.Capture.Mic,
		"system", cfg.Capture.System,
		"aec", cfg.Processing.EnableAEC,
		"auto_delay_tuning", cfg.Processing.AECAutoDelayTuning,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "looptap",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Chunk sink ────────────────────────────────────────────────────────────
	sink, closeSink, err := newSink(*outPath)
	if err != nil {
		slog.Error("failed to open output file", "path", *outPath, "err", err)
		return 1
	}
	defer closeSink()

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, err := pipeline.New(*cfg, pipeline.Options{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 1
	}

	// ── Metrics / health endpoint ─────────────────────────────────────────────
	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, metrics, eng)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	if err := eng.Start(ctx, sink); err != nil {
		slog.Error("failed to start capture", "err", err)
		return 1
	}
	slog.Info("capture running — press Ctrl+C to stop")

	var timeout <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		timeout = timer.C
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping…")
			break loop
		case <-timeout:
			slog.Info("configured duration elapsed, stopping…")
			break loop
		case <-eng.Done():
			slog.Warn("capture ended on its own, stopping…")
			break loop
		case <-ticker.C:
			logProgress(eng)
		}
	}

	done := eng.Done()
	if err := eng.Stop(); err != nil {
		slog.Error("stop error", "err", err)
		return 1
	}
	<-done // buffered chunks finish delivering after Stop returns
	printSummary(eng)
	slog.Info("goodbye")
	return 0
}

// ── Device listing ────────────────────────────────────────────────────────────

func listDevices() int {
	backend := capture.NewBackend(slog.Default())
	devices, err := backend.ListTargets()
	if err != nil {
		fmt.Fprintf(os.Stderr, "looptap: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	fmt.Printf("%-5s %-40s %-8s %-10s %s\n", "IDX", "NAME", "CH", "RATE", "KIND")
	for _, d := range devices {
		kind := "input"
		if d.Loopback {
			kind = "loopback"
		}
		fmt.Printf("%-5d %-40s %-8d %-10d %s\n", d.Index, d.Name, d.Channels, d.SampleRate, kind)
	}
	return 0
}

// ── Chunk sink ────────────────────────────────────────────────────────────────

// newSink builds the chunk callback. With no output path chunks are only
// counted (the pipeline tracks its own statistics); with one, processed mic
// chunks are appended to a raw little-endian PCM file.
func newSink(path string) (pipeline.Callback, func(), error) {
	if path == "" {
		return func(audio.Chunk) {}, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriter(f)
	var mu sync.Mutex

	cb := func(c audio.Chunk) {
		if c.Source != audio.SourceMic {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch c.Format {
		case audio.FormatI16:
			_ = binary.Write(w, binary.LittleEndian, c.I16)
		default:
			_ = binary.Write(w, binary.LittleEndian, c.F32)
		}
	}
	cleanup := func() {
		mu.Lock()
		defer mu.Unlock()
		if err := w.Flush(); err != nil {
			slog.Warn("output flush error", "err", err)
		}
		if err := f.Close(); err != nil {
			slog.Warn("output close error", "err", err)
		}
	}
	return cb, cleanup, nil
}

// ── Metrics / health endpoint ─────────────────────────────────────────────────

func newMetricsServer(addr string, metrics *observe.Metrics, eng *pipeline.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(eng.Stats, health.Checker{
		Name: "capture",
		Check: func(context.Context) error {
			select {
			case <-eng.Done():
				return errors.New("no active capture run")
			default:
				return nil
			}
		},
	})
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Reporting ─────────────────────────────────────────────────────────────────

func logProgress(eng *pipeline.Engine) {
	snap := eng.Stats()
	slog.Info("capture progress",
		"mic_in", snap.FramesInMic,
		"system_in", snap.FramesInSystem,
		"mic_out", snap.FramesOutMic,
		"system_out", snap.FramesOutSystem,
		"drops", snap.CaptureDropsMic+snap.CaptureDropsSystem,
		"delay_ms", snap.Delay.AppliedMs,
		"erle", fmt.Sprintf("%.2f", snap.Delay.EmaERLE),
		"phase", snap.Delay.Phase.String(),
	)
}

func printSummary(eng *pipeline.Engine) {
	snap := eng.Stats()
	slog.Info("capture finished",
		"mic_frames", snap.FramesOutMic,
		"system_frames", snap.FramesOutSystem,
		"capture_drops", snap.CaptureDropsMic+snap.CaptureDropsSystem,
		"reconnects", snap.CaptureReconnects,
		"processor_errors", snap.ProcessorErrors,
		"callback_errors", snap.CallbackErrors,
		"dispatch_failures", snap.DispatchFailures,
		"delay_ms", snap.Delay.AppliedMs,
		"best_delay_ms", snap.Delay.BestMs,
		"erle", fmt.Sprintf("%.2f", snap.Delay.EmaERLE),
		"tuner_windows", snap.Delay.Windows,
		"rollbacks", snap.Delay.RollbackEvents,
	)
	for name, st := range snap.Stages {
		slog.Debug("stage timing",
			"stage", name,
			"samples", st.Samples,
			"avg_ms", fmt.Sprintf("%.3f", st.AvgMs),
			"max_ms", fmt.Sprintf("%.3f", st.MaxMs),
		)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
