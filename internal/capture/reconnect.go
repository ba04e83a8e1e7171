package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default recovery parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 200 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// Reconnector reopens a dropped capture source with exponential backoff.
// Recovery is bounded: after MaxRetries failed attempts the source is
// declared unavailable and the execution unit gives up on it.
type Reconnector struct {
	open             Opener
	maxRetries       int
	backoff          time.Duration
	maxBackoff       time.Duration
	onReconnect      func()
	onAttemptFailure func()
	log              *slog.Logger
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Opener establishes the capture stream.
	Opener Opener

	// MaxRetries is the maximum number of reopen attempts before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 200ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 5s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after each successful recovery. May be nil.
	OnReconnect func()

	// OnAttemptFailure is called once per failed reopen attempt. May be nil.
	OnAttemptFailure func()
}

// NewReconnector creates a [Reconnector] with the given configuration.
func NewReconnector(log *slog.Logger, cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		open:             cfg.Opener,
		maxRetries:       maxRetries,
		backoff:          backoff,
		maxBackoff:       maxBackoff,
		onReconnect:      cfg.OnReconnect,
		onAttemptFailure: cfg.OnAttemptFailure,
		log:              log,
	}
}

// Open performs the initial open without retrying; a source that cannot be
// opened at start is a configuration problem, not a transient drop.
func (r *Reconnector) Open(ctx context.Context, req Request) (Source, error) {
	src, err := r.open.Open(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", req.Source, err)
	}
	return src, nil
}

// Reopen attempts to recover a dropped source with exponential backoff.
// Returns a [ErrUnavailable]-wrapped error once the attempts are exhausted.
func (r *Reconnector) Reopen(ctx context.Context, req Request) (Source, error) {
	backoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		r.log.Info("attempting capture recovery",
			"source", req.Source,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", backoff,
		)

		src, err := r.open.Open(ctx, req)
		if err == nil {
			r.log.Info("capture recovery successful", "source", req.Source, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return src, nil
		}
		lastErr = err
		if r.onAttemptFailure != nil {
			r.onAttemptFailure()
		}

		r.log.Warn("capture recovery attempt failed",
			"source", req.Source,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %s recovery failed after %d attempts: %v", ErrUnavailable, req.Source, r.maxRetries, lastErr)
}
