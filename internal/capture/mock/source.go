// Package mock provides scripted capture sources for pipeline tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/looptap/internal/capture"
	"github.com/MrWong99/looptap/pkg/audio"
)

// Source replays a scripted frame sequence, then reports FinalErr.
type Source struct {
	// Frames are returned from Read in order.
	Frames []audio.Frame

	// FinalErr is returned once the frames are exhausted. Defaults to
	// [capture.ErrEndOfStream].
	FinalErr error

	// Block makes Read wait after the frames are exhausted instead of
	// ending the stream, until Close or context cancellation.
	Block bool

	// Rate and Channels are reported from Native. Zero values default to
	// 48000 Hz stereo.
	Rate     int
	Channels int

	mu     sync.Mutex
	next   int
	closed bool
	stop   chan struct{}
}

func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	if !s.closed && s.next < len(s.Frames) {
		frame := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return frame, nil
	}
	if s.Block && !s.closed {
		if s.stop == nil {
			s.stop = make(chan struct{})
		}
		stop := s.stop
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-stop:
			return audio.Frame{}, capture.ErrEndOfStream
		}
	}
	defer s.mu.Unlock()
	if s.FinalErr != nil {
		return audio.Frame{}, s.FinalErr
	}
	return audio.Frame{}, capture.ErrEndOfStream
}

func (s *Source) Native() (int, int) {
	rate, channels := s.Rate, s.Channels
	if rate == 0 {
		rate = 48000
	}
	if channels == 0 {
		channels = 2
	}
	return rate, channels
}

func (s *Source) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.stop != nil {
			close(s.stop)
		}
	}
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Opener hands out scripted sources per audio source, or fails with Err.
type Opener struct {
	Mic    *Source
	System *Source

	// Err fails every Open call when set.
	Err error

	// FailFirst makes the first Open call per source fail with Err once,
	// then succeed. Used to exercise recovery.
	FailFirst bool

	mu     sync.Mutex
	failed map[audio.Source]bool
	Opens  int
}

func (o *Opener) Open(_ context.Context, req capture.Request) (capture.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Opens++
	if o.Err != nil {
		if !o.FailFirst {
			return nil, o.Err
		}
		if o.failed == nil {
			o.failed = make(map[audio.Source]bool)
		}
		if !o.failed[req.Source] {
			o.failed[req.Source] = true
			return nil, o.Err
		}
	}
	switch req.Source {
	case audio.SourceSystem:
		if o.System == nil {
			return nil, capture.ErrUnavailable
		}
		return o.System, nil
	default:
		if o.Mic == nil {
			return nil, capture.ErrUnavailable
		}
		return o.Mic, nil
	}
}
