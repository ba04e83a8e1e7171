package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/looptap/pkg/audio"
)

const (
	// deviceFramesPerBuffer is the device callback block size.
	deviceFramesPerBuffer = 512

	// queueCapacity bounds frames buffered between the device callback and
	// the execution unit before drop-oldest kicks in.
	queueCapacity = 64
)

// Backend opens capture sources through PortAudio. The mic stream uses the
// default input device; the system stream uses a loopback/monitor device
// carrying the system playback mix. PortAudio exposes no per-display or
// per-process routing, so a [Target] narrows device selection only and the
// loopback device's full mix is captured.
type Backend struct {
	log *slog.Logger

	mu    sync.Mutex
	inits int
}

func NewBackend(log *slog.Logger) *Backend {
	return &Backend{log: log}
}

// ListTargets enumerates capture-capable devices, marking loopback devices
// usable for the system stream.
func (b *Backend) ListTargets() ([]Device, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	var out []Device
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Device{
			Index:      i,
			Name:       dev.Name,
			Channels:   dev.MaxInputChannels,
			SampleRate: int(dev.DefaultSampleRate),
			Loopback:   isLoopbackName(dev.Name),
			LatencyMs:  float64(dev.DefaultLowInputLatency.Microseconds()) / 1000,
		})
	}
	return out, nil
}

// Open opens one capture stream. The context bounds device setup only; the
// returned source lives until Close.
func (b *Backend) Open(ctx context.Context, req Request) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.acquire(); err != nil {
		return nil, err
	}

	dev, err := b.pickDevice(req)
	if err != nil {
		b.release()
		return nil, err
	}

	rate := req.SampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}
	channels := req.Channels
	if channels <= 0 || channels > dev.MaxInputChannels {
		channels = min(2, dev.MaxInputChannels)
	}

	src := &deviceSource{
		backend:  b,
		source:   req.Source,
		rate:     rate,
		channels: channels,
	}
	src.queue = NewQueue(queueCapacity, req.OnDrop)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: deviceFramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, src.onBlock)
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: open %s stream on %q: %v", ErrUnavailable, req.Source, dev.Name, err)
	}
	src.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		b.release()
		return nil, fmt.Errorf("%w: start %s stream on %q: %v", ErrUnavailable, req.Source, dev.Name, err)
	}
	src.start = time.Now()

	b.log.Info("capture stream opened",
		"source", req.Source,
		"device", dev.Name,
		"sample_rate", rate,
		"channels", channels,
	)
	return src, nil
}

// pickDevice resolves the device for a request. The mic uses the default
// input; the system stream uses the target device index when given, else the
// first loopback device found.
func (b *Backend) pickDevice(req Request) (*portaudio.DeviceInfo, error) {
	if req.Source == audio.SourceMic {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrUnavailable, err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	if idx := req.Target.DisplayID; idx != nil {
		if *idx < 0 || *idx >= len(devices) || devices[*idx].MaxInputChannels <= 0 {
			return nil, fmt.Errorf("%w: no capture device at index %d", ErrUnavailable, *idx)
		}
		return devices[*idx], nil
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && isLoopbackName(dev.Name) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: no loopback device for system capture", ErrUnavailable)
}

func (b *Backend) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inits == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: initialize audio host: %v", ErrUnavailable, err)
		}
	}
	b.inits++
	return nil
}

func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits--
	if b.inits == 0 {
		if err := portaudio.Terminate(); err != nil {
			b.log.Warn("audio host terminate failed", "error", err)
		}
	}
}

func isLoopbackName(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "monitor") ||
		strings.Contains(n, "loopback") ||
		strings.Contains(n, "stereo mix") ||
		strings.Contains(n, "blackhole") ||
		strings.Contains(n, "soundflower")
}

// deviceSource is one open PortAudio stream feeding a drop-oldest queue.
type deviceSource struct {
	backend  *Backend
	source   audio.Source
	stream   *portaudio.Stream
	queue    *Queue
	rate     int
	channels int
	start    time.Time

	closeOnce sync.Once
	closeErr  error
}

// onBlock runs on the device thread. It copies the block and hands it off
// without blocking.
func (s *deviceSource) onBlock(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	s.queue.Push(audio.Frame{
		Source:     s.source,
		Samples:    samples,
		SampleRate: s.rate,
		Channels:   s.channels,
		Timestamp:  time.Since(s.start),
	})
}

func (s *deviceSource) Read(ctx context.Context) (audio.Frame, error) {
	return s.queue.Pop(ctx)
}

func (s *deviceSource) Native() (int, int) {
	return s.rate, s.channels
}

func (s *deviceSource) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("stop capture stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("close capture stream: %w", err)
		}
		s.queue.Close()
		s.backend.release()
	})
	return s.closeErr
}
