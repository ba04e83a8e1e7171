package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/looptap/internal/capture"
	"github.com/MrWong99/looptap/pkg/audio"
)

func frameWithMark(mark float32) audio.Frame {
	return audio.Frame{Source: audio.SourceMic, Samples: []float32{mark}, SampleRate: 48000, Channels: 1}
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q := capture.NewQueue(4, nil)
	for i := range 3 {
		q.Push(frameWithMark(float32(i)))
	}
	for i := range 3 {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if f.Samples[0] != float32(i) {
			t.Fatalf("pop %d returned mark %v", i, f.Samples[0])
		}
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	drops := 0
	q := capture.NewQueue(2, func() { drops++ })

	q.Push(frameWithMark(0))
	q.Push(frameWithMark(1))
	q.Push(frameWithMark(2))

	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
	f, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Samples[0] != 1 {
		t.Errorf("oldest surviving mark = %v, want 1", f.Samples[0])
	}
}

func TestQueuePopAfterClose(t *testing.T) {
	t.Parallel()
	q := capture.NewQueue(4, nil)
	q.Push(frameWithMark(7))
	q.Close()
	q.Close() // idempotent
	q.Push(frameWithMark(8)) // discarded

	f, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Samples[0] != 7 {
		t.Errorf("buffered frame lost on close: %v", f.Samples[0])
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, capture.ErrEndOfStream) {
		t.Errorf("got %v, want ErrEndOfStream", err)
	}
}

func TestQueuePopHonorsContext(t *testing.T) {
	t.Parallel()
	q := capture.NewQueue(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := capture.NewQueue(4, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(frameWithMark(3))
	}()
	f, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Samples[0] != 3 {
		t.Errorf("mark = %v, want 3", f.Samples[0])
	}
}
