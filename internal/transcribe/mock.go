package transcribe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockLoader fabricates deterministic transcripts without touching a model.
// It backs the default runtime mode and the pool tests; the function fields
// allow per-test failure injection and stay nil in production use.
type MockLoader struct {
	// LoadErr, when set, is consulted per worker; a non-nil return marks
	// that worker Failed at startup.
	LoadErr func(workerID int) error
	// TranscribeFunc overrides the canned response when set.
	TranscribeFunc func(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
	// Latency is applied per call, honoring context cancellation.
	Latency time.Duration

	closed atomic.Int64
}

type mockHandle struct {
	loader   *MockLoader
	workerID int
}

func (l *MockLoader) Load(_ context.Context, workerID int) (Handle, error) {
	if l.LoadErr != nil {
		if err := l.LoadErr(workerID); err != nil {
			return nil, err
		}
	}
	return &mockHandle{loader: l, workerID: workerID}, nil
}

// Closed reports how many handles have been released, for shutdown tests.
func (l *MockLoader) Closed() int64 { return l.closed.Load() }

func (h *mockHandle) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return Result{}, NewError(KindInvalidInput, fmt.Errorf("invalid pcm payload of %d bytes", len(pcm)))
	}
	if h.loader.Latency > 0 {
		select {
		case <-time.After(h.loader.Latency):
		case <-ctx.Done():
			return Result{}, NewError(KindInferenceFailure, ctx.Err())
		}
	}
	if h.loader.TranscribeFunc != nil {
		return h.loader.TranscribeFunc(ctx, pcm, sampleRate, channels)
	}
	seconds := float64(len(pcm)/2) / float64(sampleRate*channels)
	text := fmt.Sprintf("mock transcript of %.1fs segment", seconds)
	return Result{
		Text:       text,
		Segments:   []Segment{{Start: 0, End: seconds, Text: text}},
		Confidence: 0.9,
	}, nil
}

func (h *mockHandle) Close() error {
	h.loader.closed.Add(1)
	return nil
}
