package status

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/pool"
	"github.com/airbandlabs/airband-core/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSnapshotReflectsPoolState(t *testing.T) {
	p, err := pool.New(pool.Options{
		Workers:       2,
		QueueCapacity: 8,
		Loader:        &transcribe.MockLoader{},
		Logger:        newLogger(),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { _, _ = p.Shutdown(context.Background()) })

	r := &Reporter{
		cfg:   config.StatusConfig{PublishIntervalMS: 1000},
		log:   newLogger(),
		pool:  p,
		clock: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}

	snap := r.Snapshot()
	if len(snap.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(snap.Workers))
	}
	if snap.QueueCapacity != 8 || snap.QueueDepth != 0 {
		t.Fatalf("unexpected queue figures: %+v", snap)
	}
	for i, w := range snap.Workers {
		if w.ID != i || w.State != string(pool.StateIdle) {
			t.Fatalf("unexpected worker status: %+v", w)
		}
	}
	if snap.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}
