package transcriptstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.TranscriptStoreConfig{RetentionMode: "ephemeral"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Append(context.Background(), protocol.Transcript{JobID: "j1", Channel: "tower", Text: "cleared"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	records, err := st.ListChannel(context.Background(), "tower", 10)
	if err != nil || records != nil {
		t.Fatalf("ephemeral store should keep nothing, got %v, %v", records, err)
	}
}

func TestAppendAndListChannel(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "persistent"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tr := protocol.Transcript{
		JobID:     "job-1",
		Channel:   "tower",
		Frequency: "118.300",
		Text:      "delta four two one cleared for takeoff runway two seven",
		Segments: []protocol.TranscriptSegment{
			{Start: 0, End: 3.2, Text: "delta four two one cleared for takeoff runway two seven"},
		},
		Confidence: 0.92,
		WorkerID:   1,
	}
	if err := st.Append(context.Background(), tr); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Append(context.Background(), protocol.Transcript{JobID: "job-2", Channel: "ground", Text: "taxi via alpha"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := st.ListChannel(context.Background(), "tower", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 tower transcript, got %d", len(records))
	}
	got := records[0]
	if got.JobID != "job-1" || got.Text != tr.Text || got.Confidence != 0.92 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Segments) != 1 || got.Segments[0].End != 3.2 {
		t.Fatalf("segments did not round-trip: %+v", got.Segments)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{
		Path:           filepath.Join(tmp, "transcripts.db"),
		RetentionMode:  "persistent",
		RetentionDays:  1,
		MaxTranscripts: 2,
	}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := st.Append(context.Background(), protocol.Transcript{JobID: "stale", Channel: "tower", Text: "old", Timestamp: old}); err != nil {
		t.Fatalf("append: %v", err)
	}
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		tr := protocol.Transcript{JobID: id, Channel: "tower", Text: id, Timestamp: now.Add(time.Duration(i) * time.Minute)}
		if err := st.Append(context.Background(), tr); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	st.clock = func() time.Time { return now }
	if err := st.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := st.ListChannel(context.Background(), "tower", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 transcripts after prune, got %d", len(records))
	}
	for _, r := range records {
		if r.JobID == "stale" || r.JobID == "a" {
			t.Fatalf("expected %s to be pruned", r.JobID)
		}
	}
}
