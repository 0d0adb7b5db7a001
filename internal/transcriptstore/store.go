// Package transcriptstore persists finished transcripts to SQLite for later
// review. Retention is bounded by age and row count; ephemeral mode keeps
// nothing and turns every operation into a no-op.
package transcriptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/protocol"
)

// Record is one stored transcript row.
type Record struct {
	ID           int64
	JobID        string
	Channel      string
	Frequency    string
	Text         string
	Segments     []protocol.TranscriptSegment
	Confidence   float64
	WorkerID     int
	ProcessingMS int64
	CreatedAt    time.Time
}

// Store wraps a SQLite-backed transcript archive.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    frequency TEXT,
    text TEXT NOT NULL,
    segments BLOB,
    confidence REAL,
    worker_id INTEGER,
    processing_ms INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_channel_created ON transcripts(channel, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes a transcript into the store.
func (s *Store) Append(ctx context.Context, tr protocol.Transcript) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	created := tr.Timestamp
	if created.IsZero() {
		created = s.clock().UTC()
	}
	var segments []byte
	if len(tr.Segments) > 0 {
		var err error
		segments, err = json.Marshal(tr.Segments)
		if err != nil {
			return fmt.Errorf("encode segments: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(job_id, channel, frequency, text, segments, confidence, worker_id, processing_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.JobID, tr.Channel, tr.Frequency, tr.Text, segments, tr.Confidence, tr.WorkerID, tr.ProcessingMS, created.UTC())
	return err
}

// ListChannel retrieves up to limit transcripts for a channel, newest first.
func (s *Store) ListChannel(ctx context.Context, channel string, limit int) ([]Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, channel, frequency, text, segments, confidence, worker_id, processing_ms, created_at
		 FROM transcripts WHERE channel = ? ORDER BY created_at DESC LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var segments []byte
		var created string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Channel, &r.Frequency, &r.Text, &segments, &r.Confidence, &r.WorkerID, &r.ProcessingMS, &created); err != nil {
			return nil, err
		}
		if len(segments) > 0 {
			if err := json.Unmarshal(segments, &r.Segments); err != nil {
				s.log.Warn("corrupt segment payload", slog.Int64("id", r.ID), slog.String("error", err.Error()))
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention, by age then by total row count.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxTranscripts > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE id IN (
			SELECT id FROM transcripts ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTranscripts)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
