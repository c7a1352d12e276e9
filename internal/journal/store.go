// Package journal keeps a SQLite record of every synthesis job that
// reached a terminal state.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alongcar/tts-service/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one terminal job record.
type Entry struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	Voice       string    `json:"voice"`
	TextChars   int       `json:"text_chars"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	AudioBytes  int       `json:"audio_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store wraps the SQLite-backed job journal. In ephemeral mode every
// operation is a no-op and no database is opened.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
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
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    voice TEXT,
    text_chars INTEGER NOT NULL,
    status TEXT NOT NULL,
    error_code TEXT,
    audio_bytes INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record writes one terminal job entry.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s.db == nil {
		return nil
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, voice, text_chars, status, error_code, audio_bytes, duration_ms, submitted_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Voice, entry.TextChars, entry.Status, entry.ErrorCode,
		entry.AudioBytes, entry.DurationMS, entry.SubmittedAt.UTC(), entry.FinishedAt)
	return err
}

// ListRecent retrieves up to limit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, voice, text_chars, status, error_code, audio_bytes, duration_ms, submitted_at, finished_at
		 FROM jobs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var submitted, finished string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Voice, &e.TextChars, &e.Status, &e.ErrorCode,
			&e.AudioBytes, &e.DurationMS, &submitted, &finished); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, submitted); err == nil {
			e.SubmittedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			e.FinishedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the configured retention (run on startup, schedulable).
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY finished_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
