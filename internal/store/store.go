// Package store defines the event-store contract and a SQLite-backed
// implementation of it.
//
// The event store is an external collaborator — only its contract is
// load-bearing for the core pipeline. This package still ships a concrete
// SQLite adapter because the daemon needs something to run against; any
// store satisfying EventStore can be substituted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/applog"
	_ "modernc.org/sqlite"
)

// EventRecord mirrors the `events` row, progressively filled in as
// the pipeline completes each step.
type EventRecord struct {
	ID              int64
	Timestamp       time.Time
	MotionScore     int
	ImageAPath      string
	ImageBPath      string
	ThumbnailPath   string
	VideoPath       string
	DurationSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventStore is everything the pipeline needs from the durable store.
// A store failure is never fatal: callers log and fall back to a sentinel
// zero value instead.
type EventStore interface {
	AddEvent(ctx context.Context, ts time.Time, motionScore int, imageAPath string) (int64, error)
	SavePictureB(ctx context.Context, id int64, path string) error
	SaveThumbnail(ctx context.Context, id int64, path string) error
	SaveVideo(ctx context.Context, id int64, path string, durationSeconds int) error
	GetEvent(ctx context.Context, id int64) (*EventRecord, error)

	GetStreamingFlag(ctx context.Context) (bool, error)
	SetStreamingFlag(ctx context.Context, on bool) error

	applog.Sink

	Close() error
}

// SQLite is the default EventStore. All calls share one pooled *sql.DB
// (at most 8 open connections) against a WAL-mode database, so log writers
// never block the event reader; connections are reused across calls, not
// opened per call.
type SQLite struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path, initializing its
// schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			motion_score INTEGER NOT NULL,
			image_a_path TEXT NOT NULL DEFAULT '',
			image_b_path TEXT NOT NULL DEFAULT '',
			thumbnail_path TEXT NOT NULL DEFAULT '',
			video_path TEXT NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 30,
			ai_label TEXT NOT NULL DEFAULT '',
			ai_confidence REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_control (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			streaming INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`INSERT OR IGNORE INTO system_control (id, streaming, updated_at) VALUES (1, 0, CURRENT_TIMESTAMP)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// AddEvent inserts the initial event row the motion detector writes at
// detection time.
func (s *SQLite) AddEvent(ctx context.Context, ts time.Time, motionScore int, imageAPath string) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, motion_score, image_a_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ts, motionScore, imageAPath, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("store: add event: %w", err)
	}
	return res.LastInsertId()
}

// SavePictureB fills image_b_path, stamping updated_at.
func (s *SQLite) SavePictureB(ctx context.Context, id int64, path string) error {
	return s.touch(ctx, id, "image_b_path", path)
}

// SaveThumbnail fills thumbnail_path, stamping updated_at.
func (s *SQLite) SaveThumbnail(ctx context.Context, id int64, path string) error {
	return s.touch(ctx, id, "thumbnail_path", path)
}

func (s *SQLite) touch(ctx context.Context, id int64, column, value string) error {
	q := fmt.Sprintf(`UPDATE events SET %s = ?, updated_at = ? WHERE id = ?`, column)
	_, err := s.db.ExecContext(ctx, q, value, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: update %s for event %d: %w", column, id, err)
	}
	return nil
}

// SaveVideo fills video_path and the estimated duration_seconds.
func (s *SQLite) SaveVideo(ctx context.Context, id int64, path string, durationSeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET video_path = ?, duration_seconds = ?, updated_at = ? WHERE id = ?`,
		path, durationSeconds, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("store: save video for event %d: %w", id, err)
	}
	return nil
}

// GetEvent reads back a single event row.
func (s *SQLite) GetEvent(ctx context.Context, id int64) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, motion_score, image_a_path, image_b_path, thumbnail_path,
		        video_path, duration_seconds, created_at, updated_at
		 FROM events WHERE id = ?`, id,
	)
	var e EventRecord
	if err := row.Scan(&e.ID, &e.Timestamp, &e.MotionScore, &e.ImageAPath, &e.ImageBPath,
		&e.ThumbnailPath, &e.VideoPath, &e.DurationSeconds, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: get event %d: %w", id, err)
	}
	return &e, nil
}

// GetStreamingFlag reads the singleton streaming bit the MJPEG server polls
// every second.
func (s *SQLite) GetStreamingFlag(ctx context.Context) (bool, error) {
	var on int
	err := s.db.QueryRowContext(ctx, `SELECT streaming FROM system_control WHERE id = 1`).Scan(&on)
	if err != nil {
		return false, fmt.Errorf("store: get streaming flag: %w", err)
	}
	return on != 0, nil
}

// SetStreamingFlag writes the streaming bit.
func (s *SQLite) SetStreamingFlag(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_control SET streaming = ?, updated_at = ? WHERE id = 1`, v, time.Now())
	if err != nil {
		return fmt.Errorf("store: set streaming flag: %w", err)
	}
	return nil
}

// AddLogBatch implements applog.Sink, writing a batch of queued log lines
// in a single transaction.
func (s *SQLite) AddLogBatch(ctx context.Context, entries []applog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: add log batch: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: add log batch: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp, e.Level, e.Message); err != nil {
			return fmt.Errorf("store: add log batch: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }
