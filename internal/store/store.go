// Package store persists finished transcription sessions to a local SQLite
// database.
//
// The database lives in a single file (pure-Go driver, WAL journal) and holds
// two tables: sessions and their transcript segments. Saving is transactional,
// listing returns newest-first, and fetching one session returns its segments
// in commit order. The store is the local record a later sync to the hosted
// console can promote.
//
// All operations are safe for concurrent use; the connection pool is capped
// at one connection so writers never collide.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/talvox/talvox/pkg/types"
)

// Session outcomes recorded in the state column.
const (
	// OutcomeCompleted marks a session that ended through the graceful stop
	// handshake.
	OutcomeCompleted = "completed"

	// OutcomeInterrupted marks a session cut short by a device, network or
	// service failure. The transcript up to the failure is still stored.
	OutcomeInterrupted = "interrupted"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("store: session not found")

// Record is one stored session.
type Record struct {
	// ID is the service-assigned session identifier. Empty on save gets a
	// generated UUID so every record stays addressable.
	ID string

	// PreviousSessionID links a resumed session to its predecessor. Empty
	// for fresh sessions.
	PreviousSessionID string

	// State is the session outcome, [OutcomeCompleted] or
	// [OutcomeInterrupted].
	State string

	// StartedAt is when recording began.
	StartedAt time.Time

	// Duration is the recorded length.
	Duration time.Duration

	// WordCount counts words across all segments plus any trailing partial.
	WordCount int

	// Error is the failure message for interrupted sessions, empty
	// otherwise.
	Error string

	// CreatedAt is when the record was written. Zero on save means now.
	CreatedAt time.Time

	// Segments holds the transcript in commit order. [Store.List] leaves it
	// nil; [Store.Get] populates it.
	Segments []types.Segment
}

// migrations holds the schema, one statement each, applied in order on every
// Open. All statements are idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
	    id                  TEXT    PRIMARY KEY,
	    previous_session_id TEXT    NOT NULL DEFAULT '',
	    state               TEXT    NOT NULL,
	    started_at          TEXT    NOT NULL,
	    duration_seconds    REAL    NOT NULL,
	    word_count          INTEGER NOT NULL,
	    error               TEXT    NOT NULL DEFAULT '',
	    created_at          TEXT    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created_at
	    ON sessions (created_at)`,
	`CREATE TABLE IF NOT EXISTS segments (
	    session_id    TEXT    NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	    seq           INTEGER NOT NULL,
	    start_seconds REAL    NOT NULL,
	    end_seconds   REAL    NOT NULL,
	    text          TEXT    NOT NULL,
	    PRIMARY KEY (session_id, seq)
	)`,
}

// Store is the SQLite-backed session archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. The parent directory is created when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes rec and its segments in one transaction and returns the record
// id (the given one, or a generated UUID when empty).
func (s *Store) Save(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO sessions
		    (id, previous_session_id, state, started_at, duration_seconds, word_count, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		rec.ID,
		rec.PreviousSessionID,
		rec.State,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Seconds(),
		rec.WordCount,
		rec.Error,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return "", fmt.Errorf("store: insert session: %w", err)
	}

	const sq = `
		INSERT INTO segments (session_id, seq, start_seconds, end_seconds, text)
		VALUES (?, ?, ?, ?, ?)`
	for _, seg := range rec.Segments {
		start, end := seg.Range.Seconds()
		if _, err := tx.ExecContext(ctx, sq, rec.ID, seg.ID, start, end, seg.Text); err != nil {
			return "", fmt.Errorf("store: insert segment %d: %w", seg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return rec.ID, nil
}

// List returns stored sessions newest-first, without segments. A limit of
// zero or less returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	const q = `
		SELECT id, previous_session_id, state, started_at, duration_seconds, word_count, error, created_at
		FROM   sessions
		ORDER  BY created_at DESC, id
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return recs, nil
}

// Get returns the session with the given id, segments included in commit
// order. Returns [ErrNotFound] when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	const q = `
		SELECT id, previous_session_id, state, started_at, duration_seconds, word_count, error, created_at
		FROM   sessions
		WHERE  id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %q: %w", id, err)
	}

	const sq = `
		SELECT seq, start_seconds, end_seconds, text
		FROM   segments
		WHERE  session_id = ?
		ORDER  BY seq`
	rows, err := s.db.QueryContext(ctx, sq, id)
	if err != nil {
		return nil, fmt.Errorf("store: get segments: %w", err)
	}
	defer rows.Close()

	rec.Segments = []types.Segment{}
	for rows.Next() {
		var (
			seg        types.Segment
			start, end float64
		)
		if err := rows.Scan(&seg.ID, &start, &end, &seg.Text); err != nil {
			return nil, fmt.Errorf("store: scan segment: %w", err)
		}
		seg.Range = types.TimeRange{
			Start: secondsToDuration(start),
			End:   secondsToDuration(end),
		}
		rec.Segments = append(rec.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get segments: %w", err)
	}
	return &rec, nil
}

// Latest returns the most recently stored session, without segments.
// Returns [ErrNotFound] when the store is empty.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	const q = `
		SELECT id, previous_session_id, state, started_at, duration_seconds, word_count, error, created_at
		FROM   sessions
		ORDER  BY created_at DESC, id
		LIMIT  1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, q))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: latest: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest: %w", err)
	}
	return &rec, nil
}

// rowScanner lets scanRecord serve both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		startedAt, createdAt string
		durSeconds           float64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PreviousSessionID,
		&rec.State,
		&startedAt,
		&durSeconds,
		&rec.WordCount,
		&rec.Error,
		&createdAt,
	); err != nil {
		return Record{}, err
	}

	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Record{}, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	rec.Duration = secondsToDuration(durSeconds)
	return rec, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
