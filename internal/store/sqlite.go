package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexiqai/session-recorder/internal/session"
	"github.com/lexiqai/session-recorder/internal/stt"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		correlationId TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		status TEXT NOT NULL,
		startedAt REAL NOT NULL,
		endedAt REAL,
		durationMs INTEGER NOT NULL,
		segmentCount INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		segmentId TEXT NOT NULL,
		segmentIndex INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		text TEXT NOT NULL,
		source TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks (sessionId, timestamp, segmentIndex);

	CREATE TABLE IF NOT EXISTS gaps (
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		segmentId TEXT NOT NULL,
		segmentIndex INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		reason TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (sessionId, segmentId)
	);
`

// SQLiteRepository stores sessions in a local SQLite file
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and applies the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SaveSession upserts the session and replaces its chunks and gaps
func (r *SQLiteRepository) SaveSession(ctx context.Context, s *session.RecordingSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var endedAt sql.NullFloat64
	if !s.EndTime.IsZero() {
		endedAt = sql.NullFloat64{Float64: unixFromTime(s.EndTime), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, correlationId, title, summary, status, startedAt, endedAt, durationMs, segmentCount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			status = excluded.status,
			endedAt = excluded.endedAt,
			durationMs = excluded.durationMs,
			segmentCount = excluded.segmentCount
	`, s.ID, s.CorrelationID, s.Title, s.Summary, string(s.State), unixFromTime(s.StartTime),
		endedAt, s.Duration.Milliseconds(), s.SegmentCount); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE sessionId = ?`, s.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, c := range s.Chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, sessionId, segmentId, segmentIndex, timestamp, text, source)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.ID, s.ID, c.SegmentID, c.Index, unixFromTime(c.Timestamp), c.Text, string(c.Source)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gaps WHERE sessionId = ?`, s.ID); err != nil {
		return fmt.Errorf("clear gaps: %w", err)
	}
	for _, g := range s.Gaps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gaps (sessionId, segmentId, segmentIndex, timestamp, reason, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.ID, g.SegmentID, g.Index, unixFromTime(g.Timestamp), string(g.Reason), g.Error); err != nil {
			return fmt.Errorf("insert gap: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession loads a session with its chunks in timestamp order.
// Unknown IDs return session.ErrSessionNotFound.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*session.RecordingSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, correlationId, title, summary, status, startedAt, endedAt, durationMs, segmentCount
		FROM sessions
		WHERE id = ?
	`, id)

	s, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}

	if err := r.loadChunks(ctx, s); err != nil {
		return nil, err
	}
	if err := r.loadGaps(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns the most recent sessions without their chunks
func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*session.RecordingSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, correlationId, title, summary, status, startedAt, endedAt, durationMs, segmentCount
		FROM sessions
		ORDER BY startedAt DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.RecordingSession
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row scanner) (*session.RecordingSession, error) {
	var s session.RecordingSession
	var status string
	var startedAt float64
	var endedAt sql.NullFloat64
	var durationMs int64

	if err := row.Scan(&s.ID, &s.CorrelationID, &s.Title, &s.Summary, &status,
		&startedAt, &endedAt, &durationMs, &s.SegmentCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.State = session.State(status)
	s.StartTime = timeFromUnix(startedAt)
	if endedAt.Valid {
		s.EndTime = timeFromUnix(endedAt.Float64)
	}
	s.Duration = time.Duration(durationMs) * time.Millisecond
	return &s, nil
}

func (r *SQLiteRepository) loadChunks(ctx context.Context, s *session.RecordingSession) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, segmentId, segmentIndex, timestamp, text, source
		FROM chunks
		WHERE sessionId = ?
		ORDER BY timestamp ASC, segmentIndex ASC
	`, s.ID)
	if err != nil {
		return fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c session.TranscriptChunk
		var ts float64
		var source string
		if err := rows.Scan(&c.ID, &c.SegmentID, &c.Index, &ts, &c.Text, &source); err != nil {
			return fmt.Errorf("scan chunk: %w", err)
		}
		c.Timestamp = timeFromUnix(ts)
		c.Source = stt.Source(source)
		s.Chunks = append(s.Chunks, c)
	}
	return rows.Err()
}

func (r *SQLiteRepository) loadGaps(ctx context.Context, s *session.RecordingSession) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT segmentId, segmentIndex, timestamp, reason, error
		FROM gaps
		WHERE sessionId = ?
		ORDER BY timestamp ASC, segmentIndex ASC
	`, s.ID)
	if err != nil {
		return fmt.Errorf("query gaps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g session.Gap
		var ts float64
		var reason string
		if err := rows.Scan(&g.SegmentID, &g.Index, &ts, &reason, &g.Error); err != nil {
			return fmt.Errorf("scan gap: %w", err)
		}
		g.Timestamp = timeFromUnix(ts)
		g.Reason = session.GapReason(reason)
		s.Gaps = append(s.Gaps, g)
	}
	return rows.Err()
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// timeFromUnix converts fractional seconds, rounded to microseconds
func timeFromUnix(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6)))
}
