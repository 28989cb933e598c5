package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/session-recorder/internal/session"
	"github.com/lexiqai/session-recorder/internal/stt"
)

const databaseInitTimeout = 15 * time.Second

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS recording_sessions (
		id UUID PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL,
		segment_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_chunks (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES recording_sessions(id) ON DELETE CASCADE,
		segment_id TEXT NOT NULL,
		segment_index INTEGER NOT NULL,
		spoken_at TIMESTAMPTZ NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_chunks_session ON transcript_chunks (session_id, spoken_at, segment_index)`,
	`CREATE TABLE IF NOT EXISTS transcript_gaps (
		session_id UUID NOT NULL REFERENCES recording_sessions(id) ON DELETE CASCADE,
		segment_id TEXT NOT NULL,
		segment_index INTEGER NOT NULL,
		spoken_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, segment_id)
	)`,
}

// RunMigration applies the schema; every statement is idempotent
func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PostgresRepository stores sessions in PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, databaseInitTimeout)
	defer cancel()

	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return NewPostgresRepository(p), nil
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) SaveSession(ctx context.Context, s *session.RecordingSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var endedAt *time.Time
	if !s.EndTime.IsZero() {
		endedAt = &s.EndTime
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO recording_sessions (id, correlation_id, title, summary, status, started_at, ended_at, duration_ms, segment_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			segment_count = EXCLUDED.segment_count`,
		s.ID, s.CorrelationID, s.Title, s.Summary, string(s.State), s.StartTime, endedAt,
		s.Duration.Milliseconds(), s.SegmentCount)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_chunks WHERE session_id = $1`, s.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transcript_gaps WHERE session_id = $1`, s.ID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, c := range s.Chunks {
		batch.Queue(
			`INSERT INTO transcript_chunks (id, session_id, segment_id, segment_index, spoken_at, content, source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, s.ID, c.SegmentID, c.Index, c.Timestamp, c.Text, string(c.Source))
	}
	for _, g := range s.Gaps {
		batch.Queue(
			`INSERT INTO transcript_gaps (session_id, segment_id, segment_index, spoken_at, reason, error)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, g.SegmentID, g.Index, g.Timestamp, string(g.Reason), g.Error)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transcript rows: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*session.RecordingSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, correlation_id, title, summary, status, started_at, ended_at, duration_ms, segment_count
		 FROM recording_sessions WHERE id = $1`,
		id)
	s, err := scanPostgresSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, segment_id, segment_index, spoken_at, content, source
		 FROM transcript_chunks WHERE session_id = $1 ORDER BY spoken_at ASC, segment_index ASC`,
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c session.TranscriptChunk
		var source string
		if err := rows.Scan(&c.ID, &c.SegmentID, &c.Index, &c.Timestamp, &c.Text, &source); err != nil {
			return nil, err
		}
		c.Source = stt.Source(source)
		s.Chunks = append(s.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := r.pool.Query(ctx,
		`SELECT segment_id, segment_index, spoken_at, reason, error
		 FROM transcript_gaps WHERE session_id = $1 ORDER BY spoken_at ASC, segment_index ASC`,
		id)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()
	for gapRows.Next() {
		var g session.Gap
		var reason string
		if err := gapRows.Scan(&g.SegmentID, &g.Index, &g.Timestamp, &reason, &g.Error); err != nil {
			return nil, err
		}
		g.Reason = session.GapReason(reason)
		s.Gaps = append(s.Gaps, g)
	}
	return s, gapRows.Err()
}

func (r *PostgresRepository) ListSessions(ctx context.Context, limit int) ([]*session.RecordingSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, correlation_id, title, summary, status, started_at, ended_at, duration_ms, segment_count
		 FROM recording_sessions ORDER BY started_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*session.RecordingSession
	for rows.Next() {
		s, err := scanPostgresSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanPostgresSession(row pgx.Row) (*session.RecordingSession, error) {
	var s session.RecordingSession
	var status string
	var endedAt *time.Time
	var durationMs int64
	err := row.Scan(&s.ID, &s.CorrelationID, &s.Title, &s.Summary, &status,
		&s.StartTime, &endedAt, &durationMs, &s.SegmentCount)
	if err != nil {
		return nil, err
	}
	s.State = session.State(status)
	if endedAt != nil {
		s.EndTime = *endedAt
	}
	s.Duration = time.Duration(durationMs) * time.Millisecond
	return &s, nil
}
