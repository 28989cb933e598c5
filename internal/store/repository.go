// Package store persists finished recording sessions.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexiqai/session-recorder/internal/session"
)

// Repository stores sessions with their chunks and gaps. SaveSession
// replaces any previous copy of the session, so it can be called again
// when late chunks arrive.
type Repository interface {
	SaveSession(ctx context.Context, s *session.RecordingSession) error
	GetSession(ctx context.Context, id string) (*session.RecordingSession, error)
	ListSessions(ctx context.Context, limit int) ([]*session.RecordingSession, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from the database URL: postgres:// URLs use pgx,
// anything else is treated as a SQLite file path.
func Open(ctx context.Context, databaseURL string) (Repository, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		repo, err := OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := OpenSQLite(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
