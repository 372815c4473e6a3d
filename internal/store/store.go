// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/codetutor/internal/domain"
)

// Repository persists anonymous users and the registry of live tutoring
// sessions. Transcripts and credentials are never stored.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSession retrieves a session record. Returns nil if absent.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionRecord, error)

	// UpsertSession creates a session record or updates its settings.
	UpsertSession(ctx context.Context, rec *domain.SessionRecord) error

	// TouchSession updates the last_seen_at timestamp for a session.
	TouchSession(ctx context.Context, userID, sessionID string, lastSeen time.Time) error

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// GetExpiredSessions retrieves sessions idle for longer than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionRecord, error)

	// ResetSessions removes every session record. Used at startup, since
	// session state lives in process memory and did not survive the restart.
	ResetSessions(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
