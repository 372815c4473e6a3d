package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/shared"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

type userRow struct {
	UserID     string `db:"user_id"`
	Username   string `db:"username"`
	LastSeenAt int64  `db:"last_seen_at"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r userRow) toDomain() *domain.User {
	return &domain.User{
		UserID:     r.UserID,
		Username:   r.Username,
		LastSeenAt: time.Unix(r.LastSeenAt, 0),
		CreatedAt:  time.Unix(r.CreatedAt, 0),
		UpdatedAt:  time.Unix(r.UpdatedAt, 0),
	}
}

type sessionRow struct {
	UserID     string `db:"user_id"`
	SessionID  string `db:"session_id"`
	Model      string `db:"model"`
	Language   string `db:"language"`
	Level      string `db:"level"`
	CreatedAt  int64  `db:"created_at"`
	LastSeenAt int64  `db:"last_seen_at"`
}

func (r sessionRow) toDomain() *domain.SessionRecord {
	return &domain.SessionRecord{
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		Model:      r.Model,
		Language:   r.Language,
		Level:      domain.Level(r.Level),
		CreatedAt:  time.Unix(r.CreatedAt, 0),
		LastSeenAt: time.Unix(r.LastSeenAt, 0),
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		language TEXT NOT NULL,
		level TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var row userRow
	err := s.db.GetContext(ctx, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return row.toDomain(), nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (:user_id, :username, :last_seen_at, :created_at, :updated_at)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.NamedExecContext(ctx, query, userRow{
		UserID:     user.UserID,
		Username:   user.Username,
		LastSeenAt: user.LastSeenAt.Unix(),
		CreatedAt:  user.CreatedAt.Unix(),
		UpdatedAt:  user.UpdatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// GetSession retrieves a session record.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT user_id, session_id, model, language, level, created_at, last_seen_at
		FROM sessions WHERE user_id = ? AND session_id = ?`

	var row sessionRow
	err := s.db.GetContext(ctx, &row, query, userID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return row.toDomain(), nil
}

// UpsertSession creates a session record or updates its settings.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (user_id, session_id, model, language, level, created_at, last_seen_at)
	VALUES (:user_id, :session_id, :model, :language, :level, :created_at, :last_seen_at)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		model = excluded.model,
		language = excluded.language,
		level = excluded.level,
		last_seen_at = excluded.last_seen_at`

	row := sessionRow{
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		Model:      rec.Model,
		Language:   rec.Language,
		Level:      string(rec.Level),
		CreatedAt:  rec.CreatedAt.Unix(),
		LastSeenAt: rec.LastSeenAt.Unix(),
	}
	return shared.RetryOnConflict(ctx, "upsert_session", func() error {
		if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// TouchSession updates the last_seen_at timestamp for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, userID, sessionID string, lastSeen time.Time) error {
	query := `UPDATE sessions SET last_seen_at = ? WHERE user_id = ? AND session_id = ?`
	return shared.RetryOnConflict(ctx, "touch_session", func() error {
		if _, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), userID, sessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session record.
// Retries with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	query := `DELETE FROM sessions WHERE user_id = ? AND session_id = ?`
	err := shared.RetryOnConflict(ctx, "delete_session", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// GetExpiredSessions retrieves sessions idle for longer than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionRecord, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, session_id, model, language, level, created_at, last_seen_at
		FROM sessions WHERE last_seen_at < ?`

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, threshold); err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}

	records := make([]*domain.SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain())
	}
	return records, nil
}

// ResetSessions removes every session record.
func (s *SQLiteStore) ResetSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("reset sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
