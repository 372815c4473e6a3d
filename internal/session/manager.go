// Package session owns the lifecycle of tutoring sessions: one chat.Controller
// per anonymous user and browser tab, created on first use and destroyed when
// the tab ends it or it sits idle past the TTL.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/gateway"
	"github.com/ashureev/codetutor/internal/store"
)

const touchTimeout = 5 * time.Second

// Manager tracks live sessions in memory and mirrors their metadata into the
// repository so idle ones can be found and reaped.
type Manager struct {
	repo    store.Repository
	gw      gateway.Gateway
	options chat.Options
	ttl     time.Duration

	mu     sync.RWMutex
	active map[string]map[string]*chat.Controller
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, gw gateway.Gateway, opts chat.Options, ttl time.Duration) *Manager {
	return &Manager{
		repo:    repo,
		gw:      gw,
		options: opts,
		ttl:     ttl,
		active:  make(map[string]map[string]*chat.Controller),
	}
}

// Get returns the controller for a user/session, creating it on first use.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*chat.Controller, error) {
	if c := m.Lookup(userID, sessionID); c != nil {
		m.touch(userID, sessionID)
		return c, nil
	}

	m.mu.Lock()
	if sessions, ok := m.active[userID]; ok {
		if c, exists := sessions[sessionID]; exists {
			m.mu.Unlock()
			return c, nil
		}
	} else {
		m.active[userID] = make(map[string]*chat.Controller)
	}
	c := chat.NewController(m.gw, m.options)
	m.active[userID][sessionID] = c
	m.mu.Unlock()

	now := time.Now()
	rec := recordFor(userID, sessionID, c.Snapshot().Settings)
	rec.CreatedAt = now
	rec.LastSeenAt = now
	if err := m.repo.UpsertSession(ctx, rec); err != nil {
		m.forget(userID, sessionID, c)
		return nil, fmt.Errorf("register session: %w", err)
	}

	slog.Info("Tutor session created", "user_id", userID, "session_id", sessionID)
	return c, nil
}

// Lookup returns the controller for a user/session without creating one.
func (m *Manager) Lookup(userID, sessionID string) *chat.Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Record persists the current settings of a session.
func (m *Manager) Record(ctx context.Context, userID, sessionID string, c *chat.Controller) error {
	rec := recordFor(userID, sessionID, c.Snapshot().Settings)
	existing, err := m.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	rec.CreatedAt = time.Now()
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	rec.LastSeenAt = time.Now()
	return m.repo.UpsertSession(ctx, rec)
}

// Destroy ends a session and discards its transcript. It fails with
// chat.ErrTurnInProgress while a reply is streaming, leaving the session live.
func (m *Manager) Destroy(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	if sessions, ok := m.active[userID]; ok {
		if c, exists := sessions[sessionID]; exists {
			if err := c.TryClose(); err != nil {
				m.mu.Unlock()
				return err
			}
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
		}
	}
	m.mu.Unlock()

	if err := m.repo.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	slog.Info("Tutor session destroyed", "user_id", userID, "session_id", sessionID)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// TimeLeft reports how long a session may stay idle before it is reaped.
func (m *Manager) TimeLeft(ctx context.Context, userID, sessionID string) (time.Duration, error) {
	rec, err := m.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return m.ttl, nil
	}
	return rec.TimeLeft(m.ttl, time.Now()), nil
}

// forget removes c only if it is still the registered controller.
func (m *Manager) forget(userID, sessionID string, c *chat.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.active[userID]; ok && sessions[sessionID] == c {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
}

// touch updates last seen asynchronously with a timeout.
func (m *Manager) touch(userID, sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := m.repo.TouchSession(ctx, userID, sessionID, time.Now()); err != nil {
			slog.Warn("Failed to touch session", "error", err, "user_id", userID, "session_id", sessionID)
		}
	}()
}

func recordFor(userID, sessionID string, settings domain.Settings) *domain.SessionRecord {
	return &domain.SessionRecord{
		UserID:    userID,
		SessionID: sessionID,
		Model:     settings.Model,
		Language:  settings.Language,
		Level:     settings.Level,
	}
}
