package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/codetutor/internal/chat"
)

// StartTTLWorker runs a background goroutine that periodically destroys
// sessions idle for longer than the TTL.
func (m *Manager) StartTTLWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", m.ttl)

		for {
			select {
			case <-ticker.C:
				m.cleanupExpiredSessions(ctx)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// cleanupExpiredSessions returns the number of sessions destroyed.
func (m *Manager) cleanupExpiredSessions(ctx context.Context) int {
	expired, err := m.repo.GetExpiredSessions(ctx, m.ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}

	if len(expired) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sessions", "count", len(expired))

	cleaned := 0
	for _, rec := range expired {
		err := m.Destroy(ctx, rec.UserID, rec.SessionID)
		if errors.Is(err, chat.ErrTurnInProgress) {
			// A reply still streaming counts as activity.
			m.touch(rec.UserID, rec.SessionID)
			continue
		}
		if err != nil {
			slog.Warn("TTL worker failed to destroy session",
				"error", err,
				"user_id", rec.UserID,
				"session_id", rec.SessionID)
			continue
		}
		cleaned++
	}

	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
