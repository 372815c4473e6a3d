package domain

import (
	"time"
)

// SessionRecord is the persisted registry entry for a live tutoring session.
// It carries no transcript and no credential.
type SessionRecord struct {
	UserID     string
	SessionID  string
	Model      string
	Language   string
	Level      Level
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// TimeLeft returns how long the session may stay idle before it expires.
// Returns 0 if it has already expired.
func (r *SessionRecord) TimeLeft(ttl time.Duration, now time.Time) time.Duration {
	left := r.LastSeenAt.Add(ttl).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
