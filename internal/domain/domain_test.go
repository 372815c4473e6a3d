package domain

import (
	"testing"
	"time"
)

func TestNewMessageAssignsUniqueIDs(t *testing.T) {
	a := NewMessage(RoleUser, "hi")
	b := NewMessage(RoleUser, "hi")
	if a.ID == "" || b.ID == "" {
		t.Fatal("Expected message IDs to be set")
	}
	if a.ID == b.ID {
		t.Errorf("Expected distinct IDs, both were %q", a.ID)
	}
}

func TestLevelValid(t *testing.T) {
	for _, l := range Levels {
		if !l.Valid() {
			t.Errorf("Expected %q to be valid", l)
		}
	}
	if Level("expert").Valid() {
		t.Error("Expected unknown level to be invalid")
	}
}

func TestSessionRecordTimeLeft(t *testing.T) {
	now := time.Now()
	rec := &SessionRecord{LastSeenAt: now.Add(-10 * time.Minute)}

	if got := rec.TimeLeft(time.Hour, now); got != 50*time.Minute {
		t.Errorf("Expected 50m left, got %v", got)
	}
	if got := rec.TimeLeft(5*time.Minute, now); got != 0 {
		t.Errorf("Expected expired session to report 0, got %v", got)
	}
}
