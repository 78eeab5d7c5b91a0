package domain

import (
	"testing"
	"time"
)

func TestExpiredByTime(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	p := NewPaste("a", "x", 1, 0, nil, "", StatusActive, now, now)
	if p.ExpiredByTime(now) {
		t.Error("paste without expires_at must never expire by time")
	}
	p = NewPaste("b", "x", 1, 0, &past, "", StatusActive, now, now)
	if !p.ExpiredByTime(now) {
		t.Error("past expires_at must report expired")
	}
	p = NewPaste("c", "x", 1, 0, &future, "", StatusActive, now, now)
	if p.ExpiredByTime(now) {
		t.Error("future expires_at must not report expired")
	}
	// the boundary instant itself counts as expired
	p = NewPaste("d", "x", 1, 0, &now, "", StatusActive, now, now)
	if !p.ExpiredByTime(now) {
		t.Error("expires_at equal to now must report expired")
	}
}

func TestContentIsWriteOnce(t *testing.T) {
	now := time.Now().UTC()
	p := NewPaste("a", "original content", 3, 0, nil, "", StatusActive, now, now)
	if p.Content() != "original content" {
		t.Fatalf("Content() = %q", p.Content())
	}
	p.Status = StatusViewed
	p.CurrentViews = 2
	if p.Content() != "original content" {
		t.Error("content changed after mutating other fields")
	}
}
