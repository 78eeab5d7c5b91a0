package domain

import (
	"time"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusViewed  Status = "VIEWED"
	StatusExpired Status = "EXPIRED"
	StatusDeleted Status = "DELETED"
)

func (s Status) Known() bool {
	switch s {
	case StatusActive, StatusViewed, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDeleted
}

// ParseStatus rejects unknown values at the store boundary so bad rows never
// reach business logic.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Known() {
		return "", &TransitionError{From: s, To: s}
	}
	return s, nil
}

// Paste is the lifecycle aggregate. content is write-once: set by the
// constructor, no mutator exposed, and no store statement updates it.
type Paste struct {
	ID           string
	content      string
	MaxViews     int
	CurrentViews int
	ExpiresAt    *time.Time
	PasswordHash string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewPaste(id, content string, maxViews, currentViews int, expiresAt *time.Time, passwordHash string, status Status, createdAt, updatedAt time.Time) *Paste {
	return &Paste{
		ID:           id,
		content:      content,
		MaxViews:     maxViews,
		CurrentViews: currentViews,
		ExpiresAt:    expiresAt,
		PasswordHash: passwordHash,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
}

func (p *Paste) Content() string {
	return p.content
}

// ExpiredByTime reports whether the optional time-based expiry has passed.
// Pastes without expires_at never expire by time.
func (p *Paste) ExpiredByTime(now time.Time) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return !p.ExpiresAt.After(now)
}

type CreateParams struct {
	Content   string
	MaxViews  int
	ExpiresAt *time.Time
	Password  string
}

// AccessLog is an immutable record of one view attempt.
type AccessLog struct {
	ID         string
	PasteID    string
	AccessedAt time.Time
	IPAddress  string
	Success    bool
}
