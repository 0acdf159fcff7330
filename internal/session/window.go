// Package session tracks the per-contact conversation and its 24 hour reply window.
package session

import (
	"time"

	"broadcast/internal/domain"
)

// ReplyWindow is how long free-form replies stay allowed after the last message.
const ReplyWindow = 24 * time.Hour

// New opens a session for a contact whose first message happened at `at`.
func New(id, contactID string, at time.Time) domain.Session {
	return domain.Session{
		ID:                   id,
		ContactID:            contactID,
		Status:               domain.SessionOpen,
		LastMessageAt:        at,
		ReplyWindowExpiresAt: at.Add(ReplyWindow),
	}
}

// Touch records a message (either direction) at `at`. The window never moves backwards,
// so a late-processed older message cannot shorten it.
func Touch(s domain.Session, at time.Time) domain.Session {
	if at.After(s.LastMessageAt) {
		s.LastMessageAt = at
	}
	if exp := at.Add(ReplyWindow); exp.After(s.ReplyWindowExpiresAt) {
		s.ReplyWindowExpiresAt = exp
	}
	s.Status = domain.SessionOpen
	return s
}

func CanReply(s domain.Session, now time.Time) bool {
	return s.ReplyWindowExpiresAt.After(now)
}

// RequireOpen gates free-form outbound text on the reply window.
func RequireOpen(s domain.Session, now time.Time) error {
	if !CanReply(s, now) {
		return domain.ErrReplyWindowExpired
	}
	return nil
}
