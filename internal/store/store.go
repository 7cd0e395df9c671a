// ABOUTME: Persistence interface for chat session metadata.
// ABOUTME: Defines the Session record, permission policies, and store errors.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Permission policy names. A session always has exactly one.
const (
	// PolicyAutoApprove allows every tool without asking.
	PolicyAutoApprove = "auto_approve"

	// PolicyAskEveryTime asks the client for every tool.
	PolicyAskEveryTime = "ask_every_time"

	// PolicyApproveEditsOnly auto-allows file read/write/edit tools and
	// asks for everything else.
	PolicyApproveEditsOnly = "approve_edits_only"
)

// DefaultPolicy is applied when a handshake names no policy.
const DefaultPolicy = PolicyAskEveryTime

// ValidPolicy reports whether name is a known permission policy.
func ValidPolicy(name string) bool {
	switch name {
	case PolicyAutoApprove, PolicyAskEveryTime, PolicyApproveEditsOnly:
		return true
	}
	return false
}

// Session is the durable metadata for one chat session. Conversation content
// lives in the backend; we keep only what is needed to resume and to list.
type Session struct {
	ID             string
	Title          string
	Policy         string
	ProjectRoot    string
	ContinuationID string
	Archived       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Store persists session metadata.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession fetches one session. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions newest-activity first. Archived sessions
	// are included only when includeArchived is set.
	ListSessions(ctx context.Context, includeArchived bool) ([]*Session, error)

	// UpdateTitle sets the session's display title.
	UpdateTitle(ctx context.Context, id, title string) error

	// UpdatePolicy sets the session's permission policy.
	UpdatePolicy(ctx context.Context, id, policy string) error

	// UpdateContinuation records the backend continuation id after a turn.
	UpdateContinuation(ctx context.Context, id, continuationID string) error

	// TouchActivity bumps the session's last-activity timestamp.
	TouchActivity(ctx context.Context, id string, at time.Time) error

	// ArchiveSession marks a session archived. Archived sessions keep their
	// metadata but drop out of default listings.
	ArchiveSession(ctx context.Context, id string) error

	// DeleteSession removes a session record permanently.
	DeleteSession(ctx context.Context, id string) error

	// DeleteInactiveBefore removes archived sessions whose last activity is
	// older than cutoff. Returns the number deleted.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases the underlying database.
	Close() error
}
