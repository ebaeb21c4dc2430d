// Package sessions persists conversations and serializes turns per session.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kohtravel/agentd/pkg/models"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrSessionBusy is returned by a Locker when another turn holds the session.
	ErrSessionBusy = errors.New("session busy")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("session store closed")
)

// Store is the conversation store.
//
// Every operation is linearizable per session: a History that starts after an
// Append returned observes that turn. History of an unknown session is empty,
// and Clear of an unknown session is a no-op. Append creates the session
// record when it does not exist yet.
type Store interface {
	// Message history
	Append(ctx context.Context, sessionID string, msg *models.Message) error
	History(ctx context.Context, sessionID string) ([]*models.Message, error)
	Clear(ctx context.Context, sessionID string) error

	// Session records
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ListOptions filters session listing. Zero values match everything.
type ListOptions struct {
	UserID        string
	Project       string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

func (o ListOptions) matches(s *models.Session) bool {
	if o.UserID != "" && s.UserID != o.UserID {
		return false
	}
	if o.Project != "" && s.Project != o.Project {
		return false
	}
	if !o.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(o.UpdatedBefore) {
		return false
	}
	return true
}

// Stats summarizes store contents.
type Stats struct {
	Sessions int `json:"sessions"`
	Messages int `json:"messages"`
}

func validateMessage(sessionID string, msg *models.Message) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	return nil
}
