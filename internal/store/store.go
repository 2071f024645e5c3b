// Package store persists the two record kinds of a chat: sessions and messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"StreamChat/internal/session"
)

// ErrNotFound is returned when an update or delete targets a missing record
var ErrNotFound = errors.New("record not found")

// Filter selects records. Empty fields match everything.
type Filter struct {
	OwnerID   string
	SessionID string
}

// Order sorts records by creation time, ties broken by id
type Order struct {
	Desc bool
}

var (
	Oldest = Order{Desc: false}
	Newest = Order{Desc: true}
)

// SessionPatch is a partial session update; nil fields are left unchanged
type SessionPatch struct {
	Title   *string
	ModelID *string
}

// MessagePatch is a partial message update; nil fields are left unchanged
type MessagePatch struct {
	Content   *string
	Streaming *bool
}

// Store is the record store consumed by the session store and the timeline
type Store interface {
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	QuerySessions(ctx context.Context, f Filter, o Order) ([]session.Session, error)
	UpdateSession(ctx context.Context, id string, p SessionPatch) error
	DeleteSession(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, m session.Message) (session.Message, error)
	QueryMessages(ctx context.Context, f Filter, o Order) ([]session.Message, error)
	UpdateMessage(ctx context.Context, id string, p MessagePatch) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessages(ctx context.Context, f Filter) error

	Close() error
}

// NewSessionID returns a random session identifier
func NewSessionID() string {
	return uuid.NewString()
}

// NewMessageID returns a time-sortable message identifier
func NewMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func prepareSession(s session.Session) session.Session {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Title == "" {
		s.Title = session.DefaultTitle
	}
	return s
}

func prepareMessage(m session.Message) session.Message {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ID == "" {
		m.ID = NewMessageID(m.CreatedAt)
	}
	return m
}

func (f Filter) matchSession(s session.Session) bool {
	return f.OwnerID == "" || f.OwnerID == s.OwnerID
}

func (f Filter) matchMessage(m session.Message) bool {
	return f.SessionID == "" || f.SessionID == m.SessionID
}
