package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"StreamChat/internal/session"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	messages map[string]session.Message
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]session.Session),
		messages: make(map[string]session.Message),
	}
}

func (m *Memory) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	s = prepareSession(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *Memory) QuerySessions(ctx context.Context, f Filter, o Order) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	result := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.matchSession(s) {
			result = append(result, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return less(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID, o)
	})
	return result, nil
}

func (m *Memory) UpdateSession(ctx context.Context, id string, p SessionPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.ModelID != nil {
		s.ModelID = *p.ModelID
	}
	m.sessions[id] = s
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg session.Message) (session.Message, error) {
	if err := ctx.Err(); err != nil {
		return session.Message{}, err
	}
	msg = prepareMessage(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return msg, nil
}

func (m *Memory) QueryMessages(ctx context.Context, f Filter, o Order) ([]session.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	result := make([]session.Message, 0)
	for _, msg := range m.messages {
		if f.matchMessage(msg) {
			result = append(result, msg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return less(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID, o)
	})
	return result, nil
}

func (m *Memory) UpdateMessage(ctx context.Context, id string, p MessagePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if p.Content != nil {
		msg.Content = *p.Content
	}
	if p.Streaming != nil {
		msg.Streaming = *p.Streaming
	}
	m.messages[id] = msg
	return nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) DeleteMessages(ctx context.Context, f Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.messages {
		if f.matchMessage(msg) {
			delete(m.messages, id)
		}
	}
	return nil
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() error {
	return nil
}

func less(ti time.Time, idi string, tj time.Time, idj string, o Order) bool {
	if !ti.Equal(tj) {
		if o.Desc {
			return ti.After(tj)
		}
		return ti.Before(tj)
	}
	if o.Desc {
		return idi > idj
	}
	return idi < idj
}
