// Package timeline keeps the ordered message list of the loaded session and
// tracks which assistant messages are still being generated.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"StreamChat/internal/session"
	"StreamChat/internal/store"
)

// EventKind says what changed in the timeline
type EventKind int

const (
	Loaded EventKind = iota
	Appended
	Patched
	Finalized
	Removed
	Cleared
)

func (k EventKind) String() string {
	switch k {
	case Loaded:
		return "loaded"
	case Appended:
		return "appended"
	case Patched:
		return "patched"
	case Finalized:
		return "finalized"
	case Removed:
		return "removed"
	case Cleared:
		return "cleared"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is delivered to subscribers after every change. Message is set for
// Appended, Patched, Finalized and Removed. Events for messages of a session
// that is not loaded are delivered too, with that SessionID.
type Event struct {
	Kind      EventKind
	SessionID string
	Message   session.Message
}

// TitleWriter applies a title derived from the first user message
type TitleWriter interface {
	ApplyDerivedTitle(sessionID, title string) error
}

// Timeline is the message list of the loaded session. All methods are safe
// for concurrent use; writes for a message are persisted and applied in memory
// while holding the same lock, so the two views never disagree on order.
type Timeline struct {
	store  store.Store
	logger *slog.Logger

	mu        sync.Mutex
	titles    TitleWriter
	sessionID string
	messages  []session.Message
	index     map[string]int       // message id -> position in messages
	streaming map[string]string    // message id -> session id, any session
	lastAt    map[string]time.Time // session id -> newest createdAt seen
	subs      map[int]func(Event)
	nextSub   int
}

// New creates an empty timeline backed by st
func New(st store.Store, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		store:     st,
		logger:    logger,
		index:     make(map[string]int),
		streaming: make(map[string]string),
		lastAt:    make(map[string]time.Time),
		subs:      make(map[int]func(Event)),
	}
}

// SetTitleWriter sets who receives derived titles. It is separate from New
// because the session store itself depends on the timeline.
func (t *Timeline) SetTitleWriter(w TitleWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles = w
}

// Subscribe registers fn for every change. fn runs on the goroutine that made
// the change, after the timeline lock is released, so events of one
// generation arrive in order.
func (t *Timeline) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// unlockAndNotify releases mu and then delivers events on the calling
// goroutine. Callers hold mu.
func (t *Timeline) unlockAndNotify(events ...Event) {
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
}

// SessionID returns the loaded session, or "" if none is loaded
func (t *Timeline) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Messages returns a copy of the loaded messages in creation order
func (t *Timeline) Messages() []session.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]session.Message(nil), t.messages...)
}

// SessionMessages returns the messages of sessionID, from memory when it is
// loaded and from the store otherwise.
func (t *Timeline) SessionMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	t.mu.Lock()
	if sessionID == t.sessionID {
		defer t.mu.Unlock()
		return append([]session.Message(nil), t.messages...), nil
	}
	t.mu.Unlock()

	msgs, err := t.store.QueryMessages(ctx, store.Filter{SessionID: sessionID}, store.Oldest)
	if err != nil {
		return nil, storeErr("query messages", err)
	}
	return msgs, nil
}

// IsStreaming reports whether messageID is still being generated
func (t *Timeline) IsStreaming(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streaming[messageID]
	return ok
}

// Load replaces the in-memory list with the persisted messages of sessionID.
// Messages left streaming by a previous process are finalized with the
// content they had.
func (t *Timeline) Load(ctx context.Context, sessionID string) error {
	t.mu.Lock()

	msgs, err := t.store.QueryMessages(ctx, store.Filter{SessionID: sessionID}, store.Oldest)
	if err != nil {
		t.mu.Unlock()
		return storeErr("load messages", err)
	}

	for i := range msgs {
		m := &msgs[i]
		if !m.Streaming {
			continue
		}
		if _, live := t.streaming[m.ID]; live {
			continue
		}
		t.logger.Warn("finalizing interrupted message", "session_id", sessionID, "message_id", m.ID)
		done := false
		if err := t.store.UpdateMessage(ctx, m.ID, store.MessagePatch{Streaming: &done}); err != nil {
			t.logger.Error("failed to finalize interrupted message", "message_id", m.ID, "error", err)
			continue
		}
		m.Streaming = false
	}

	t.sessionID = sessionID
	t.messages = msgs
	t.index = make(map[string]int, len(msgs))
	for i, m := range msgs {
		t.index[m.ID] = i
	}
	if n := len(msgs); n > 0 && msgs[n-1].CreatedAt.After(t.lastAt[sessionID]) {
		t.lastAt[sessionID] = msgs[n-1].CreatedAt
	}

	t.logger.Debug("loaded timeline", "session_id", sessionID, "messages", len(msgs))
	t.unlockAndNotify(Event{Kind: Loaded, SessionID: sessionID})
	return nil
}

// Clear unloads the current session
func (t *Timeline) Clear() {
	t.mu.Lock()
	prev := t.sessionID
	t.sessionID = ""
	t.messages = nil
	t.index = make(map[string]int)
	t.unlockAndNotify(Event{Kind: Cleared, SessionID: prev})
}

// Append persists msg at the end of its session and returns it with its ID.
// The first message of a session, when written by the user, names the session.
func (t *Timeline) Append(ctx context.Context, msg session.Message) (session.Message, error) {
	if msg.SessionID == "" {
		return session.Message{}, fmt.Errorf("append: %w", session.ErrNoActiveSession)
	}

	t.mu.Lock()

	first, err := t.isEmptyLocked(ctx, msg.SessionID)
	if err != nil {
		t.mu.Unlock()
		return session.Message{}, err
	}

	msg.ID = ""
	msg.CreatedAt = t.nextCreatedAtLocked(msg.SessionID)
	created, err := t.store.CreateMessage(ctx, msg)
	if err != nil {
		t.mu.Unlock()
		return session.Message{}, storeErr("create message", err)
	}

	if created.Streaming {
		t.streaming[created.ID] = created.SessionID
	}
	if created.SessionID == t.sessionID {
		t.index[created.ID] = len(t.messages)
		t.messages = append(t.messages, created)
	}
	titles := t.titles

	t.unlockAndNotify(Event{Kind: Appended, SessionID: created.SessionID, Message: created})

	if first && created.Role == session.RoleUser && titles != nil {
		t.deriveTitle(titles, created)
	}
	return created, nil
}

func (t *Timeline) deriveTitle(titles TitleWriter, msg session.Message) {
	title := session.DeriveTitle(msg.Content)
	if title == "" {
		return
	}
	if err := titles.ApplyDerivedTitle(msg.SessionID, title); err != nil {
		t.logger.Warn("failed to derive session title", "session_id", msg.SessionID, "error", err)
	}
}

func (t *Timeline) isEmptyLocked(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == t.sessionID {
		return len(t.messages) == 0, nil
	}
	msgs, err := t.store.QueryMessages(ctx, store.Filter{SessionID: sessionID}, store.Oldest)
	if err != nil {
		return false, storeErr("query messages", err)
	}
	if n := len(msgs); n > 0 && msgs[n-1].CreatedAt.After(t.lastAt[sessionID]) {
		t.lastAt[sessionID] = msgs[n-1].CreatedAt
	}
	return len(msgs) == 0, nil
}

// nextCreatedAtLocked returns a timestamp strictly after every message of
// sessionID seen so far, at the microsecond precision every store keeps.
func (t *Timeline) nextCreatedAtLocked(sessionID string) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if last, ok := t.lastAt[sessionID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	t.lastAt[sessionID] = now
	return now
}

// PatchContent replaces the content of a streaming message
func (t *Timeline) PatchContent(ctx context.Context, messageID, content string) error {
	t.mu.Lock()

	sessionID, ok := t.streaming[messageID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("patch %s: %w", messageID, session.ErrNotStreaming)
	}
	if err := t.store.UpdateMessage(ctx, messageID, store.MessagePatch{Content: &content}); err != nil {
		t.mu.Unlock()
		return storeErr("patch message", err)
	}

	msg := session.Message{ID: messageID, SessionID: sessionID, Role: session.RoleAssistant, Content: content, Streaming: true}
	if i, ok := t.index[messageID]; ok && sessionID == t.sessionID {
		t.messages[i].Content = content
		msg = t.messages[i]
	}
	t.unlockAndNotify(Event{Kind: Patched, SessionID: sessionID, Message: msg})
	return nil
}

// Finalize marks a streaming message final, replacing its content when
// content is non-nil. The message is final locally even if persisting fails.
func (t *Timeline) Finalize(ctx context.Context, messageID string, content *string) error {
	t.mu.Lock()

	sessionID, ok := t.streaming[messageID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("finalize %s: %w", messageID, session.ErrNotStreaming)
	}
	delete(t.streaming, messageID)

	done := false
	persistErr := t.store.UpdateMessage(ctx, messageID, store.MessagePatch{Content: content, Streaming: &done})

	msg := session.Message{ID: messageID, SessionID: sessionID, Role: session.RoleAssistant}
	if content != nil {
		msg.Content = *content
	}
	if i, ok := t.index[messageID]; ok && sessionID == t.sessionID {
		if content != nil {
			t.messages[i].Content = *content
		}
		t.messages[i].Streaming = false
		msg = t.messages[i]
	}
	t.unlockAndNotify(Event{Kind: Finalized, SessionID: sessionID, Message: msg})

	if persistErr != nil {
		return storeErr("finalize message", persistErr)
	}
	return nil
}

// RemoveLast deletes the newest loaded message if it has role. It reports
// whether a message was removed; an empty timeline or another tail role is
// a no-op.
func (t *Timeline) RemoveLast(ctx context.Context, role session.Role) (session.Message, bool, error) {
	t.mu.Lock()

	n := len(t.messages)
	if n == 0 || t.messages[n-1].Role != role {
		t.mu.Unlock()
		return session.Message{}, false, nil
	}

	last := t.messages[n-1]
	if err := t.store.DeleteMessage(ctx, last.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.mu.Unlock()
		return session.Message{}, false, storeErr("delete message", err)
	}
	t.messages = t.messages[:n-1]
	delete(t.index, last.ID)
	delete(t.streaming, last.ID)

	t.unlockAndNotify(Event{Kind: Removed, SessionID: last.SessionID, Message: last})
	return last, true, nil
}

// Forget drops bookkeeping for a deleted session
func (t *Timeline) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastAt, sessionID)
	for id, sid := range t.streaming {
		if sid == sessionID {
			delete(t.streaming, id)
		}
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", session.ErrStoreUnavailable, op, err)
}
