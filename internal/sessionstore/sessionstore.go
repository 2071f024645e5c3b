// Package sessionstore owns the sessions of the signed-in identity and the
// pointer to the active one.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"StreamChat/internal/identity"
	"StreamChat/internal/session"
	"StreamChat/internal/store"
)

// ErrClosed is returned by mutations after Close
var ErrClosed = errors.New("session store closed")

// TimelineLoader is the part of the message timeline the store drives
type TimelineLoader interface {
	Load(ctx context.Context, sessionID string) error
	Clear()
	Forget(sessionID string)
}

// Store keeps an in-memory list of sessions, newest first, consistent with
// the record store. Renames and model changes apply locally at once and are
// persisted by a background writer in call order.
type Store struct {
	records  store.Store
	timeline TimelineLoader
	identity identity.Provider
	logger   *slog.Logger
	writer   *writer

	mu       sync.RWMutex
	ownerID  string
	sessions []session.Session
	activeID string
	onError  func(error)

	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a session store and subscribes it to identity changes.
// Call Refresh to load the sessions of the current identity.
func New(records store.Store, timeline TimelineLoader, ident identity.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records:  records,
		timeline: timeline,
		identity: ident,
		logger:   logger,
	}
	s.writer = newWriter(s.runWrite)
	s.unsubscribe = ident.OnChange(s.identityChanged)
	return s
}

// OnError sets the handler for failed background writes
func (s *Store) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Store) runWrite(w write) {
	if err := w.fn(context.Background()); err != nil {
		err = storeErr(w.desc, err)
		s.logger.Error("background write failed", "write", w.desc, "error", err)

		s.mu.RLock()
		onError := s.onError
		s.mu.RUnlock()
		if onError != nil {
			onError(err)
		}
	}
}

func (s *Store) identityChanged(ident *identity.Identity) {
	s.mu.Lock()
	s.ownerID = ""
	s.sessions = nil
	s.activeID = ""
	s.mu.Unlock()
	s.timeline.Clear()

	if ident == nil {
		s.logger.Info("signed out, sessions cleared")
		return
	}
	if err := s.Refresh(context.Background()); err != nil {
		s.logger.Error("failed to load sessions after sign-in", "owner_id", ident.ID, "error", err)
	}
}

func (s *Store) currentOwner() (string, error) {
	ident := s.identity.Current()
	if ident == nil || ident.ID == "" {
		return "", session.ErrUnauthenticated
	}
	return ident.ID, nil
}

// List returns the persisted sessions of ownerID, newest first
func (s *Store) List(ctx context.Context, ownerID string) ([]session.Session, error) {
	if ownerID == "" {
		return nil, session.ErrUnauthenticated
	}
	sessions, err := s.records.QuerySessions(ctx, store.Filter{OwnerID: ownerID}, store.Newest)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// Refresh reloads the in-memory list for the current identity
func (s *Store) Refresh(ctx context.Context) error {
	ownerID, err := s.currentOwner()
	if err != nil {
		return err
	}
	sessions, err := s.List(ctx, ownerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerID = ownerID
	s.sessions = sessions
	if s.activeID != "" && s.indexLocked(s.activeID) < 0 {
		s.activeID = ""
	}
	s.logger.Debug("loaded sessions", "owner_id", ownerID, "count", len(sessions))
	return nil
}

// Sessions returns a copy of the in-memory list, newest first
func (s *Store) Sessions() []session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]session.Session(nil), s.sessions...)
}

// Get looks up a session in the in-memory list
func (s *Store) Get(id string) (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return session.Session{}, false
	}
	return s.sessions[i], true
}

// Active returns the active session, if any
func (s *Store) Active() (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return session.Session{}, false
	}
	i := s.indexLocked(s.activeID)
	if i < 0 {
		return session.Session{}, false
	}
	return s.sessions[i], true
}

func (s *Store) indexLocked(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// Create persists a new session for ownerID with the default title
func (s *Store) Create(ctx context.Context, ownerID, modelID string) (session.Session, error) {
	if ownerID == "" {
		return session.Session{}, session.ErrUnauthenticated
	}

	created, err := s.records.CreateSession(ctx, session.Session{
		OwnerID: ownerID,
		Title:   session.DefaultTitle,
		ModelID: modelID,
	})
	if err != nil {
		return session.Session{}, storeErr("create session", err)
	}

	s.mu.Lock()
	if s.ownerID == ownerID || s.ownerID == "" {
		s.ownerID = ownerID
		s.sessions = append([]session.Session{created}, s.sessions...)
	}
	s.mu.Unlock()

	s.logger.Info("created session", "session_id", created.ID, "model", modelID)
	return created, nil
}

// Select makes id the active session and loads its messages. Selecting the
// active session again does nothing.
func (s *Store) Select(ctx context.Context, id string) error {
	if _, err := s.currentOwner(); err != nil {
		return err
	}

	s.mu.RLock()
	active := s.activeID
	found := s.indexLocked(id) >= 0
	s.mu.RUnlock()

	if id == active {
		return nil
	}
	if !found {
		return fmt.Errorf("select %s: %w", id, session.ErrSessionNotFound)
	}

	if err := s.timeline.Load(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	s.activeID = id
	s.mu.Unlock()
	s.logger.Debug("selected session", "session_id", id)
	return nil
}

// Rename sets the title locally and persists it in the background
func (s *Store) Rename(id, title string) error {
	return s.patch(id, "rename session", func(sess *session.Session) bool {
		sess.Title = title
		return true
	}, store.SessionPatch{Title: &title})
}

// SetModel sets the model locally and persists it in the background
func (s *Store) SetModel(id, modelID string) error {
	return s.patch(id, "set session model", func(sess *session.Session) bool {
		sess.ModelID = modelID
		return true
	}, store.SessionPatch{ModelID: &modelID})
}

// ApplyDerivedTitle names a session that still has the default title
func (s *Store) ApplyDerivedTitle(id, title string) error {
	return s.patch(id, "derive session title", func(sess *session.Session) bool {
		if !sess.HasDefaultTitle() {
			return false
		}
		sess.Title = title
		return true
	}, store.SessionPatch{Title: &title})
}

// patch applies change to the in-memory session and queues p when change
// reports that something changed.
func (s *Store) patch(id, desc string, change func(*session.Session) bool, p store.SessionPatch) error {
	if _, err := s.currentOwner(); err != nil {
		return err
	}

	if s.writer.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%s %s: %w", desc, id, session.ErrSessionNotFound)
	}
	if !change(&s.sessions[i]) {
		return nil
	}

	// queued under mu so persisted order matches local order
	ok := s.writer.enqueue(write{desc: desc, fn: func(ctx context.Context) error {
		return s.records.UpdateSession(ctx, id, p)
	}})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Flush waits for pending background writes
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Delete removes a session and all its messages, messages first. Deleting
// the active session clears the active pointer and the timeline.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.currentOwner(); err != nil {
		return err
	}
	if _, ok := s.Get(id); !ok {
		return fmt.Errorf("delete %s: %w", id, session.ErrSessionNotFound)
	}

	// queued renames must not land after the record is gone
	if err := s.Flush(ctx); err != nil {
		return err
	}

	if err := s.records.DeleteMessages(ctx, store.Filter{SessionID: id}); err != nil {
		return storeErr("delete messages", err)
	}
	if err := s.records.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr("delete session", err)
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	}
	wasActive := s.activeID == id
	if wasActive {
		s.activeID = ""
	}
	s.mu.Unlock()

	if wasActive {
		s.timeline.Clear()
	}
	s.timeline.Forget(id)

	s.logger.Info("deleted session", "session_id", id, "was_active", wasActive)
	return nil
}

// Close stops listening for identity changes and drains pending writes
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.writer.close()
	})
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", session.ErrStoreUnavailable, op, err)
}
