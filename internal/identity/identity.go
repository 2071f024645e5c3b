// Package identity exposes the signed-in user, if any, and notifies on change.
package identity

import "sync"

// Identity is the signed-in user
type Identity struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	Email       string `toml:"email"`
}

// Provider exposes the current identity. Current returns nil when signed out.
type Provider interface {
	Current() *Identity
	OnChange(fn func(*Identity)) (unsubscribe func())
}

// listeners is the subscription registry shared by the providers
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(*Identity)
}

func (l *listeners) add(fn func(*Identity)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(*Identity))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

func (l *listeners) notify(ident *Identity) {
	l.mu.Lock()
	fns := make([]func(*Identity), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(copyIdentity(ident))
	}
}

func copyIdentity(ident *Identity) *Identity {
	if ident == nil {
		return nil
	}
	c := *ident
	return &c
}

// Static holds an identity set in process
type Static struct {
	mu        sync.RWMutex
	current   *Identity
	listeners listeners
}

// NewStatic creates a provider signed in as ident, or signed out when ident is nil
func NewStatic(ident *Identity) *Static {
	return &Static{current: copyIdentity(ident)}
}

func (s *Static) Current() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyIdentity(s.current)
}

func (s *Static) OnChange(fn func(*Identity)) func() {
	return s.listeners.add(fn)
}

// SignIn replaces the current identity and notifies listeners
func (s *Static) SignIn(ident Identity) {
	s.set(&ident)
}

// SignOut clears the current identity and notifies listeners
func (s *Static) SignOut() {
	s.set(nil)
}

func (s *Static) set(ident *Identity) {
	s.mu.Lock()
	s.current = copyIdentity(ident)
	s.mu.Unlock()
	s.listeners.notify(ident)
}
