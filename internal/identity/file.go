package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// File reads the identity from a TOML file and reloads it when the file changes.
// A missing or empty file means signed out.
type File struct {
	path      string
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	mu        sync.RWMutex
	current   *Identity
	listeners listeners
	done      chan struct{}
	closeOnce sync.Once
}

// NewFile loads path and starts watching its directory
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	f := &File{
		path:   filepath.Clean(path),
		logger: logger,
		done:   make(chan struct{}),
	}

	ident, err := readIdentity(f.path)
	if err != nil {
		return nil, err
	}
	f.current = ident

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory so atomic renames by editors are seen
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = watcher

	go f.processEvents()

	return f, nil
}

func (f *File) Current() *Identity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyIdentity(f.current)
}

func (f *File) OnChange(fn func(*Identity)) func() {
	return f.listeners.add(fn)
}

// Close stops watching the file
func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}

func (f *File) processEvents() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("identity watcher error", "error", err)
		}
	}
}

func (f *File) reload() {
	ident, err := readIdentity(f.path)
	if err != nil {
		f.logger.Warn("failed to reload identity", "path", f.path, "error", err)
		return
	}

	f.mu.Lock()
	changed := !sameIdentity(f.current, ident)
	f.current = ident
	f.mu.Unlock()

	if changed {
		f.logger.Info("identity changed", "signed_in", ident != nil)
		f.listeners.notify(ident)
	}
}

func readIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var ident Identity
	if err := toml.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if ident.ID == "" {
		return nil, nil
	}
	return &ident, nil
}

func sameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
