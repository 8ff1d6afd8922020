// Package auth holds the caller's bearer credential. A Store is created once
// and injected into every component that needs the token; Logout is the
// only way to invalidate it.
package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthive/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// credentials is the on-disk shape of the token file.
type credentials struct {
	Token   string    `yaml:"token"`
	SavedAt time.Time `yaml:"saved_at"`
}

// Store is the single source of the bearer token.
type Store struct {
	mu        sync.RWMutex
	path      string
	token     string
	nextID    int
	listeners map[int]func()
}

// NewMemoryStore returns a store that never touches disk.
func NewMemoryStore(token string) *Store {
	return &Store{token: token, listeners: make(map[int]func())}
}

// Open loads the credentials file at path. A missing file yields an empty,
// logged-out store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, listeners: make(map[int]func())}
	tok, err := readToken(path)
	if err != nil {
		return nil, err
	}
	s.token = tok
	return s, nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	var c credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("failed to parse credentials: %w", err)
	}
	return c.Token, nil
}

// Token returns the current bearer token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// LoggedIn reports whether a token is present.
func (s *Store) LoggedIn() bool {
	return s.Token() != ""
}

// SetToken stores tok and persists it when the store is file-backed.
func (s *Store) SetToken(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
			return fmt.Errorf("failed to create credentials directory: %w", err)
		}
		data, err := yaml.Marshal(credentials{Token: tok, SavedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal credentials: %w", err)
		}
		if err := os.WriteFile(s.path, data, 0600); err != nil {
			return fmt.Errorf("failed to write credentials: %w", err)
		}
	}
	s.token = tok
	logging.Get(logging.CategoryAuth).Info("token updated")
	return nil
}

// OnLogout registers fn to run whenever the token is invalidated. Caches
// that hold per-user data (credit balance, license status) hook in here.
func (s *Store) OnLogout(fn func()) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Logout clears the token, deletes the credentials file and notifies
// listeners.
func (s *Store) Logout() error {
	s.mu.Lock()
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.mu.Unlock()
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
	}
	s.mu.Unlock()
	s.invalidate("logout")
	return nil
}

// invalidate drops the in-memory token and fires listeners outside the lock.
func (s *Store) invalidate(reason string) {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	logging.Get(logging.CategoryAuth).Info("token invalidated (%s)", reason)
	for _, fn := range fns {
		fn()
	}
}

// Watch follows the credentials file so a logout or login in another
// process is picked up. The returned channel closes once the watcher has
// shut down after ctx is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	if s.path == "" {
		return nil, fmt.Errorf("memory store cannot be watched")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.Close()
		log := logging.Get(logging.CategoryAuth)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					s.invalidate("credentials removed")
				case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
					tok, err := readToken(s.path)
					if err != nil {
						log.Warn("reload credentials: %v", err)
						continue
					}
					if tok == "" {
						s.invalidate("credentials emptied")
						continue
					}
					s.mu.Lock()
					s.token = tok
					s.mu.Unlock()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("credentials watcher: %v", err)
			}
		}
	}()
	return done, nil
}
