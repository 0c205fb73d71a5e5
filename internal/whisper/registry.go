package whisper

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Factory opens a new session, typically by loading a model.
type Factory func(ctx context.Context) (*Session, error)

// Registry hands out sessions by opaque id. Sessions are created and
// destroyed explicitly; the registry only bounds how many are live at once.
// It is safe for concurrent use, the sessions it returns are not.
type Registry struct {
	factory Factory
	max     int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns a registry holding at most maxSessions sessions. Zero
// means unbounded.
func NewRegistry(factory Factory, maxSessions int) *Registry {
	return &Registry{
		factory:  factory,
		max:      maxSessions,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session and registers it under its id.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	full := r.max > 0 && len(r.sessions) >= r.max
	r.mu.Unlock()
	if full {
		return nil, fmt.Errorf("%w: %d sessions", ErrRegistryFull, r.max)
	}

	s, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %d sessions", ErrRegistryFull, r.max)
	}
	r.sessions[s.ID()] = s
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Destroy unregisters and closes the session.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.Close()
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every live session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
