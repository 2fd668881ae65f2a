// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"

	"github.com/safe-mcp/gateway/internal/domain/session"
)

// MemorySessionStore implements session.Store with an in-memory map.
// Thread-safe for concurrent access. Idle expiry is handled by the
// session tracker, not the store.
type MemorySessionStore struct {
	sessions map[string]*session.Context
	mu       sync.RWMutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Context),
	}
}

// Create stores a new session context.
func (s *MemorySessionStore) Create(ctx context.Context, sc *session.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation.
	cp := *sc
	s.sessions[sc.ID] = &cp
	return nil
}

// Get retrieves a session by ID.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*session.Context, error) {
	s.mu.RLock()
	sc, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrSessionNotFound
	}

	cp := *sc
	return &cp, nil
}

// Update saves changes to an existing session.
func (s *MemorySessionStore) Update(ctx context.Context, sc *session.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sc.ID]; !ok {
		return session.ErrSessionNotFound
	}

	cp := *sc
	s.sessions[sc.ID] = &cp
	return nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// List returns all stored sessions.
func (s *MemorySessionStore) List(ctx context.Context) ([]*session.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.Context, 0, len(s.sessions))
	for _, sc := range s.sessions {
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

// Size returns the number of sessions currently stored.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.Store = (*MemorySessionStore)(nil)
