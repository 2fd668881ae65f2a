package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// MemoryUpstreamStore keeps upstream configuration in a map guarded by
// a RWMutex. Everything that crosses the store boundary is cloned, so
// callers can never mutate stored state through a returned pointer.
type MemoryUpstreamStore struct {
	upstreams map[string]*upstream.Upstream
	mu        sync.RWMutex
}

// NewUpstreamStore creates an empty in-memory upstream store.
func NewUpstreamStore() *MemoryUpstreamStore {
	return &MemoryUpstreamStore{
		upstreams: make(map[string]*upstream.Upstream),
	}
}

// List returns clones of all stored upstreams, in no particular order.
func (s *MemoryUpstreamStore) List(ctx context.Context) ([]upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]upstream.Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		result = append(result, *cloneUpstream(u))
	}
	return result, nil
}

// Get returns a clone of the upstream with the given ID, or
// upstream.ErrUpstreamNotFound.
func (s *MemoryUpstreamStore) Get(ctx context.Context, id string) (*upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.upstreams[id]
	if !ok {
		return nil, upstream.ErrUpstreamNotFound
	}
	return cloneUpstream(u), nil
}

// Add stores a clone of u keyed by its ID. An existing entry with the
// same ID is overwritten; ID collisions are the caller's problem since
// IDs are UUIDs.
func (s *MemoryUpstreamStore) Add(ctx context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upstreams[u.ID] = cloneUpstream(u)
	return nil
}

// Update replaces an existing entry, or returns
// upstream.ErrUpstreamNotFound.
func (s *MemoryUpstreamStore) Update(ctx context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreams[u.ID]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	s.upstreams[u.ID] = cloneUpstream(u)
	return nil
}

// Delete removes an entry, or returns upstream.ErrUpstreamNotFound.
func (s *MemoryUpstreamStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreams[id]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	delete(s.upstreams, id)
	return nil
}

// cloneUpstream copies u including its Args slice and Env map.
func cloneUpstream(u *upstream.Upstream) *upstream.Upstream {
	c := *u
	c.Args = slices.Clone(u.Args)
	c.Env = maps.Clone(u.Env)
	return &c
}

var _ upstream.UpstreamStore = (*MemoryUpstreamStore)(nil)
