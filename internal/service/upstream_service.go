package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/state"
	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// UpstreamService owns the upstream configuration lifecycle: CRUD
// against the in-memory store, with every mutation written through to
// the state file so configuration survives a restart.
type UpstreamService struct {
	store      upstream.UpstreamStore
	stateStore *state.FileStateStore
	logger     *slog.Logger
	mu         sync.Mutex // serializes state writes
}

// NewUpstreamService creates an UpstreamService. stateStore may be nil
// in tests; persistence is then skipped.
func NewUpstreamService(store upstream.UpstreamStore, stateStore *state.FileStateStore, logger *slog.Logger) *UpstreamService {
	return &UpstreamService{
		store:      store,
		stateStore: stateStore,
		logger:     logger,
	}
}

// List returns all configured upstreams.
func (s *UpstreamService) List(ctx context.Context) ([]upstream.Upstream, error) {
	return s.store.List(ctx)
}

// Get returns a single upstream by ID, or upstream.ErrUpstreamNotFound.
func (s *UpstreamService) Get(ctx context.Context, id string) (*upstream.Upstream, error) {
	return s.store.Get(ctx, id)
}

// Add creates a new upstream. The service assigns the ID and
// timestamps; callers cannot pick their own. Names must be unique
// because exposed tool names are qualified by them.
func (s *UpstreamService) Add(ctx context.Context, u *upstream.Upstream) (*upstream.Upstream, error) {
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := s.checkNameUnique(ctx, u.Name, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u.ID = uuid.New().String()
	u.CreatedAt = now
	u.UpdatedAt = now

	if err := s.store.Add(ctx, u); err != nil {
		return nil, fmt.Errorf("add upstream to store: %w", err)
	}
	if err := s.persistState(ctx, "add", u.ID); err != nil {
		return nil, err
	}

	s.logger.Info("upstream added", "id", u.ID, "name", u.Name, "type", u.Type)

	return s.store.Get(ctx, u.ID)
}

// Update replaces an upstream's configuration. ID and CreatedAt are
// immutable; the name uniqueness check ignores the upstream itself.
func (s *UpstreamService) Update(ctx context.Context, id string, u *upstream.Upstream) (*upstream.Upstream, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := s.checkNameUnique(ctx, u.Name, id); err != nil {
		return nil, err
	}

	u.ID = id
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("update upstream in store: %w", err)
	}
	if err := s.persistState(ctx, "update", id); err != nil {
		return nil, err
	}

	s.logger.Info("upstream updated", "id", id, "name", u.Name)

	return s.store.Get(ctx, id)
}

// Delete removes an upstream, or returns upstream.ErrUpstreamNotFound.
func (s *UpstreamService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.persistState(ctx, "delete", id); err != nil {
		return err
	}

	s.logger.Info("upstream deleted", "id", id)
	return nil
}

// SetEnabled flips the enabled flag and returns the updated upstream.
// Disabled upstreams are skipped by the connection manager.
func (s *UpstreamService) SetEnabled(ctx context.Context, id string, enabled bool) (*upstream.Upstream, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	u.Enabled = enabled
	u.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("update upstream in store: %w", err)
	}
	if err := s.persistState(ctx, "set-enabled", id); err != nil {
		return nil, err
	}

	s.logger.Info("upstream enabled toggled", "id", id, "enabled", enabled)

	return s.store.Get(ctx, id)
}

// LoadFromState seeds the in-memory store from a persisted AppState at
// boot. Runtime status always starts as disconnected; it is never
// persisted.
func (s *UpstreamService) LoadFromState(ctx context.Context, appState *state.AppState) error {
	for i := range appState.Upstreams {
		u := upstreamFromEntry(&appState.Upstreams[i])
		if err := s.store.Add(ctx, u); err != nil {
			return fmt.Errorf("load upstream %q: %w", u.ID, err)
		}
	}

	s.logger.Info("upstreams loaded from state", "count", len(appState.Upstreams))
	return nil
}

// checkNameUnique rejects a name already held by a different upstream.
// excludeID lets an update keep its own name.
func (s *UpstreamService) checkNameUnique(ctx context.Context, name string, excludeID string) error {
	all, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams for uniqueness check: %w", err)
	}

	for _, existing := range all {
		if existing.Name == name && existing.ID != excludeID {
			return upstream.ErrDuplicateUpstreamName
		}
	}
	return nil
}

// persistState snapshots the store into the state file. action and id
// only feed the error log.
func (s *UpstreamService) persistState(ctx context.Context, action, id string) error {
	if s.stateStore == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	upstreams, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams for persistence: %w", err)
	}

	entries := make([]state.UpstreamEntry, len(upstreams))
	for i := range upstreams {
		entries[i] = entryFromUpstream(&upstreams[i])
	}

	appState, err := s.stateStore.Load()
	if err != nil {
		s.logger.Error("failed to persist state after "+action, "upstream_id", id, "error", err)
		return fmt.Errorf("load state for persistence: %w", err)
	}

	appState.Upstreams = entries

	if err := s.stateStore.Save(appState); err != nil {
		s.logger.Error("failed to persist state after "+action, "upstream_id", id, "error", err)
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

func upstreamFromEntry(e *state.UpstreamEntry) *upstream.Upstream {
	return &upstream.Upstream{
		ID:        e.ID,
		Name:      e.Name,
		Type:      upstream.UpstreamType(e.Type),
		Enabled:   e.Enabled,
		Command:   e.Command,
		Args:      e.Args,
		URL:       e.URL,
		Env:       e.Env,
		Cwd:       e.Cwd,
		Status:    upstream.StatusDisconnected,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func entryFromUpstream(u *upstream.Upstream) state.UpstreamEntry {
	return state.UpstreamEntry{
		ID:        u.ID,
		Name:      u.Name,
		Type:      string(u.Type),
		Enabled:   u.Enabled,
		Command:   u.Command,
		Args:      u.Args,
		URL:       u.URL,
		Env:       u.Env,
		Cwd:       u.Cwd,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
