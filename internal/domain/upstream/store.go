package upstream

import (
	"context"
	"errors"
)

var (
	// ErrUpstreamNotFound is returned when no upstream has the given ID.
	ErrUpstreamNotFound = errors.New("upstream not found")
	// ErrDuplicateUpstreamName is returned when the name is already taken.
	// Names must be unique because they qualify exposed tool names.
	ErrDuplicateUpstreamName = errors.New("duplicate upstream name")
)

// UpstreamStore holds the configured upstream servers. The memory
// package provides the in-process implementation; persistence happens
// through the state store, not here.
type UpstreamStore interface {
	// List returns every configured upstream.
	List(ctx context.Context) ([]Upstream, error)
	// Get looks up an upstream by ID, returning ErrUpstreamNotFound
	// when absent.
	Get(ctx context.Context, id string) (*Upstream, error)
	// Add registers a new upstream. The name must not collide with an
	// existing one.
	Add(ctx context.Context, upstream *Upstream) error
	// Update replaces an existing upstream in full.
	Update(ctx context.Context, upstream *Upstream) error
	// Delete removes an upstream by ID.
	Delete(ctx context.Context, id string) error
}
