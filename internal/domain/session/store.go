package session

import (
	"context"
	"errors"
)

// Store provides session persistence.
// This interface is defined in the domain to avoid circular imports.
type Store interface {
	// Create stores a new session context.
	Create(ctx context.Context, sc *Context) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Context, error)

	// Update saves changes to an existing session.
	Update(ctx context.Context, sc *Context) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// List returns all stored sessions.
	List(ctx context.Context) ([]*Context, error)
}

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")
