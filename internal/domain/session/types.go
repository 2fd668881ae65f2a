// Package session tracks per-connection gateway sessions across MCP
// tool calls. Taint, call-graph, and adaptive state are keyed by the
// session IDs managed here.
package session

import (
	"time"
)

// Context tracks one gateway session: a client connection and the
// per-session analysis state that hangs off it.
type Context struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string
	// UserID identifies the caller, when known. Empty for anonymous
	// stdio sessions.
	UserID string
	// ClientName is the client implementation name from the initialize
	// handshake, when present.
	ClientName string
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// LastActivity is the last time a request passed through (UTC).
	LastActivity time.Time
	// RequestCount is the number of requests inspected in this session.
	RequestCount int64
}

// IdleFor reports how long the session has been inactive as of now.
func (c *Context) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}

// IsIdle checks whether the session has exceeded the inactivity timeout.
func (c *Context) IsIdle(timeout time.Duration) bool {
	return time.Now().UTC().Sub(c.LastActivity) > timeout
}

// Touch updates LastActivity and bumps the request counter.
func (c *Context) Touch() {
	c.LastActivity = time.Now().UTC()
	c.RequestCount++
}
