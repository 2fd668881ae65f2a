// Package outbound defines the ports the gateway core uses to reach
// the outside world: upstream MCP servers and model scoring backends.
package outbound

import (
	"context"
	"io"
)

// MCPClient connects the gateway to a single upstream MCP server.
// Implementations exist for stdio (child process) and Streamable HTTP.
type MCPClient interface {
	// Start establishes the upstream connection and returns its write
	// and read halves. Messages written to stdin go to the server;
	// stdout carries the server's responses and notifications.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the upstream terminates. A nil return means
	// the upstream exited cleanly.
	Wait() error

	// Close tears down the connection and releases resources.
	Close() error
}
