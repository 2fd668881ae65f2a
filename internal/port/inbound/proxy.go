// Package inbound defines the ports through which clients drive the
// gateway. The stdio and HTTP transports both speak this interface.
package inbound

import (
	"context"
)

// ProxyService runs the inspected message loop between a client and
// the routed upstreams.
type ProxyService interface {
	// Start runs the proxy loop until the context is cancelled or a
	// fatal transport error occurs. Graceful shutdown returns nil.
	Start(ctx context.Context) error

	// Close shuts the proxy down and releases its resources.
	Close() error
}
