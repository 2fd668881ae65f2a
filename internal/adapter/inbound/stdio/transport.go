// Package stdio connects the proxy to the process's own stdin and
// stdout, the transport MCP clients spawn the gateway with.
package stdio

import (
	"context"
	"os"

	"github.com/safe-mcp/gateway/internal/ctxkey"
	"github.com/safe-mcp/gateway/internal/domain/session"
	"github.com/safe-mcp/gateway/internal/port/inbound"
	"github.com/safe-mcp/gateway/internal/service"
)

// StdioTransport runs the proxy over os.Stdin/os.Stdout.
type StdioTransport struct {
	proxyService *service.ProxyService
}

// NewStdioTransport creates a StdioTransport around proxyService.
func NewStdioTransport(proxyService *service.ProxyService) *StdioTransport {
	return &StdioTransport{proxyService: proxyService}
}

// Start blocks, proxying until the context is cancelled or stdin
// reaches EOF. One stdio connection is one session; its ID keys the
// inspection state for every frame on the pipe.
func (t *StdioTransport) Start(ctx context.Context) error {
	if sid, err := session.GenerateSessionID(); err == nil {
		ctx = context.WithValue(ctx, ctxkey.SessionKey{}, sid)
	}
	return t.proxyService.Run(ctx, os.Stdin, os.Stdout)
}

// Close is a no-op; stdio has nothing to release.
func (t *StdioTransport) Close() error {
	return nil
}

var _ inbound.ProxyService = (*StdioTransport)(nil)
