// Package proxy contains the core domain logic for the MCP gateway.
package proxy

import (
	"context"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

// MessageInterceptor is one stage of the message pipeline. An
// implementation returns the message to forward, possibly modified,
// or an error to reject it. Stages wrap each other, so each calls the
// next itself.
type MessageInterceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// PassthroughInterceptor terminates a chain by forwarding everything
// untouched. Tests also use it as a stand-in stage.
type PassthroughInterceptor struct{}

// NewPassthroughInterceptor creates a PassthroughInterceptor.
func NewPassthroughInterceptor() *PassthroughInterceptor {
	return &PassthroughInterceptor{}
}

func (i *PassthroughInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return msg, nil
}

var _ MessageInterceptor = (*PassthroughInterceptor)(nil)
