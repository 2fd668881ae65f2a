package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

// QuarantineChecker reports whether a tool is currently quarantined.
// Implemented by the tool security service.
type QuarantineChecker interface {
	IsQuarantined(toolName string) bool
}

// QuarantineInterceptor blocks calls to quarantined tools before any
// inspection budget is spent on them. Quarantine is set by schema drift
// detection or by the operator and persists across restarts.
type QuarantineInterceptor struct {
	checker QuarantineChecker
	next    MessageInterceptor
	logger  *slog.Logger
}

// NewQuarantineInterceptor creates a QuarantineInterceptor wrapping next.
func NewQuarantineInterceptor(checker QuarantineChecker, next MessageInterceptor, logger *slog.Logger) *QuarantineInterceptor {
	return &QuarantineInterceptor{
		checker: checker,
		next:    next,
		logger:  logger,
	}
}

// Intercept rejects tools/call requests naming a quarantined tool.
// All other messages pass through.
func (q *QuarantineInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction != mcp.ClientToServer || !msg.IsToolCall() {
		return q.next.Intercept(ctx, msg)
	}

	tool := msg.ToolName()
	if tool != "" && q.checker.IsQuarantined(tool) {
		q.logger.Warn("quarantined tool call rejected",
			"tool", tool,
			"session_id", msg.SessionID,
		)
		return nil, &SecurityViolationError{
			Message: fmt.Sprintf("tool %q is quarantined", tool),
		}
	}

	return q.next.Intercept(ctx, msg)
}
