package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/audit"
	"github.com/safe-mcp/gateway/pkg/mcp"
)

// AuditRecorder records audit events.
// This interface is satisfied by AuditService.
type AuditRecorder interface {
	Record(record audit.AuditRecord)
}

// StatsRecorder records decision statistics.
type StatsRecorder interface {
	RecordAllow()
	RecordWarn()
	RecordBlock()
	RecordSanitized()
	RecordTechnique(id string)
	RecordTool(tool string)
}

// AuditInterceptor logs tool call verdicts to the audit system.
// It wraps the InspectionInterceptor to capture allow/warn/block outcomes.
// Chain order: Validation -> Audit -> Inspection -> Router
type AuditInterceptor struct {
	recorder AuditRecorder
	stats    StatsRecorder // optional, may be nil
	next     MessageInterceptor
	logger   *slog.Logger
}

// NewAuditInterceptor creates a new AuditInterceptor.
func NewAuditInterceptor(
	recorder AuditRecorder,
	stats StatsRecorder,
	next MessageInterceptor,
	logger *slog.Logger,
) *AuditInterceptor {
	return &AuditInterceptor{
		recorder: recorder,
		stats:    stats,
		next:     next,
		logger:   logger,
	}
}

// Intercept records tool call verdicts and passes messages to the next interceptor.
// Non-tool-call messages are passed through without audit logging.
func (a *AuditInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Only audit tool calls
	if msg.Direction != mcp.ClientToServer || !msg.IsToolCall() {
		return a.next.Intercept(ctx, msg)
	}

	// Record start time for latency measurement
	startTime := time.Now()

	// Create verdict holder in context for the inspection interceptor.
	ctx, holder := audit.NewVerdictContext(ctx)

	result, err := a.next.Intercept(ctx, msg)

	// Record stats if a stats recorder is available
	if a.stats != nil {
		var secErr *SecurityViolationError
		switch {
		case errors.As(err, &secErr):
			a.stats.RecordBlock()
		case err != nil:
			a.stats.RecordBlock()
		case holder.Sanitized:
			a.stats.RecordSanitized()
		case holder.Decision == audit.DecisionWarn:
			a.stats.RecordWarn()
		default:
			a.stats.RecordAllow()
		}
		if tool := msg.ToolName(); tool != "" {
			a.stats.RecordTool(tool)
		}
		for _, id := range holder.MatchedTechniques {
			a.stats.RecordTechnique(id)
		}
	}

	record := a.buildAuditRecord(msg, holder, startTime, err)

	// Record asynchronously (non-blocking)
	a.recorder.Record(record)

	a.logger.Debug("audit recorded",
		"tool", record.ToolName,
		"decision", record.Decision,
		"latency_us", record.LatencyMicros,
	)

	// Return original result and error unchanged
	return result, err
}

// buildAuditRecord creates an AuditRecord from the message, the verdict
// holder and the chain outcome.
func (a *AuditInterceptor) buildAuditRecord(msg *mcp.Message, holder *audit.VerdictHolder, startTime time.Time, err error) audit.AuditRecord {
	record := audit.AuditRecord{
		Timestamp:     startTime,
		LatencyMicros: time.Since(startTime).Microseconds(),
		SessionID:     msg.SessionID,
		Direction:     "request",
		Method:        msg.Method(),
	}

	record.ToolName = msg.ToolName()
	record.ToolArguments = audit.RedactSensitiveArgs(msg.ToolArguments())

	// Verdict from the inspection layer, when it ran.
	record.Decision = holder.Decision
	record.Severity = holder.Severity
	record.Score = holder.Score
	record.MatchedTechniques = holder.MatchedTechniques
	record.Evidence = holder.Evidence
	record.Mitigations = holder.Mitigations
	record.Adjustments = holder.Adjustments
	record.Reason = holder.Reason
	record.Sanitized = holder.Sanitized
	record.TaintLevel = holder.TaintLevel

	if record.Decision == "" {
		if err == nil {
			record.Decision = audit.DecisionAllow
		} else {
			record.Decision = audit.DecisionBlock
			record.Reason = err.Error()
		}
	}

	record.RequestID = a.extractRequestID(msg)

	return record
}

// extractRequestID gets the JSON-RPC request ID for correlation.
func (a *AuditInterceptor) extractRequestID(msg *mcp.Message) string {
	req := msg.Request()
	if req == nil {
		return ""
	}

	// ID.Raw() returns the underlying value (string, float64, or nil)
	id := req.ID.Raw()
	if id == nil {
		return ""
	}

	return fmt.Sprintf("%v", id)
}

// Compile-time check that AuditInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*AuditInterceptor)(nil)
