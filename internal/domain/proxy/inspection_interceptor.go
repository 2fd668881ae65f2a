package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/audit"
	"github.com/safe-mcp/gateway/internal/domain/verdict"
	"github.com/safe-mcp/gateway/pkg/mcp"
)

// SanitizedContent replaces a tool result that failed response
// inspection. The original JSON-RPC id is preserved so the client's
// request still completes.
const SanitizedContent = "[CONTENT SANITIZED: Potential security threat detected in tool output]"

// RequestInfo carries the extracted request content handed to the
// security inspector.
type RequestInfo struct {
	SessionID string
	Method    string
	ToolName  string
	Arguments map[string]interface{}
	// Text is the flattened argument text fed to the analyzers.
	Text string
}

// ResponseInfo carries a tool result for re-inspection.
type ResponseInfo struct {
	SessionID string
	ToolName  string
	// RequestText is the original request text, used to link data flow.
	RequestText string
	// Text is the flattened result content.
	Text string
}

// SecurityInspector runs the detection pipeline over message content
// and returns the aggregated verdict. Implemented by the detection
// service.
type SecurityInspector interface {
	InspectRequest(ctx context.Context, info RequestInfo) verdict.Aggregate
	InspectResponse(ctx context.Context, info ResponseInfo) verdict.Aggregate
}

// InspectionInterceptor runs security inspection around the router.
// Requests are inspected before forwarding; blocked requests never
// reach an upstream. Tool results are re-inspected on the way back and
// replaced with a sanitized placeholder when they fail.
type InspectionInterceptor struct {
	inspector SecurityInspector
	next      MessageInterceptor
	logger    *slog.Logger
}

// NewInspectionInterceptor creates an InspectionInterceptor wrapping next.
func NewInspectionInterceptor(inspector SecurityInspector, next MessageInterceptor, logger *slog.Logger) *InspectionInterceptor {
	return &InspectionInterceptor{
		inspector: inspector,
		next:      next,
		logger:    logger,
	}
}

// Intercept inspects tool calls and their results. Non-tool messages
// pass through uninspected; the router and validator already bound
// what they can carry.
func (i *InspectionInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction != mcp.ClientToServer || !msg.IsToolCall() {
		return i.next.Intercept(ctx, msg)
	}

	info := i.extractRequestInfo(msg)

	agg := i.inspector.InspectRequest(ctx, info)
	i.recordVerdict(ctx, agg, false)

	switch agg.Action {
	case verdict.ActionBlock:
		i.logger.Warn("tool call blocked",
			"tool", info.ToolName,
			"session_id", info.SessionID,
			"techniques", agg.MatchedTechniques,
			"severity", agg.Severity,
		)
		return nil, &SecurityViolationError{Message: agg.Reason, Data: agg}
	case verdict.ActionWarn:
		i.logger.Warn("tool call flagged",
			"tool", info.ToolName,
			"session_id", info.SessionID,
			"techniques", agg.MatchedTechniques,
		)
	}

	resp, err := i.next.Intercept(ctx, msg)
	if err != nil || resp == nil {
		return resp, err
	}

	return i.inspectResponse(ctx, msg, resp, info)
}

// inspectResponse re-runs detection over the tool result and replaces
// it with the sanitized placeholder when it fails.
func (i *InspectionInterceptor) inspectResponse(ctx context.Context, req, resp *mcp.Message, info RequestInfo) (*mcp.Message, error) {
	resultText := extractResultText(resp)
	if resultText == "" {
		return resp, nil
	}

	agg := i.inspector.InspectResponse(ctx, ResponseInfo{
		SessionID:   info.SessionID,
		ToolName:    info.ToolName,
		RequestText: info.Text,
		Text:        resultText,
	})

	if agg.Action != verdict.ActionBlock {
		return resp, nil
	}

	i.logger.Warn("tool result sanitized",
		"tool", info.ToolName,
		"session_id", info.SessionID,
		"techniques", agg.MatchedTechniques,
	)
	i.recordVerdict(ctx, agg, true)

	return sanitizeResponse(resp), nil
}

// recordVerdict fills the context verdict holder for the audit layer.
func (i *InspectionInterceptor) recordVerdict(ctx context.Context, agg verdict.Aggregate, sanitized bool) {
	holder := audit.VerdictFromContext(ctx)
	if holder == nil {
		return
	}
	holder.Decision = string(agg.Action)
	holder.Severity = string(agg.Severity)
	holder.Score = agg.Score
	holder.MatchedTechniques = agg.MatchedTechniques
	holder.Evidence = agg.Evidence
	holder.Mitigations = agg.Mitigations
	holder.Adjustments = agg.Adjustments
	holder.Reason = agg.Reason
	if sanitized {
		holder.Sanitized = true
		holder.Decision = string(verdict.ActionWarn)
	}
}

// extractRequestInfo pulls the tool name and flattened argument text
// from a tools/call request.
func (i *InspectionInterceptor) extractRequestInfo(msg *mcp.Message) RequestInfo {
	info := RequestInfo{
		SessionID: msg.SessionID,
		Method:    msg.Method(),
	}
	params := msg.ParseParams()
	if params == nil {
		return info
	}
	info.ToolName, _ = params["name"].(string)
	if args, ok := params["arguments"].(map[string]interface{}); ok {
		info.Arguments = args
		if text, err := json.Marshal(args); err == nil {
			info.Text = string(text)
		}
	}
	return info
}

// extractResultText flattens a tool result's text content blocks.
func extractResultText(msg *mcp.Message) string {
	var envelope struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return ""
	}

	var out string
	for _, c := range envelope.Result.Content {
		if c.Type == "text" && c.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}

// sanitizeResponse builds a replacement result carrying the sanitized
// placeholder under the original response id.
func sanitizeResponse(resp *mcp.Message) *mcp.Message {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"result": map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": SanitizedContent},
			},
			"isError": false,
		},
	}
	if rawID := resp.RawID(); rawID != nil {
		body["id"] = json.RawMessage(rawID)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return resp
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		SessionID: resp.SessionID,
		Timestamp: time.Now(),
	}
}

// Compile-time check that InspectionInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*InspectionInterceptor)(nil)
