package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

// fakeQuarantineChecker quarantines a fixed set of tool names.
type fakeQuarantineChecker struct {
	quarantined map[string]bool
}

func (f *fakeQuarantineChecker) IsQuarantined(toolName string) bool {
	return f.quarantined[toolName]
}

// recordingInterceptor terminates the chain and records the message it saw.
type recordingInterceptor struct {
	seen *mcp.Message
}

func (r *recordingInterceptor) Intercept(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
	r.seen = msg
	return msg, nil
}

func TestQuarantineBlocksQuarantinedTool(t *testing.T) {
	checker := &fakeQuarantineChecker{quarantined: map[string]bool{"drifted_tool": true}}
	next := &recordingInterceptor{}
	q := NewQuarantineInterceptor(checker, next, testLogger())

	msg := makeToolsCallRequest(t, 1, "drifted_tool", map[string]interface{}{"path": "/tmp/x"})
	_, err := q.Intercept(context.Background(), msg)

	var secErr *SecurityViolationError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityViolationError, got %v", err)
	}
	if !strings.Contains(secErr.Message, "drifted_tool") {
		t.Errorf("error message should name the tool, got %q", secErr.Message)
	}
	if next.seen != nil {
		t.Error("quarantined call must not reach the next interceptor")
	}
}

func TestQuarantineAllowsCleanTool(t *testing.T) {
	checker := &fakeQuarantineChecker{quarantined: map[string]bool{"drifted_tool": true}}
	next := &recordingInterceptor{}
	q := NewQuarantineInterceptor(checker, next, testLogger())

	msg := makeToolsCallRequest(t, 1, "read_file", map[string]interface{}{"path": "/tmp/x"})
	_, err := q.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.seen == nil {
		t.Error("clean call should reach the next interceptor")
	}
}

func TestQuarantinePassesThroughNonToolMessages(t *testing.T) {
	checker := &fakeQuarantineChecker{quarantined: map[string]bool{"drifted_tool": true}}
	next := &recordingInterceptor{}
	q := NewQuarantineInterceptor(checker, next, testLogger())

	msg := &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`),
		Direction: mcp.ClientToServer,
	}
	if decoded, err := mcp.DecodeMessage(msg.Raw); err == nil {
		msg.Decoded = decoded
	}

	if _, err := q.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.seen == nil {
		t.Error("non-tool message should pass through")
	}
}
