package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/safe-mcp/gateway/internal/domain/adaptive"
	"github.com/safe-mcp/gateway/internal/domain/audit"
	"github.com/safe-mcp/gateway/internal/domain/callgraph"
	"github.com/safe-mcp/gateway/internal/domain/isolation"
	"github.com/safe-mcp/gateway/internal/domain/proxy"
	"github.com/safe-mcp/gateway/internal/domain/rules"
	"github.com/safe-mcp/gateway/internal/domain/taint"
	"github.com/safe-mcp/gateway/internal/domain/technique"
	"github.com/safe-mcp/gateway/internal/domain/verdict"
	"github.com/safe-mcp/gateway/internal/service"
	"github.com/safe-mcp/gateway/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Message builders ---

func makeRequest(t testing.TB, id int64, method string, params map[string]interface{}) *mcp.Message {
	t.Helper()
	reqID, _ := jsonrpc.MakeID(float64(id))
	req := &jsonrpc.Request{ID: reqID, Method: method}
	if params != nil {
		rawParams, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = rawParams
	}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("encode %s request: %v", method, err)
	}
	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ClientToServer,
		Decoded:   req,
		Timestamp: time.Now(),
		SessionID: "sess-int",
	}
}

func makeToolCall(t testing.TB, id int64, tool string, args map[string]interface{}) *mcp.Message {
	t.Helper()
	return makeRequest(t, id, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
}

// --- Chain terminators and recorders ---

// staticResponder terminates an interceptor chain with a fixed response.
type staticResponder struct {
	raw   string
	calls int
}

func (s *staticResponder) Intercept(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
	s.calls++
	return &mcp.Message{
		Raw:       []byte(s.raw),
		Direction: mcp.ServerToClient,
		SessionID: msg.SessionID,
		Timestamp: time.Now(),
	}, nil
}

// recordingAudit captures audit records synchronously.
type recordingAudit struct {
	mu      sync.Mutex
	records []audit.AuditRecord
}

func (r *recordingAudit) Record(record audit.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordingAudit) last(t *testing.T) audit.AuditRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		t.Fatal("no audit records captured")
	}
	return r.records[len(r.records)-1]
}

// countingStats tallies decision outcomes.
type countingStats struct {
	mu         sync.Mutex
	allows     int
	warns      int
	blocks     int
	sanitized  int
	techniques []string
	tools      []string
}

func (c *countingStats) RecordAllow() {
	c.mu.Lock()
	c.allows++
	c.mu.Unlock()
}

func (c *countingStats) RecordWarn() {
	c.mu.Lock()
	c.warns++
	c.mu.Unlock()
}

func (c *countingStats) RecordBlock() {
	c.mu.Lock()
	c.blocks++
	c.mu.Unlock()
}

func (c *countingStats) RecordSanitized() {
	c.mu.Lock()
	c.sanitized++
	c.mu.Unlock()
}

func (c *countingStats) RecordTechnique(id string) {
	c.mu.Lock()
	c.techniques = append(c.techniques, id)
	c.mu.Unlock()
}

func (c *countingStats) RecordTool(tool string) {
	c.mu.Lock()
	c.tools = append(c.tools, tool)
	c.mu.Unlock()
}

// quarantineSet is a fixed quarantine list.
type quarantineSet map[string]bool

func (q quarantineSet) IsQuarantined(toolName string) bool { return q[toolName] }

// --- Pipeline assembly ---

// newDetectionService builds the real detection pipeline on the built-in
// catalogue, the way the run command wires it.
func newDetectionService(t testing.TB, opts ...service.DetectionOption) *service.DetectionService {
	t.Helper()
	return service.NewDetectionService(
		technique.NewStore(technique.Builtin()),
		rules.NewRegistry(),
		isolation.NewGate("/workspace", nil),
		taint.NewTracker(taint.WithWorkspaceRoot("/workspace")),
		callgraph.NewAnalyzer(),
		adaptive.NewEngine(),
		verdict.NewAggregator(verdict.DefaultConfig()),
		testLogger(),
		opts...,
	)
}

// inspectionPipeline is a fully wired interceptor chain ending in a
// static upstream response.
type inspectionPipeline struct {
	chain      proxy.MessageInterceptor
	audit      *recordingAudit
	stats      *countingStats
	upstream   *staticResponder
	quarantine quarantineSet
}

// newInspectionPipeline assembles Validation -> Audit -> Quarantine ->
// Inspection -> terminal, matching the production chain minus the router.
func newInspectionPipeline(t testing.TB, upstreamResponse string) *inspectionPipeline {
	t.Helper()
	logger := testLogger()

	p := &inspectionPipeline{
		audit:      &recordingAudit{},
		stats:      &countingStats{},
		upstream:   &staticResponder{raw: upstreamResponse},
		quarantine: quarantineSet{},
	}

	detection := newDetectionService(t)
	inspection := proxy.NewInspectionInterceptor(detection, p.upstream, logger)
	quarantine := proxy.NewQuarantineInterceptor(p.quarantine, inspection, logger)
	auditIcpt := proxy.NewAuditInterceptor(p.audit, p.stats, quarantine, logger)
	p.chain = proxy.NewValidationInterceptor(auditIcpt, logger)
	return p
}
