// Package proxy contains the core domain logic for the MCP gateway.
package proxy

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

// JSON-RPC error codes the router emits.
const (
	// ErrCodeMethodNotFound covers calls to tools no upstream exposes.
	ErrCodeMethodNotFound int64 = -32601
	// ErrCodeInternal covers failed upstream exchanges.
	ErrCodeInternal int64 = -32603
	// ErrCodeNoUpstreams signals that no upstream is reachable at all.
	ErrCodeNoUpstreams int64 = -32000
)

// Scanner buffer sizing for upstream response frames. Tool results can
// push a single line well past the bufio default.
const (
	linkBufInitial = 256 * 1024
	linkBufMax     = 1024 * 1024
)

// errCancelledByClient is the cancellation cause set when a client
// cancels an in-flight request. The eventual upstream response is
// swallowed instead of delivered.
var errCancelledByClient = errors.New("request cancelled by client")

// RoutableTool carries the subset of a discovered tool the router needs.
// Kept local to avoid an import cycle with the upstream package.
type RoutableTool struct {
	// Name is the exposed tool name clients call. May carry a
	// "server/" qualifier after a conflict rename.
	Name string
	// UpstreamTool is the bare name the owning upstream knows.
	UpstreamTool string
	// UpstreamID identifies the owning upstream.
	UpstreamID string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
}

// ToolCacheReader is the read side of the shared tool cache.
type ToolCacheReader interface {
	// GetTool resolves an exposed tool name.
	GetTool(name string) (*RoutableTool, bool)
	// GetAllTools lists every discovered tool across upstreams.
	GetAllTools() []*RoutableTool
}

// UpstreamConnectionProvider hands out live upstream pipes. The
// UpstreamManager satisfies this.
type UpstreamConnectionProvider interface {
	// GetConnection returns the stdin writer and stdout reader for an upstream.
	GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error)
	// AllConnected reports whether at least one upstream is up.
	AllConnected() bool
}

// UpstreamRouter is the innermost interceptor: it resolves which
// upstream owns a request and performs the exchange. tools/list is
// aggregated locally, initialize is answered locally. Each upstream's
// pipes are owned by a single link that serializes writes and
// correlates responses back to the issuing request by id, so
// interleaved server notifications and concurrent callers cannot steal
// each other's frames.
type UpstreamRouter struct {
	toolCache ToolCacheReader
	conns     UpstreamConnectionProvider
	lifecycle *Lifecycle
	logger    *slog.Logger

	linkMu sync.Mutex
	links  map[string]*upstreamLink

	// inflight indexes pending exchanges by canonical request id so a
	// notifications/cancelled frame can abort them.
	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

type inflightCall struct {
	cancel context.CancelCauseFunc
	link   *upstreamLink
}

// NewUpstreamRouter creates an UpstreamRouter. lifecycle may be nil,
// which disables handshake enforcement.
func NewUpstreamRouter(cache ToolCacheReader, conns UpstreamConnectionProvider, lifecycle *Lifecycle, logger *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{
		toolCache: cache,
		conns:     conns,
		lifecycle: lifecycle,
		logger:    logger,
		links:     make(map[string]*upstreamLink),
		inflight:  make(map[string]*inflightCall),
	}
}

var _ MessageInterceptor = (*UpstreamRouter)(nil)

// Intercept dispatches a client request by method. Responses travelling
// back toward the client are not routed. A nil, nil return means the
// message was consumed and produces no frame at all, the case for
// client notifications.
func (r *UpstreamRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	method := msg.Method()

	if r.lifecycle != nil {
		if err := r.lifecycle.CheckMethod(method); err != nil {
			return nil, err
		}
	}

	switch method {
	case "initialize":
		return r.answerInitialize(msg)
	case "notifications/initialized", "initialized":
		if r.lifecycle != nil {
			if err := r.lifecycle.OnInitialized(); err != nil {
				r.logger.Warn("unexpected initialized notification", "error", err)
			}
		}
		if msg.IsNotification() {
			return nil, nil
		}
		// Some clients send initialized as a request and expect an ack.
		return r.resultReply(msg, map[string]any{})
	case "ping":
		return r.resultReply(msg, map[string]any{})
	case "notifications/cancelled":
		return r.handleCancelled(msg)
	}

	// Upstreams never answer notifications; forwarding is fire-and-forget
	// and no frame flows back to the client.
	if msg.IsNotification() {
		r.forwardNotification(msg)
		return nil, nil
	}

	if !r.conns.AllConnected() {
		r.logger.Warn("no upstreams available")
		return r.errorReply(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
	}

	switch method {
	case "tools/list":
		return r.aggregateToolsList(msg)
	case "tools/call":
		return r.routeToolCall(ctx, msg)
	default:
		return r.forwardDefault(ctx, msg)
	}
}

// Close tears down every upstream link, failing their pending waiters.
func (r *UpstreamRouter) Close() error {
	r.linkMu.Lock()
	defer r.linkMu.Unlock()
	for id, l := range r.links {
		l.close()
		delete(r.links, id)
	}
	return nil
}

// aggregateToolsList answers tools/list from the cache, merging every
// upstream's tools into one deterministic listing.
func (r *UpstreamRouter) aggregateToolsList(msg *mcp.Message) (*mcp.Message, error) {
	discovered := r.toolCache.GetAllTools()
	slices.SortFunc(discovered, func(a, b *RoutableTool) int {
		return cmp.Compare(a.Name, b.Name)
	})

	// Non-nil so an empty listing serializes as [].
	entries := make([]listedToolEntry, 0, len(discovered))
	for _, t := range discovered {
		entries = append(entries, listedToolEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return r.resultReply(msg, toolListingPayload{Tools: entries})
}

// routeToolCall resolves the owning upstream for a tools/call and
// performs the exchange against it.
func (r *UpstreamRouter) routeToolCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	toolName := toolNameFromParams(msg)
	if toolName == "" {
		r.logger.Warn("tools/call missing tool name")
		return r.errorReply(msg, ErrCodeMethodNotFound, "Tool not found: (empty name)"), nil
	}

	tool, found := r.toolCache.GetTool(toolName)
	if !found {
		r.logger.Warn("tool not found", "tool", toolName)
		return r.errorReply(msg, ErrCodeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName)), nil
	}

	r.logger.Debug("routing tools/call", "tool", toolName, "upstream", tool.UpstreamID)

	link, err := r.link(tool.UpstreamID)
	if err != nil {
		r.logger.Error("upstream connection failed", "upstream", tool.UpstreamID, "error", err)
		return r.errorReply(msg, ErrCodeInternal, fmt.Sprintf("Upstream unavailable: %s", tool.UpstreamID)), nil
	}

	// A conflict-renamed tool must be called upstream under its bare name.
	if tool.UpstreamTool != "" && tool.UpstreamTool != toolName {
		msg, err = withUpstreamToolName(msg, tool.UpstreamTool)
		if err != nil {
			r.logger.Error("tool name rewrite failed", "tool", toolName, "error", err)
			return r.errorReply(msg, ErrCodeInternal, "Request processing error"), nil
		}
	}

	return r.exchange(ctx, link, msg)
}

// answerInitialize completes the MCP handshake locally, advertising the
// gateway's own identity and capabilities.
func (r *UpstreamRouter) answerInitialize(msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("handling initialize locally")

	if r.lifecycle != nil {
		protocolVersion, clientName, clientVersion := clientInfoFromParams(msg)
		if err := r.lifecycle.OnInitialize(protocolVersion, clientName, clientVersion); err != nil {
			return r.errorReply(msg, ErrCodeInternal, "Invalid initialize"), nil
		}
	}

	return r.resultReply(msg, map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "safemcp-gateway",
			"version": "1.0.0",
		},
	})
}

// handleCancelled aborts the in-flight exchange named by the
// notification's requestId. The aborted request's eventual upstream
// response is swallowed: it is logged for the audit trail but never
// delivered to the client. The notification itself is relayed to the
// owning upstream so it can stop work.
func (r *UpstreamRouter) handleCancelled(msg *mcp.Message) (*mcp.Message, error) {
	params := msg.ParseParams()
	if params == nil {
		return nil, nil
	}
	rawID, err := json.Marshal(params["requestId"])
	if err != nil {
		return nil, nil
	}
	id := canonicalRawID(rawID)
	if id == "" {
		return nil, nil
	}

	r.inflightMu.Lock()
	entry := r.inflight[id]
	r.inflightMu.Unlock()

	if entry == nil {
		r.logger.Debug("cancellation for unknown request", "request_id", id)
		return nil, nil
	}

	r.logger.Info("client cancelled in-flight request", "request_id", id)
	entry.cancel(errCancelledByClient)

	if err := entry.link.send(framed(msg.Raw)); err != nil {
		r.logger.Debug("failed to relay cancellation upstream", "request_id", id, "error", err)
	}
	return nil, nil
}

// forwardNotification relays a client notification to the default
// upstream without awaiting a reply. Undeliverable notifications are
// dropped; there is no reply channel to report them on.
func (r *UpstreamRouter) forwardNotification(msg *mcp.Message) {
	link, err := r.defaultLink()
	if err != nil {
		r.logger.Debug("dropping client notification, no upstream", "method", msg.Method(), "error", err)
		return
	}
	if err := link.send(framed(msg.Raw)); err != nil {
		r.logger.Warn("failed to forward notification", "method", msg.Method(), "error", err)
	}
}

// forwardDefault sends methods without routing rules to whichever
// upstream is reachable, preferring one that owns tools.
func (r *UpstreamRouter) forwardDefault(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("forwarding message to upstream", "method", msg.Method())

	link, err := r.defaultLink()
	if err != nil {
		r.logger.Error("no upstream available for forwarding", "method", msg.Method(), "error", err)
		return r.errorReply(msg, ErrCodeNoUpstreams, "No upstream available"), nil
	}

	return r.exchange(ctx, link, msg)
}

// defaultLink picks the upstream unrouted traffic goes to: the first
// tool-owning upstream, else the "primary" single-upstream registration.
func (r *UpstreamRouter) defaultLink() (*upstreamLink, error) {
	if discovered := r.toolCache.GetAllTools(); len(discovered) > 0 {
		link, err := r.link(discovered[0].UpstreamID)
		if err == nil {
			return link, nil
		}
		r.logger.Error("upstream connection failed", "upstream", discovered[0].UpstreamID, "error", err)
	}
	return r.link("primary")
}

// link returns the live link for an upstream, building one around the
// manager's current pipes when none exists or the previous link's
// reader terminated after a reconnect.
func (r *UpstreamRouter) link(upstreamID string) (*upstreamLink, error) {
	stdin, stdout, err := r.conns.GetConnection(upstreamID)
	if err != nil {
		return nil, err
	}

	r.linkMu.Lock()
	defer r.linkMu.Unlock()

	if l, ok := r.links[upstreamID]; ok && l.stdout == stdout && !l.failed() {
		return l, nil
	}

	l := newUpstreamLink(stdin, stdout, r.logger.With("upstream", upstreamID))
	r.links[upstreamID] = l
	return l, nil
}

// exchange sends one frame to the upstream through its link. Calls
// await the response matching their id; notifications return
// immediately with no frame.
func (r *UpstreamRouter) exchange(ctx context.Context, link *upstreamLink, msg *mcp.Message) (*mcp.Message, error) {
	frame := framed(msg.Raw)
	if len(frame) == 1 {
		return nil, fmt.Errorf("empty message to forward")
	}

	id := canonicalRawID(msg.RawID())
	if id == "" {
		if err := link.send(frame); err != nil {
			return nil, fmt.Errorf("writing to upstream: %w", err)
		}
		return nil, nil
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.trackInflight(id, cancel, link)
	defer r.untrackInflight(id)

	raw, err := link.call(callCtx, id, frame)
	if err != nil {
		if errors.Is(context.Cause(callCtx), errCancelledByClient) {
			r.logger.Info("request cancelled, response will be swallowed", "request_id", id)
			return nil, nil
		}
		return nil, fmt.Errorf("upstream exchange: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		SessionID: msg.SessionID,
		Timestamp: time.Now(),
	}, nil
}

func (r *UpstreamRouter) trackInflight(id string, cancel context.CancelCauseFunc, link *upstreamLink) {
	r.inflightMu.Lock()
	r.inflight[id] = &inflightCall{cancel: cancel, link: link}
	r.inflightMu.Unlock()
}

func (r *UpstreamRouter) untrackInflight(id string) {
	r.inflightMu.Lock()
	delete(r.inflight, id)
	r.inflightMu.Unlock()
}

// upstreamLink owns one upstream's pipes. Writes are serialized under a
// mutex; a single reader goroutine dispatches each response frame to
// the waiter registered under its id. Frames carrying a method are
// server-initiated traffic, not responses, and are discarded.
type upstreamLink struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan []byte
	swallow map[string]bool
	done    bool
	readErr error
}

func newUpstreamLink(stdin io.WriteCloser, stdout io.ReadCloser, logger *slog.Logger) *upstreamLink {
	l := &upstreamLink{
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger,
		waiters: make(map[string]chan []byte),
		swallow: make(map[string]bool),
	}
	go l.readLoop()
	return l
}

// send writes one newline-terminated frame under the writer lock.
func (l *upstreamLink) send(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stdin.Write(frame); err != nil {
		return fmt.Errorf("writing to upstream: %w", err)
	}
	return nil
}

// call registers a waiter for id, sends the frame, and blocks until the
// matching response arrives or ctx is done. A cancelled call moves its
// id to the swallow set so the late response is discarded, not
// delivered to a future waiter.
func (l *upstreamLink) call(ctx context.Context, id string, frame []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	l.mu.Lock()
	if l.done {
		err := l.readErr
		l.mu.Unlock()
		return nil, fmt.Errorf("upstream connection lost: %w", err)
	}
	if _, exists := l.waiters[id]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("request id %s already in flight to this upstream", id)
	}
	l.waiters[id] = ch
	l.mu.Unlock()

	if err := l.send(frame); err != nil {
		l.mu.Lock()
		delete(l.waiters, id)
		l.mu.Unlock()
		return nil, err
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, errors.New("upstream closed connection without response")
		}
		return raw, nil
	case <-ctx.Done():
		l.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon converts a waiter into a swallow entry after cancellation or
// timeout.
func (l *upstreamLink) abandon(id string) {
	l.mu.Lock()
	if _, exists := l.waiters[id]; exists {
		delete(l.waiters, id)
		l.swallow[id] = true
	}
	l.mu.Unlock()
}

func (l *upstreamLink) failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// close tears the link down, ending the reader goroutine.
func (l *upstreamLink) close() {
	_ = l.stdin.Close()
	_ = l.stdout.Close()
}

// readLoop is the link's single reader: it correlates each frame to the
// waiter registered under the frame's id. Server-initiated requests and
// notifications carry a method member and are discarded; responses for
// cancelled requests are swallowed with an audit log line.
func (l *upstreamLink) readLoop() {
	scanner := bufio.NewScanner(l.stdout)
	scanner.Buffer(make([]byte, 0, linkBufInitial), linkBufMax)

	for scanner.Scan() {
		// The scanner reuses its buffer on the next Scan.
		raw := append([]byte(nil), scanner.Bytes()...)

		var head struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			l.logger.Debug("discarding undecodable upstream frame", "error", err)
			continue
		}
		if head.Method != "" {
			l.logger.Debug("discarding server-initiated frame", "method", head.Method)
			continue
		}

		id := canonicalRawID(head.ID)
		if id == "" {
			l.logger.Debug("discarding upstream frame without id")
			continue
		}

		l.mu.Lock()
		if l.swallow[id] {
			delete(l.swallow, id)
			l.mu.Unlock()
			l.logger.Info("swallowed response for cancelled request", "request_id", id)
			continue
		}
		ch, ok := l.waiters[id]
		if ok {
			delete(l.waiters, id)
		}
		l.mu.Unlock()

		if !ok {
			l.logger.Debug("discarding unmatched upstream response", "request_id", id)
			continue
		}
		ch <- raw
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	l.fail(err)
}

// fail marks the link dead and releases every pending waiter.
func (l *upstreamLink) fail(err error) {
	l.mu.Lock()
	l.done = true
	l.readErr = err
	for id, ch := range l.waiters {
		delete(l.waiters, id)
		close(ch)
	}
	l.mu.Unlock()
}

// framed returns the frame newline-terminated, copying when it has to
// append so the caller's bytes are never mutated.
func framed(raw []byte) []byte {
	if len(raw) > 0 && raw[len(raw)-1] == '\n' {
		return raw
	}
	return append(append(make([]byte, 0, len(raw)+1), raw...), '\n')
}

// canonicalRawID normalizes a raw JSON id so "42" and " 42" key the
// same waiter. Returns "" for absent or null ids.
func canonicalRawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if v == nil {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// withUpstreamToolName returns a copy of the message whose params.name
// carries the upstream's bare tool name.
func withUpstreamToolName(msg *mcp.Message, name string) (*mcp.Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal(envelope["params"], &params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	params["name"] = name

	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	envelope["params"] = encodedParams

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: msg.Direction,
		SessionID: msg.SessionID,
		Timestamp: msg.Timestamp,
	}, nil
}

func toolNameFromParams(msg *mcp.Message) string {
	params := msg.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// clientInfoFromParams pulls protocolVersion and clientInfo from an
// initialize request. Missing fields come back empty.
func clientInfoFromParams(msg *mcp.Message) (protocolVersion, name, version string) {
	params := msg.ParseParams()
	if params == nil {
		return "", "", ""
	}
	protocolVersion, _ = params["protocolVersion"].(string)
	if info, ok := params["clientInfo"].(map[string]interface{}); ok {
		name, _ = info["name"].(string)
		version, _ = info["version"].(string)
	}
	return protocolVersion, name, version
}

// errorReply builds a JSON-RPC error frame flowing back to the client.
func (r *UpstreamRouter) errorReply(msg *mcp.Message, code int64, message string) *mcp.Message {
	frame := rpcErrorFrame{
		JSONRPC: "2.0",
		ID:      msg.RawID(),
		Error:   rpcErrorBody{Code: code, Message: message},
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("failed to marshal error response", "error", err)
		return msg
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		SessionID: msg.SessionID,
		Timestamp: time.Now(),
	}
}

// resultReply builds a JSON-RPC success frame flowing back to the client.
func (r *UpstreamRouter) resultReply(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	raw, err := json.Marshal(rpcResultFrame{
		JSONRPC: "2.0",
		ID:      msg.RawID(),
		Result:  encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		SessionID: msg.SessionID,
		Timestamp: time.Now(),
	}, nil
}

type rpcErrorFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   rpcErrorBody    `json:"error"`
}

type rpcErrorBody struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type rpcResultFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type listedToolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolListingPayload struct {
	Tools []listedToolEntry `json:"tools"`
}
