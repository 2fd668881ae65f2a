// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/safe-mcp/gateway/internal/ctxkey"
	"github.com/safe-mcp/gateway/internal/domain/session"
	"github.com/safe-mcp/gateway/internal/service"
)

// MCPProtocolVersion is the protocol revision advertised to clients.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize caps a single POST body at 1 MB.
const maxRequestBodySize = 1 << 20

// Streamable HTTP header names.
const (
	MCPSessionIDHeader       = "Mcp-Session-Id"
	MCPProtocolVersionHeader = "MCP-Protocol-Version"
)

// sessionRegistry maps session IDs to their open SSE streams. Each
// stream is a channel the POST side can push server-initiated frames
// into; DELETE tears all of a session's streams down at once.
type sessionRegistry struct {
	mu      sync.RWMutex
	streams map[string][]chan []byte
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{streams: make(map[string][]chan []byte)}
}

func (r *sessionRegistry) register(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[sessionID] = append(r.streams[sessionID], ch)
}

func (r *sessionRegistry) unregister(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := r.streams[sessionID]
	for i, c := range open {
		if c == ch {
			r.streams[sessionID] = append(open[:i], open[i+1:]...)
			break
		}
	}
	if len(r.streams[sessionID]) == 0 {
		delete(r.streams, sessionID)
	}
}

// terminate closes every stream bound to the session, reporting false
// for sessions the registry has never seen.
func (r *sessionRegistry) terminate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	open, known := r.streams[sessionID]
	if !known {
		return false
	}
	for _, ch := range open {
		close(ch)
	}
	delete(r.streams, sessionID)
	return true
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, open := range r.streams {
		for _, ch := range open {
			close(ch)
		}
	}
	r.streams = make(map[string][]chan []byte)
}

// mcpHandler dispatches Streamable HTTP traffic: POST carries JSON-RPC
// messages, GET opens an SSE stream, DELETE ends a session.
func mcpHandler(proxyService *service.ProxyService, registry *sessionRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlePost(w, r, proxyService)
		case http.MethodGet:
			handleGet(w, r, registry)
		case http.MethodDelete:
			handleDelete(w, r, registry)
		case http.MethodOptions:
			handlePreflight(w)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// readPostBody enforces the content type and size cap and returns the
// raw body. A false return means the JSON-RPC error is already written.
func readPostBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, nil, -32700, "Parse error: content type must be application/json")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, nil, -32700, "Parse error: request body too large (max 1MB)")
		} else {
			writeJSONRPCError(w, nil, -32700, "Parse error: failed to read request body")
		}
		return nil, false
	}
	if len(body) == 0 {
		writeJSONRPCError(w, nil, -32700, "Parse error: empty request body")
		return nil, false
	}
	if !json.Valid(body) {
		writeJSONRPCError(w, nil, -32700, "Parse error: invalid JSON")
		return nil, false
	}
	return body, true
}

// handlePost feeds one JSON-RPC message through the inspected proxy
// loop and writes the matching response.
func handlePost(w http.ResponseWriter, r *http.Request, proxyService *service.ProxyService) {
	body, ok := readPostBody(w, r)
	if !ok {
		return
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Valid JSON, but a scalar or array rather than an object.
		writeJSONRPCError(w, nil, -32600, "Invalid Request: request must be a JSON object")
		return
	}
	if envelope.JSONRPC != "2.0" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing or invalid jsonrpc version (must be \"2.0\")")
		return
	}
	if envelope.Method == "" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing method field")
		return
	}

	// Resolve the session before the proxy runs so inspection state is
	// keyed to it. Established clients carry the ID in the header; an
	// initialize without one gets a freshly minted ID. Clients such as
	// rmcp refuse to continue without it.
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" && envelope.Method == "initialize" {
		if sid, err := session.GenerateSessionID(); err == nil {
			sessionID = sid
		}
	}

	// The proxy loop speaks line-delimited JSON on both sides, so the
	// single HTTP message is bridged through in-memory buffers.
	in := bytes.NewReader(append(body, '\n'))
	out := &bytes.Buffer{}

	ctx := r.Context()
	if sessionID != "" {
		ctx = context.WithValue(ctx, ctxkey.SessionKey{}, sessionID)
	}
	if err := proxyService.Run(ctx, in, out); err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing to write.
			return
		}
		writeJSONRPCError(w, nil, -32603, "Internal error")
		return
	}

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	if sessionID != "" {
		w.Header().Set(MCPSessionIDHeader, sessionID)
	}

	// Notifications carry no id and get 202 Accepted with no body.
	if envelope.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	response := bytes.TrimSuffix(out.Bytes(), []byte("\n"))

	// The proxy may have emitted progress notifications ahead of the
	// final result; keep only the message answering this request.
	if len(envelope.ID) > 0 {
		response = responseMatchingID(response, envelope.ID)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// responseMatchingID picks the JSON-RPC message whose id equals wantID
// out of a possibly multi-line buffer. Falls back to the first
// non-empty line, then to the buffer itself.
func responseMatchingID(buffer []byte, wantID json.RawMessage) []byte {
	var whole struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(buffer, &whole) == nil && bytes.Equal(whole.ID, wantID) {
		return buffer
	}

	var fallback []byte
	for _, line := range bytes.Split(buffer, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if fallback == nil {
			fallback = line
		}
		var candidate struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(line, &candidate) == nil && bytes.Equal(candidate.ID, wantID) {
			return line
		}
	}

	if fallback != nil {
		return fallback
	}
	return buffer
}

// handleGet opens the SSE stream a client uses to receive
// server-initiated messages for its session.
func handleGet(w http.ResponseWriter, r *http.Request, registry *sessionRegistry) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)

	events := make(chan []byte, 100)
	registry.register(sessionID, events)
	defer registry.unregister(sessionID, events)

	_, _ = fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-events:
			if !open {
				// Session terminated from the DELETE side.
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// handleDelete ends a session, closing its SSE streams.
func handleDelete(w http.ResponseWriter, r *http.Request, registry *sessionRegistry) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	if !registry.terminate(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePreflight answers CORS preflight.
func handlePreflight(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// jsonRPCError is the wire shape of a JSON-RPC 2.0 error response.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSONRPCError emits a JSON-RPC error. Transport-level failures
// still use HTTP 200; the error lives in the JSON-RPC envelope.
func writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCErrorField{Code: code, Message: message},
	})
}

// healthHandler is the fallback /health when no checker is wired.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
