// Package mcp provides MCP client adapters for connecting to upstream servers.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/port/outbound"
)

type clientState int

const (
	stateNew clientState = iota
	stateStarted
	stateClosed
)

const (
	// Scanner sizing for newline-delimited JSON-RPC messages. Messages
	// over scannerMaxBufSize make the scanner fail with
	// bufio.ErrTooLong, which ends the pump.
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024

	// maxResponseBodySize caps what we read from an upstream response
	// body.
	maxResponseBodySize = 10 * 1024 * 1024
)

// HTTPClient reaches an MCP server over streamable HTTP while
// presenting the same stream-pipe interface as a stdio child process:
// the caller writes newline-delimited JSON-RPC into one pipe and reads
// responses from the other, and each written message becomes one HTTP
// POST.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string // Mcp-Session-Id negotiated with the server
	state     clientState
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	reqReader  *io.PipeReader
	reqWriter  *io.PipeWriter
	respReader *io.PipeReader
	respWriter *io.PipeWriter

	done chan struct{}
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// NewHTTPClient creates a client for the MCP server at endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		done: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start wires up the pipes and launches the request pump. The returned
// writer carries requests toward the server; the reader delivers
// responses. A closed client must not be restarted; a client that went
// through Close after a previous Start may be.
func (c *HTTPClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStarted:
		return nil, nil, errors.New("client already started")
	case stateClosed:
		return nil, nil, errors.New("client is closed, create a new instance")
	case stateNew:
	}

	c.state = stateStarted
	c.done = make(chan struct{})
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.reqReader, c.reqWriter = io.Pipe()
	c.respReader, c.respWriter = io.Pipe()

	c.wg.Add(1)
	go c.pumpRequests()

	return c.reqWriter, c.respReader, nil
}

// pumpRequests scans newline-delimited messages off the request pipe
// and POSTs each one, feeding the response back through the response
// pipe.
func (c *HTTPClient) pumpRequests() {
	defer c.wg.Done()
	defer close(c.done)
	defer func() { _ = c.respWriter.Close() }()

	scanner := bufio.NewScanner(c.reqReader)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		if c.ctx.Err() != nil {
			return
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		resp, err := c.postMessage(raw)
		if err != nil {
			c.writeRPCError(raw, err)
			continue
		}

		// Servers encoding with json.Encoder leave a trailing newline on
		// the body. Strip it so the pipe carries exactly one delimiter
		// per message; a doubled newline would desync the reader side.
		for len(resp) > 0 && resp[len(resp)-1] == '\n' {
			resp = resp[:len(resp)-1]
		}

		if _, err := c.respWriter.Write(resp); err != nil {
			return
		}
		if _, err := c.respWriter.Write([]byte("\n")); err != nil {
			return
		}
	}
}

// postMessage sends one JSON-RPC message as an HTTP POST and returns
// the response body.
func (c *HTTPClient) postMessage(body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// writeRPCError converts a transport failure into a JSON-RPC error on
// the response pipe. The message is generic; transport errors can
// carry internal URLs and must not reach the caller verbatim.
func (c *HTTPClient) writeRPCError(rawRequest []byte, err error) {
	var req struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &req)

	safeMessage := "Internal error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		safeMessage = "Request timeout"
	}

	errResp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    -32603,
			"message": safeMessage,
		},
	}
	if req.ID != nil {
		errResp["id"] = req.ID
	}

	respBytes, _ := json.Marshal(errResp)
	_, _ = c.respWriter.Write(respBytes)
	_, _ = c.respWriter.Write([]byte("\n"))
}

// Wait blocks until the pump exits. Always returns nil; there is no
// child process whose exit status could matter here.
func (c *HTTPClient) Wait() error {
	<-c.done
	return nil
}

// Close tears down the pipes and waits for the pump to drain, then
// resets the client so Start can be called again. Idempotent.
func (c *HTTPClient) Close() error {
	c.mu.Lock()

	if c.state == stateNew {
		c.mu.Unlock()
		return nil
	}

	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	// EOF the request pipe so the pump's scanner stops.
	if c.reqWriter != nil {
		if err := c.reqWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close request pipe: %w", err))
		}
	}
	if c.reqReader != nil {
		if err := c.reqReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close request pipe reader: %w", err))
		}
	}

	c.state = stateClosed
	c.mu.Unlock()

	// Wait for the pump outside the lock; it may be mid-POST.
	if c.done != nil {
		drained := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(5 * time.Second):
			errs = append(errs, errors.New("timeout waiting for goroutine"))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.respWriter != nil {
		_ = c.respWriter.Close()
	}
	if c.respReader != nil {
		if err := c.respReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close response pipe: %w", err))
		}
	}

	// Back to new so the manager can reuse this client for the next
	// connection cycle. Pipe references stay; Start replaces them.
	c.state = stateNew

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var _ outbound.MCPClient = (*HTTPClient)(nil)
