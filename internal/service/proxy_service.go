// Package service contains the core proxy service implementation.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/ctxkey"
	"github.com/safe-mcp/gateway/internal/domain/proxy"
	"github.com/safe-mcp/gateway/internal/domain/session"
	"github.com/safe-mcp/gateway/internal/domain/validation"
	"github.com/safe-mcp/gateway/internal/port/outbound"
	"github.com/safe-mcp/gateway/pkg/mcp"
)

// Scanner buffer sizing for newline-delimited JSON frames. Tool
// schemas and large results can push a single line well past the
// bufio default.
const (
	pipeBufInitial = 256 * 1024
	pipeBufMax     = 1024 * 1024
)

// requestLogger returns the context-enriched logger placed there by
// the HTTP middleware (request_id, tenant_id), or nil when absent.
func requestLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// SessionRegistrar records frame activity against the session store so
// idle expiry tracks real traffic. The session tracker satisfies this.
type SessionRegistrar interface {
	Touch(ctx context.Context, sessionID string) (*session.Context, error)
}

// ProxyOption configures optional ProxyService collaborators.
type ProxyOption func(*ProxyService)

// WithSessionRegistrar makes the service register client activity
// under the connection's session ID.
func WithSessionRegistrar(r SessionRegistrar) ProxyOption {
	return func(p *ProxyService) { p.sessions = r }
}

// ProxyService shuttles messages between a client connection and the
// upstream side, running every frame through the interceptor chain.
type ProxyService struct {
	client      outbound.MCPClient
	interceptor proxy.MessageInterceptor
	sessions    SessionRegistrar
	logger      *slog.Logger
}

// NewProxyService creates a ProxyService. client may be nil; the
// service then runs in router-only mode where the interceptor chain
// is responsible for reaching upstreams.
func NewProxyService(client outbound.MCPClient, interceptor proxy.MessageInterceptor, logger *slog.Logger, opts ...ProxyOption) *ProxyService {
	p := &ProxyService{
		client:      client,
		interceptor: interceptor,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run proxies between clientIn/clientOut and the upstream until the
// context is cancelled, the client disconnects, or a pipe fails.
func (p *ProxyService) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	logger := requestLogger(ctx)
	if logger == nil {
		logger = p.logger
	}

	// Without a dedicated upstream client the router interceptor
	// answers everything, flipping message direction to ServerToClient
	// when it produces a response.
	if p.client == nil {
		logger.Debug("running in router-only mode (no direct upstream client)")
		return p.pump(ctx, clientIn, io.Discard, clientOut, mcp.ClientToServer, logger)
	}

	serverIn, serverOut, err := p.client.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start upstream server: %w", err)
	}
	defer func() { _ = p.client.Close() }()

	// parentCtx distinguishes external cancellation from the cancel we
	// issue ourselves when the server side closes.
	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Closing serverIn signals EOF to the server once the client
		// disconnects.
		defer func() { _ = serverIn.Close() }()
		if err := p.pump(ctx, clientIn, serverIn, clientOut, mcp.ClientToServer, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("client->server: %w", err)
			}
		}
		logger.Debug("client->server copy completed")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.pump(ctx, serverOut, clientOut, nil, mcp.ServerToClient, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("server->client: %w", err)
			}
		}
		logger.Debug("server->client copy completed")
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case err := <-errCh:
		cancel()
		<-done
		return err
	}

	if err := p.client.Wait(); err != nil {
		if parentCtx.Err() == nil {
			logger.Debug("upstream server exited", "error", err)
		}
	}

	// Nil on normal termination; only external cancellation surfaces.
	return parentCtx.Err()
}

// pump reads newline-delimited JSON from src, runs each frame through
// the interceptor, and writes the result to dst. For client->server
// traffic, clientOut receives error responses on rejection and final
// responses the chain produced itself; it is nil for the server->client
// direction.
func (p *ProxyService) pump(ctx context.Context, src io.Reader, dst io.Writer, clientOut io.Writer, direction mcp.Direction, logger *slog.Logger) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, pipeBufInitial), pipeBufMax)

	// The transport stamps its session ID into the context; every frame
	// on this connection belongs to it.
	sessionID, _ := ctx.Value(ctxkey.SessionKey{}).(string)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		startTime := time.Now()
		msg := decodeFrame(scanner.Bytes(), direction, sessionID, startTime, logger)

		if direction == mcp.ClientToServer && sessionID != "" && p.sessions != nil {
			if _, err := p.sessions.Touch(ctx, sessionID); err != nil {
				logger.Warn("session touch failed", "session_id", sessionID, "error", err)
			}
		}

		processedMsg, err := p.interceptor.Intercept(ctx, msg)
		if err != nil {
			logger.Error("interceptor rejected message",
				"direction", direction,
				"error", err,
			)
			// Errors on the server->client path must not loop back.
			if direction == mcp.ClientToServer && clientOut != nil {
				p.respondWithError(clientOut, msg, err, logger)
			}
			continue
		}

		// Notifications the chain consumed produce no frame at all.
		if processedMsg == nil {
			logger.Debug("message consumed by interceptor chain",
				"direction", direction,
				"method", msg.Method(),
			)
			continue
		}

		// A direction flip means the chain already produced the final
		// response (tools/list and tools/call answered from the cache);
		// it goes back to the client, not onward to the upstream.
		writeTo := dst
		if direction == mcp.ClientToServer && processedMsg.Direction == mcp.ServerToClient && clientOut != nil {
			writeTo = clientOut
		}

		if _, err := writeTo.Write(processedMsg.Raw); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if _, err := writeTo.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write newline failed: %w", err)
		}

		logger.Debug("forwarded message",
			"direction", direction,
			"method", processedMsg.Method(),
			"latency_us", time.Since(startTime).Microseconds(),
		)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}

	return nil
}

// decodeFrame wraps a raw frame in an mcp.Message and decodes it when
// possible. Undecodable frames still travel through the chain raw.
func decodeFrame(raw []byte, direction mcp.Direction, sessionID string, ts time.Time, logger *slog.Logger) *mcp.Message {
	msg := &mcp.Message{
		Raw:       append([]byte(nil), raw...),
		Direction: direction,
		SessionID: sessionID,
		Timestamp: ts,
	}

	decoded, err := mcp.DecodeMessage(raw)
	if err != nil {
		logger.Debug("failed to decode message, passing through raw",
			"direction", direction,
			"error", err,
		)
		return msg
	}
	msg.Decoded = decoded

	// Params are parsed once here and reused by every interceptor.
	if direction == mcp.ClientToServer {
		_ = msg.ParseParams()
	}
	return msg
}

// respondWithError maps a rejection to a JSON-RPC error response. Only
// sanitized messages reach the client; the full error was already
// logged by the caller.
func (p *ProxyService) respondWithError(clientOut io.Writer, msg *mcp.Message, err error, logger *slog.Logger) {
	code := -32600
	message := proxy.SafeErrorMessage(err)
	var data interface{}

	var valErr *validation.ValidationError
	var secErr *proxy.SecurityViolationError
	switch {
	case errors.As(err, &valErr):
		code = valErr.Code
		message = valErr.Message
	case errors.As(err, &secErr):
		// The verdict rides in the error data so clients can surface
		// what was detected and how to remediate.
		code = validation.ErrCodeSecurityViolation
		data = secErr.Data
	case errors.Is(err, proxy.ErrNotInitialized):
		code = validation.ErrCodeNotInitialized
	}

	// RawID preserves the client's original ID encoding.
	errResp := proxy.CreateJSONRPCErrorWithData(msg.RawID(), code, message, data)
	_, _ = clientOut.Write(errResp)
	_, _ = clientOut.Write([]byte("\n"))
	logger.Debug("sent error response to client", "safe_message", message)
}
