package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/upstream"
	"github.com/safe-mcp/gateway/internal/port/outbound"
)

// ClientFactory builds an MCPClient for an upstream entry. The run
// command installs a factory that picks stdio or HTTP by type.
type ClientFactory func(u *upstream.Upstream) (outbound.MCPClient, error)

// managedUpstream is the live state of one upstream connection.
type managedUpstream struct {
	client         outbound.MCPClient
	upstream       *upstream.Upstream
	status         upstream.ConnectionStatus
	lastError      string
	stdin          io.WriteCloser
	stdout         io.ReadCloser
	retryCount     int
	connectedSince time.Time
	// cancelRetry aborts a pending backoff timer when the upstream is
	// stopped or replaced.
	cancelRetry context.CancelFunc
	mu          sync.Mutex
}

// UpstreamManager owns the connection lifecycle for every configured
// upstream: connect, watch for exit, reconnect with exponential
// backoff, and hand out pipes to the router.
type UpstreamManager struct {
	upstreamService *UpstreamService
	clientFactory   ClientFactory
	connections     map[string]*managedUpstream
	mu              sync.RWMutex
	logger          *slog.Logger
	ctx             context.Context
	cancel          context.CancelFunc
	closed          bool

	backoffBase            time.Duration
	backoffCap             time.Duration
	maxRetries             int
	stabilityDuration      time.Duration
	stabilityCheckInterval time.Duration

	// ready gates background goroutines until configuration fields are
	// final. Closed by the constructor, or by Init for the unstarted
	// variant.
	ready chan struct{}
}

func newUpstreamManager(upstreamService *UpstreamService, clientFactory ClientFactory, logger *slog.Logger) *UpstreamManager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &UpstreamManager{
		upstreamService:        upstreamService,
		clientFactory:          clientFactory,
		connections:            make(map[string]*managedUpstream),
		logger:                 logger,
		ctx:                    ctx,
		cancel:                 cancel,
		backoffBase:            1 * time.Second,
		backoffCap:             60 * time.Second,
		maxRetries:             10,
		stabilityDuration:      5 * time.Minute,
		stabilityCheckInterval: 1 * time.Minute,
		ready:                  make(chan struct{}),
	}
	go mgr.stabilityChecker()
	return mgr
}

// NewUpstreamManager creates a manager ready for use.
func NewUpstreamManager(upstreamService *UpstreamService, clientFactory ClientFactory, logger *slog.Logger) *UpstreamManager {
	mgr := newUpstreamManager(upstreamService, clientFactory, logger)
	close(mgr.ready)
	return mgr
}

// NewUpstreamManagerUnstarted creates a manager whose background
// goroutines stay parked until Init. Lets tests override timing
// fields before anything reads them.
func NewUpstreamManagerUnstarted(upstreamService *UpstreamService, clientFactory ClientFactory, logger *slog.Logger) *UpstreamManager {
	return newUpstreamManager(upstreamService, clientFactory, logger)
}

// Init releases the background goroutines. Idempotent.
func (m *UpstreamManager) Init() {
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// StartAll connects every enabled upstream concurrently. Individual
// failures are logged and retried in the background rather than
// failing the call.
func (m *UpstreamManager) StartAll(ctx context.Context) error {
	upstreams, err := m.upstreamService.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}

	var wg sync.WaitGroup
	for i := range upstreams {
		u := upstreams[i]
		if !u.Enabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Start(ctx, u.ID); err != nil {
				m.logger.Error("failed to start upstream", "id", u.ID, "name", u.Name, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return errors.New("timeout waiting for all upstreams to start")
	}
}

// Start connects one upstream. A failed attempt schedules a backoff
// retry instead of returning an error.
func (m *UpstreamManager) Start(ctx context.Context, upstreamID string) error {
	u, err := m.upstreamService.Get(ctx, upstreamID)
	if err != nil {
		return fmt.Errorf("get upstream %s: %w", upstreamID, err)
	}

	conn := &managedUpstream{
		upstream: u,
		status:   upstream.StatusConnecting,
	}

	m.mu.Lock()
	m.connections[upstreamID] = conn
	m.mu.Unlock()

	m.attemptConnect(conn)
	return nil
}

func (m *UpstreamManager) attemptConnect(conn *managedUpstream) {
	conn.mu.Lock()
	u := conn.upstream
	conn.mu.Unlock()

	client, err := m.clientFactory(u)
	if err != nil {
		m.markFailed(conn, fmt.Sprintf("create client: %v", err))
		m.logger.Error("failed to create client", "id", u.ID, "error", err)
		m.scheduleRetry(conn)
		return
	}

	stdin, stdout, err := client.Start(m.ctx)
	if err != nil {
		m.markFailed(conn, fmt.Sprintf("start client: %v", err))
		m.logger.Error("failed to start upstream", "id", u.ID, "error", err)
		m.scheduleRetry(conn)
		return
	}

	conn.mu.Lock()
	conn.client = client
	conn.stdin = stdin
	conn.stdout = stdout
	conn.status = upstream.StatusConnected
	conn.lastError = ""
	conn.retryCount = 0
	conn.connectedSince = time.Now()
	conn.mu.Unlock()

	m.logger.Info("upstream connected", "id", u.ID, "name", u.Name)

	go m.watchExit(conn)
}

func (m *UpstreamManager) markFailed(conn *managedUpstream, reason string) {
	conn.mu.Lock()
	conn.status = upstream.StatusError
	conn.lastError = reason
	conn.mu.Unlock()
}

// Stop disconnects and unmanages one upstream.
func (m *UpstreamManager) Stop(upstreamID string) error {
	m.mu.Lock()
	conn, ok := m.connections[upstreamID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("upstream %s not managed", upstreamID)
	}
	delete(m.connections, upstreamID)
	m.mu.Unlock()

	m.teardown(conn)
	return nil
}

// teardown cancels pending retries and closes the client.
func (m *UpstreamManager) teardown(conn *managedUpstream) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.cancelRetry != nil {
		conn.cancelRetry()
		conn.cancelRetry = nil
	}

	if conn.client != nil {
		if err := conn.client.Close(); err != nil {
			m.logger.Error("failed to close client", "id", conn.upstream.ID, "error", err)
		}
		conn.client = nil
	}

	conn.status = upstream.StatusDisconnected
	conn.stdin = nil
	conn.stdout = nil
}

// Restart tears an upstream down and connects it fresh.
func (m *UpstreamManager) Restart(ctx context.Context, upstreamID string) error {
	_ = m.Stop(upstreamID)
	return m.Start(ctx, upstreamID)
}

// GetConnection returns the pipes for a connected upstream.
func (m *UpstreamManager) GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error) {
	m.mu.RLock()
	conn, ok := m.connections[upstreamID]
	m.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("upstream %s not connected", upstreamID)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.status != upstream.StatusConnected {
		return nil, nil, fmt.Errorf("upstream %s status is %s, not connected", upstreamID, conn.status)
	}
	return conn.stdin, conn.stdout, nil
}

// Status reports the connection status and last error for one
// upstream.
func (m *UpstreamManager) Status(upstreamID string) (upstream.ConnectionStatus, string) {
	m.mu.RLock()
	conn, ok := m.connections[upstreamID]
	m.mu.RUnlock()

	if !ok {
		return upstream.StatusDisconnected, ""
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status, conn.lastError
}

// AllConnected reports whether at least one upstream is serving. The
// router uses it to answer with a service-unavailable error when the
// gateway has nothing to route to.
func (m *UpstreamManager) AllConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.connections {
		conn.mu.Lock()
		status := conn.status
		conn.mu.Unlock()
		if status == upstream.StatusConnected {
			return true
		}
	}
	return false
}

// StatusAll returns the status of every managed upstream.
func (m *UpstreamManager) StatusAll() map[string]upstream.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]upstream.ConnectionStatus, len(m.connections))
	for id, conn := range m.connections {
		conn.mu.Lock()
		result[id] = conn.status
		conn.mu.Unlock()
	}
	return result
}

// Close stops every upstream and the manager's background goroutines.
func (m *UpstreamManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	conns := make([]*managedUpstream, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*managedUpstream)
	m.mu.Unlock()

	for _, conn := range conns {
		m.teardown(conn)
	}

	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// SetBackoffBase overrides the base backoff delay. Call before any
// retry is scheduled.
func (m *UpstreamManager) SetBackoffBase(d time.Duration) {
	m.backoffBase = d
}

// calcBackoffDelay doubles the base per attempt, capped at backoffCap.
func (m *UpstreamManager) calcBackoffDelay(retryCount int) time.Duration {
	delay := m.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}

// scheduleRetry arms a reconnect timer for the connection, giving up
// after maxRetries consecutive failures.
func (m *UpstreamManager) scheduleRetry(conn *managedUpstream) {
	conn.mu.Lock()

	if conn.retryCount >= m.maxRetries {
		conn.status = upstream.StatusError
		conn.lastError = fmt.Sprintf("max retries (%d) exceeded", m.maxRetries)
		conn.mu.Unlock()
		m.logger.Error("max retries exceeded", "id", conn.upstream.ID, "retries", m.maxRetries)
		return
	}

	delay := m.calcBackoffDelay(conn.retryCount)
	conn.retryCount++
	attempt := conn.retryCount
	conn.status = upstream.StatusConnecting

	retryCtx, retryCancel := context.WithCancel(m.ctx)
	conn.cancelRetry = retryCancel
	upstreamID := conn.upstream.ID
	conn.mu.Unlock()

	m.logger.Info("scheduling retry", "id", upstreamID, "attempt", attempt, "delay", delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return
		}

		// The upstream may have been stopped or replaced while the
		// timer ran.
		m.mu.RLock()
		current, ok := m.connections[upstreamID]
		m.mu.RUnlock()
		if !ok || current != conn {
			return
		}

		m.attemptConnect(conn)
	}()
}

// watchExit blocks on the client until the upstream dies, then kicks
// off reconnection.
func (m *UpstreamManager) watchExit(conn *managedUpstream) {
	conn.mu.Lock()
	client := conn.client
	upstreamID := conn.upstream.ID
	conn.mu.Unlock()

	if client == nil {
		return
	}

	_ = client.Wait()

	m.mu.RLock()
	current, ok := m.connections[upstreamID]
	m.mu.RUnlock()
	if !ok || current != conn {
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	conn.mu.Lock()
	conn.status = upstream.StatusDisconnected
	conn.client = nil
	conn.stdin = nil
	conn.stdout = nil
	conn.mu.Unlock()

	m.logger.Warn("upstream disconnected, scheduling reconnect", "id", upstreamID)
	m.scheduleRetry(conn)
}

// stabilityChecker periodically forgives accumulated retries for
// upstreams that have stayed connected, so a later crash starts its
// backoff from the base again.
func (m *UpstreamManager) stabilityChecker() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	ticker := time.NewTicker(m.stabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.resetStableRetryCounts()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *UpstreamManager) resetStableRetryCounts() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, conn := range m.connections {
		conn.mu.Lock()
		if conn.status == upstream.StatusConnected &&
			conn.retryCount > 0 &&
			!conn.connectedSince.IsZero() &&
			now.Sub(conn.connectedSince) >= m.stabilityDuration {
			m.logger.Info("resetting retry count after stable connection",
				"id", conn.upstream.ID,
				"stable_since", conn.connectedSince,
				"previous_retries", conn.retryCount)
			conn.retryCount = 0
		}
		conn.mu.Unlock()
	}
}
