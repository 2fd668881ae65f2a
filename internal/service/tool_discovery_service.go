package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// UpstreamLister is the slice of the upstream config service that
// discovery needs.
type UpstreamLister interface {
	List(ctx context.Context) ([]upstream.Upstream, error)
	Get(ctx context.Context, id string) (*upstream.Upstream, error)
}

// ToolDiscoveryService queries upstreams for their tool lists and
// keeps the shared ToolCache current. The cache handles name
// collisions across upstreams by renaming both sides to their
// server-qualified form.
type ToolDiscoveryService struct {
	upstreamService UpstreamLister
	cache           *upstream.ToolCache
	clientFactory   ClientFactory
	logger          *slog.Logger
	retryInterval   time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	stopped         bool
	mu              sync.Mutex
}

// NewToolDiscoveryService creates a ToolDiscoveryService.
func NewToolDiscoveryService(
	upstreamService UpstreamLister,
	cache *upstream.ToolCache,
	clientFactory ClientFactory,
	logger *slog.Logger,
) *ToolDiscoveryService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ToolDiscoveryService{
		upstreamService: upstreamService,
		cache:           cache,
		clientFactory:   clientFactory,
		logger:          logger,
		retryInterval:   60 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// DiscoverAll queries every enabled upstream. One upstream failing
// does not stop the sweep.
func (s *ToolDiscoveryService) DiscoverAll(ctx context.Context) error {
	// Conflicts are re-derived from scratch each sweep.
	s.cache.ClearConflicts()

	upstreams, err := s.upstreamService.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}

	var totalTools int
	var discoveredUpstreams int

	for i := range upstreams {
		u := &upstreams[i]

		if !u.Enabled {
			s.logger.Debug("skipping disabled upstream", "id", u.ID, "name", u.Name)
			continue
		}

		count, err := s.DiscoverFromUpstream(ctx, u.ID)
		if err != nil {
			s.logger.Error("discovery failed for upstream",
				"id", u.ID, "name", u.Name, "error", err)
			continue
		}

		totalTools += count
		discoveredUpstreams++
	}

	for _, c := range s.cache.GetConflicts() {
		s.logger.Warn("tool name collision, both renamed",
			"tool", c.ToolName,
			"upstreams", c.UpstreamNames,
			"renamed_to", c.RenamedTo)
	}

	s.logger.Info("discovery complete",
		"total_tools", totalTools,
		"upstreams_discovered", discoveredUpstreams)

	return nil
}

// DiscoverFromUpstream runs tools/list against one upstream over a
// short-lived client and stores the result in the cache. The returned
// count is before any global cap truncation.
func (s *ToolDiscoveryService) DiscoverFromUpstream(ctx context.Context, upstreamID string) (int, error) {
	u, err := s.upstreamService.Get(ctx, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("get upstream %s: %w", upstreamID, err)
	}

	client, err := s.clientFactory(u)
	if err != nil {
		return 0, fmt.Errorf("create client for %s: %w", upstreamID, err)
	}
	defer func() { _ = client.Close() }()

	stdin, stdout, err := client.Start(ctx)
	if err != nil {
		return 0, fmt.Errorf("start client for %s: %w", upstreamID, err)
	}

	responseLine, err := s.exchangeToolsList(ctx, upstreamID, stdin, stdout)
	if err != nil {
		return 0, err
	}

	listed, err := parseToolsListResponse(upstreamID, responseLine)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	tools := make([]*upstream.DiscoveredTool, 0, len(listed))
	for _, t := range listed {
		tools = append(tools, &upstream.DiscoveredTool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			UpstreamID:   upstreamID,
			UpstreamName: u.Name,
			DiscoveredAt: now,
		})
	}

	// Conflict renames and size caps happen inside the cache.
	s.cache.SetToolsForUpstream(upstreamID, tools)

	s.logger.Info("discovered tools",
		"upstream_id", upstreamID,
		"upstream_name", u.Name,
		"tools", len(tools))

	return len(tools), nil
}

// exchangeToolsList writes a tools/list request and reads one response
// line, honoring context cancellation while a blocking read is in
// flight.
func (s *ToolDiscoveryService) exchangeToolsList(ctx context.Context, upstreamID string, stdin io.Writer, stdout io.Reader) (string, error) {
	reqID := fmt.Sprintf("discovery-%s", upstreamID)
	request := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"tools/list"}`, reqID)

	if _, err := fmt.Fprintln(stdin, request); err != nil {
		return "", fmt.Errorf("write tools/list to %s: %w", upstreamID, err)
	}

	type readResult struct {
		line string
		err  error
	}

	resultCh := make(chan readResult, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			resultCh <- readResult{line: scanner.Text()}
			return
		}
		if err := scanner.Err(); err != nil {
			resultCh <- readResult{err: err}
			return
		}
		resultCh <- readResult{err: fmt.Errorf("EOF reading response from %s", upstreamID)}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", fmt.Errorf("read response from %s: %w", upstreamID, result.err)
		}
		return result.line, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timeout reading response from %s: %w", upstreamID, ctx.Err())
	}
}

// listedTool is a tool definition as it appears in a tools/list
// result.
type listedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// parseToolsListResponse decodes a tools/list response line,
// converting a JSON-RPC error object into a Go error.
func parseToolsListResponse(upstreamID, line string) ([]listedTool, error) {
	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Result  struct {
			Tools []listedTool `json:"tools"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("parse response from %s: %w", upstreamID, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error from %s: %s (code %d)",
			upstreamID, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result.Tools, nil
}

// RefreshUpstream re-runs discovery for one upstream, replacing its
// cached tools.
func (s *ToolDiscoveryService) RefreshUpstream(ctx context.Context, upstreamID string) (int, error) {
	s.logger.Info("refreshing tools for upstream", "upstream_id", upstreamID)
	count, err := s.DiscoverFromUpstream(ctx, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("refresh upstream %s: %w", upstreamID, err)
	}
	s.logger.Info("refresh complete", "upstream_id", upstreamID, "tools", count)
	return count, nil
}

// StartPeriodicRetry launches a loop that re-attempts discovery for
// enabled upstreams that still have no cached tools.
func (s *ToolDiscoveryService) StartPeriodicRetry(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.retryEmptyUpstreams(ctx)
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *ToolDiscoveryService) retryEmptyUpstreams(ctx context.Context) {
	upstreams, err := s.upstreamService.List(ctx)
	if err != nil {
		s.logger.Error("failed to list upstreams for retry", "error", err)
		return
	}

	for i := range upstreams {
		u := &upstreams[i]
		if !u.Enabled {
			continue
		}
		if len(s.cache.GetToolsByUpstream(u.ID)) > 0 {
			continue
		}

		s.logger.Info("retrying discovery for upstream with 0 tools",
			"upstream_id", u.ID, "upstream_name", u.Name)

		count, err := s.DiscoverFromUpstream(ctx, u.ID)
		if err != nil {
			s.logger.Error("retry discovery failed",
				"upstream_id", u.ID, "error", err)
			continue
		}

		if count > 0 {
			s.logger.Info("retry discovered tools",
				"upstream_id", u.ID, "tools", count)
		}
	}
}

// Stop shuts down the periodic retry loop. Safe to call more than
// once.
func (s *ToolDiscoveryService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	if s.cancel != nil {
		s.cancel()
	}
}

// Cache returns the shared tool cache.
func (s *ToolDiscoveryService) Cache() *upstream.ToolCache {
	return s.cache
}
