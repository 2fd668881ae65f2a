// Package proxy contains the core domain logic for the MCP gateway.
package proxy

import (
	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// ToolCacheAdapter presents an upstream.ToolCache as a ToolCacheReader,
// mapping DiscoveredTool entries into the router's RoutableTool shape.
type ToolCacheAdapter struct {
	cache *upstream.ToolCache
}

var _ ToolCacheReader = (*ToolCacheAdapter)(nil)

// NewToolCacheAdapter wraps cache for use by the router.
func NewToolCacheAdapter(cache *upstream.ToolCache) *ToolCacheAdapter {
	return &ToolCacheAdapter{cache: cache}
}

// GetTool resolves an exposed tool name.
func (a *ToolCacheAdapter) GetTool(name string) (*RoutableTool, bool) {
	dt, ok := a.cache.GetTool(name)
	if !ok {
		return nil, false
	}
	return routable(dt), true
}

// GetAllTools lists every discovered tool in routable form.
func (a *ToolCacheAdapter) GetAllTools() []*RoutableTool {
	discovered := a.cache.GetAllTools()
	tools := make([]*RoutableTool, len(discovered))
	for i, dt := range discovered {
		tools[i] = routable(dt)
	}
	return tools
}

// routable maps a discovered tool onto the fields the router needs.
// The exposed name is what clients call; the bare name is what the
// owning upstream expects.
func routable(dt *upstream.DiscoveredTool) *RoutableTool {
	return &RoutableTool{
		Name:         dt.ExposedName,
		UpstreamTool: dt.Name,
		UpstreamID:   dt.UpstreamID,
		Description:  dt.Description,
		InputSchema:  dt.InputSchema,
	}
}
