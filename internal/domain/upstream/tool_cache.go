// Package upstream contains domain types for MCP upstream server configuration.
package upstream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DiscoveredTool represents a tool discovered from an upstream MCP server.
type DiscoveredTool struct {
	// Name is the tool's name as advertised by its upstream.
	Name string
	// ExposedName is the name clients see. Equal to Name unless the
	// tool was renamed to resolve a cross-upstream conflict, in which
	// case it is "<server>/<name>".
	ExposedName string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// UpstreamID identifies which upstream this tool was discovered from.
	UpstreamID string
	// UpstreamName is the human-readable name of the upstream.
	UpstreamName string
	// DiscoveredAt records when this tool was discovered.
	DiscoveredAt time.Time
}

// ToolConflict records a tool name collision between upstreams. Both
// tools are renamed to their server-qualified form and the bare name
// stops resolving.
type ToolConflict struct {
	// ToolName is the conflicting bare tool name.
	ToolName string
	// UpstreamNames lists the upstreams that advertise the name.
	UpstreamNames []string
	// RenamedTo lists the qualified names the tools now answer to,
	// in the same order as UpstreamNames.
	RenamedTo []string
}

const (
	// MaxToolsPerUpstream is the maximum number of tools a single upstream can register.
	// Prevents memory DoS from a malicious upstream advertising excessive tool counts.
	MaxToolsPerUpstream = 1000

	// MaxTotalTools is the maximum total tools across all upstreams.
	MaxTotalTools = 10000
)

// QualifiedName builds the server-qualified exposed name for a tool.
// Spaces in the server name are folded to hyphens so the result stays
// a valid tool name.
func QualifiedName(serverName, toolName string) string {
	return strings.ReplaceAll(serverName, " ", "-") + "/" + toolName
}

// ToolCache provides thread-safe storage for discovered tools.
// It maintains two indexes: by exposed name (for routing) and by
// upstream ID (for refresh/removal). When two upstreams advertise the
// same tool name, both entries are renamed to "<server>/<tool>" and
// the bare name is removed so neither upstream silently shadows the
// other.
type ToolCache struct {
	tools      map[string]*DiscoveredTool
	byUpstream map[string][]*DiscoveredTool
	// contested marks bare names that have collided at least once.
	// Later arrivals of a contested name register qualified directly.
	contested map[string]bool
	conflicts []ToolConflict
	mu        sync.RWMutex
}

// NewToolCache creates a new empty ToolCache.
func NewToolCache() *ToolCache {
	return &ToolCache{
		tools:      make(map[string]*DiscoveredTool),
		byUpstream: make(map[string][]*DiscoveredTool),
		contested:  make(map[string]bool),
	}
}

// SetToolsForUpstream replaces all tools for the given upstream.
// It first removes this upstream's old entries from the name index,
// then registers the new tools, applying conflict renames as needed.
// Tools are truncated to MaxToolsPerUpstream per upstream and
// MaxTotalTools globally.
func (c *ToolCache) SetToolsForUpstream(upstreamID string, tools []*DiscoveredTool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Enforce per-upstream limit.
	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}

	// Remove old entries from the name index for this upstream.
	if oldTools, ok := c.byUpstream[upstreamID]; ok {
		for _, t := range oldTools {
			delete(c.tools, t.ExposedName)
		}
	}

	c.byUpstream[upstreamID] = tools
	for _, t := range tools {
		if len(c.tools) >= MaxTotalTools {
			break
		}
		c.registerLocked(t)
	}
}

// registerLocked inserts one tool into the name index, renaming on
// collision. Must be called with c.mu held.
func (c *ToolCache) registerLocked(t *DiscoveredTool) {
	if c.contested[t.Name] {
		t.ExposedName = QualifiedName(t.UpstreamName, t.Name)
		c.tools[t.ExposedName] = t
		return
	}

	existing, ok := c.tools[t.Name]
	if !ok || existing.UpstreamID == t.UpstreamID {
		t.ExposedName = t.Name
		c.tools[t.Name] = t
		return
	}

	// First collision for this name: rename both, drop the bare name.
	delete(c.tools, t.Name)
	c.contested[t.Name] = true

	existing.ExposedName = QualifiedName(existing.UpstreamName, existing.Name)
	c.tools[existing.ExposedName] = existing

	t.ExposedName = QualifiedName(t.UpstreamName, t.Name)
	c.tools[t.ExposedName] = t

	c.conflicts = append(c.conflicts, ToolConflict{
		ToolName:      t.Name,
		UpstreamNames: []string{existing.UpstreamName, t.UpstreamName},
		RenamedTo:     []string{existing.ExposedName, t.ExposedName},
	})
}

// GetTool looks up a tool by its exposed name.
func (c *ToolCache) GetTool(name string) (*DiscoveredTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[name]
	return t, ok
}

// GetAllTools returns all cached tools.
func (c *ToolCache) GetAllTools() []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*DiscoveredTool, 0, len(c.tools))
	for _, t := range c.tools {
		result = append(result, t)
	}
	return result
}

// GetToolsByUpstream returns all tools for a specific upstream.
func (c *ToolCache) GetToolsByUpstream(upstreamID string) []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := c.byUpstream[upstreamID]
	if tools == nil {
		return nil
	}
	// Return a copy to avoid race conditions.
	result := make([]*DiscoveredTool, len(tools))
	copy(result, tools)
	return result
}

// RemoveUpstream removes all tools for an upstream from the cache.
func (c *ToolCache) RemoveUpstream(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove from name index.
	if tools, ok := c.byUpstream[upstreamID]; ok {
		for _, t := range tools {
			delete(c.tools, t.ExposedName)
		}
	}

	// Remove from upstream index.
	delete(c.byUpstream, upstreamID)
}

// GetConflicts returns all recorded tool name conflicts.
func (c *ToolCache) GetConflicts() []ToolConflict {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.conflicts) == 0 {
		return nil
	}
	result := make([]ToolConflict, len(c.conflicts))
	copy(result, c.conflicts)
	return result
}

// ClearConflicts removes all recorded conflicts.
func (c *ToolCache) ClearConflicts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conflicts = nil
}

// Count returns the total number of cached tools.
func (c *ToolCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tools)
}
