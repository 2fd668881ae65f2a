// Package state provides file-based persistence for gateway runtime state.
//
// The state.json file stores the runtime configuration that survives
// restarts: upstream server entries, the tool schema baseline, and the
// quarantine list. This package provides atomic writes, file locking,
// and backup functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Upstreams are the configured MCP upstream servers.
	Upstreams []UpstreamEntry `json:"upstreams"`

	// ToolBaseline stores the tool schema baseline for drift detection.
	ToolBaseline map[string]ToolBaselineEntry `json:"tool_baseline,omitempty"`

	// QuarantinedTools lists tool names that are currently quarantined.
	QuarantinedTools []string `json:"quarantined_tools,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// UpstreamEntry represents a configured MCP upstream server.
type UpstreamEntry struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Type is the transport type: "stdio" or "http".
	Type string `json:"type"`

	// Enabled indicates whether this upstream is active.
	Enabled bool `json:"enabled"`

	// Command is the executable path for stdio upstreams.
	Command string `json:"command,omitempty"`

	// Args are the command-line arguments for stdio upstreams.
	Args []string `json:"args,omitempty"`

	// URL is the endpoint for HTTP upstreams.
	URL string `json:"url,omitempty"`

	// Env holds environment variables passed to stdio upstreams.
	Env map[string]string `json:"env,omitempty"`

	// Cwd is the working directory for stdio upstreams.
	Cwd string `json:"cwd,omitempty"`

	// CreatedAt is when this upstream was added.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this upstream was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolBaselineEntry stores a snapshot of a tool's schema at baseline capture time.
type ToolBaselineEntry struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`
	// Description is the human-readable tool description.
	Description string `json:"description"`
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema interface{} `json:"input_schema"`
	// CapturedAt records when this baseline was captured.
	CapturedAt time.Time `json:"captured_at"`
}
