// Package upstream holds the domain model for configured MCP upstream
// servers: what they are, how the gateway reaches them, and their
// runtime connection state.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// UpstreamType selects the transport used to reach an upstream.
type UpstreamType string

const (
	// UpstreamTypeStdio spawns the upstream as a child process and
	// speaks over its stdin/stdout.
	UpstreamTypeStdio UpstreamType = "stdio"
	// UpstreamTypeHTTP reaches the upstream over streamable HTTP.
	UpstreamTypeHTTP UpstreamType = "http"
)

// ConnectionStatus is the runtime state of an upstream connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

// Names feed into qualified tool names and log lines, so the alphabet
// is deliberately narrow.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

const nameMaxLength = 100

// Upstream is one configured MCP server behind the gateway.
//
// Status, LastError, and ToolCount are runtime-only and never
// persisted; the rest round-trips through the state file.
type Upstream struct {
	ID      string // UUID, assigned by the service
	Name    string // display name, unique across upstreams
	Type    UpstreamType
	Enabled bool

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// HTTP transport.
	URL string

	Status    ConnectionStatus
	LastError string
	ToolCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate reports the first configuration problem, or nil.
func (u *Upstream) Validate() error {
	if err := validateName(u.Name); err != nil {
		return err
	}

	switch u.Type {
	case UpstreamTypeStdio:
		if u.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
	case UpstreamTypeHTTP:
		if u.URL == "" {
			return fmt.Errorf("url is required for http upstream")
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("type must be %q or %q", UpstreamTypeStdio, UpstreamTypeHTTP)
	}

	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}
	return nil
}
