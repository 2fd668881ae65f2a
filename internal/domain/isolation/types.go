// Package isolation implements the pre-execution policy gate: capability
// and resource checks on (tool, arguments) that run before any analyzer.
// A rejection short-circuits the pipeline with a policy_violation block.
package isolation

import (
	"time"

	"github.com/safe-mcp/gateway/internal/domain/technique"
)

// Capability is a least-privilege permission a tool may hold.
type Capability string

const (
	CapFileRead      Capability = "file_read"
	CapFileWrite     Capability = "file_write"
	CapFileList      Capability = "file_list"
	CapNetworkHTTP   Capability = "network_http"
	CapNetworkSocket Capability = "network_socket"
	CapProcessSpawn  Capability = "process_spawn"
	CapSystemInfo    Capability = "system_info"
	CapDatabaseRead  Capability = "database_read"
	CapDatabaseWrite Capability = "database_write"
)

// Policy is the per-tool isolation policy. Immutable after configuration.
type Policy struct {
	Capabilities     []Capability  `yaml:"capabilities"`
	AllowedPaths     []string      `yaml:"allowed_paths"`
	BlockedPaths     []string      `yaml:"blocked_paths"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxMemoryMB      int           `yaml:"max_memory_mb"`
	MaxFileSizeMB    int           `yaml:"max_file_size_mb"`
	AllowNetwork     bool          `yaml:"allow_network"`
	AllowedDomains   []string      `yaml:"allowed_domains"`
}

func (p Policy) grants(c Capability) bool {
	for _, cap := range p.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// ViolationKind identifies the policy check that failed.
type ViolationKind string

const (
	ViolationBlockedPath       ViolationKind = "blocked_path"
	ViolationOutsideAllowed    ViolationKind = "outside_allowed_paths"
	ViolationNetworkDenied     ViolationKind = "network_denied"
	ViolationDomainNotAllowed  ViolationKind = "domain_not_allowed"
	ViolationSizeLimit         ViolationKind = "size_limit"
	ViolationCountLimit        ViolationKind = "count_limit"
	ViolationMissingCapability ViolationKind = "missing_capability"
)

// Violation is one failed policy check with a human-readable detail.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

// Decision is the gate's verdict for one tool call.
type Decision struct {
	Accepted   bool
	Violations []Violation

	// PolicyName identifies which policy was applied, for audit records.
	PolicyName string
}

// Severity maps the worst violation to a severity class for the
// aggregate verdict.
func (d Decision) Severity() technique.Severity {
	worst := technique.SeverityMedium
	for _, v := range d.Violations {
		switch v.Kind {
		case ViolationBlockedPath, ViolationMissingCapability:
			return technique.SeverityCritical
		case ViolationNetworkDenied, ViolationOutsideAllowed:
			worst = technique.SeverityHigh
		}
	}
	return worst
}
