// Package adaptive adjusts detection risk scores using caller context:
// role, accumulated trust, declared task, behavior history and time of
// day. Static thresholds overblock legitimate developer work; the
// adjustments here trade a bounded amount of strictness for usability.
package adaptive

import "time"

// Role is the caller's declared role.
type Role string

const (
	RoleUnknown        Role = "unknown"
	RoleUser           Role = "user"
	RoleDeveloper      Role = "developer"
	RoleAdmin          Role = "admin"
	RoleService        Role = "service"
	RoleTrustedService Role = "trusted_service"
)

// TrustLevel orders accumulated trust. Comparable with <.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	case TrustVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Task is the declared intent of a session.
type Task string

const (
	TaskUnknown        Task = "unknown"
	TaskFileOperation  Task = "file_operation"
	TaskCodeReview     Task = "code_review"
	TaskDataAnalysis   Task = "data_analysis"
	TaskAPIIntegration Task = "api_integration"
	TaskDeployment     Task = "deployment"
	TaskTesting        Task = "testing"
	TaskDebugging      Task = "debugging"
)

// Profile tracks one caller's behavior and trust.
type Profile struct {
	UserID               string
	Role                 Role
	Trust                TrustLevel
	TotalCalls           int
	BlockedCalls         int
	FalsePositiveReports int
	FirstSeen            time.Time
	LastSeen             time.Time
	TypicalTools         []string
	TypicalHours         []int
}

// Session is the per-session context adjustments draw on.
type Session struct {
	SessionID  string
	UserID     string
	Task       Task
	StartedAt  time.Time
	CallCount  int
	ToolsUsed  []string
	RiskEvents int
}

// Decision carries the adjusted risk and the applied adjustments,
// tagged "kind:detail:+/-delta" for audit records.
type Decision struct {
	OriginalRisk     float64
	AdjustedRisk     float64
	AdjustmentFactor float64
	Adjustments      []string
	Allow            bool
	Reason           string
}

// Stats summarizes engine activity.
type Stats struct {
	TotalDecisions          int
	AdaptationsApplied      int
	FalsePositivesPrevented int
	AdaptationRate          float64
	TotalUsers              int
	ActiveSessions          int
}
