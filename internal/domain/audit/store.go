package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for audit store operations.
var (
	// ErrDateRangeExceeded is returned when the query date range exceeds the maximum allowed.
	ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")
)

// AuditStore persists audit records.
// Interface owned by domain per hexagonal architecture.
// Implementation handles batching and async writes.
type AuditStore interface {
	// Append stores audit records. Must be non-blocking from caller perspective.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AuditFilter specifies query parameters for audit log queries.
type AuditFilter struct {
	// StartTime is the beginning of the time range (required).
	StartTime time.Time
	// EndTime is the end of the time range (required).
	EndTime time.Time
	// SessionID filters by session ID (optional).
	SessionID string
	// ToolName filters by tool name (optional).
	ToolName string
	// Decision filters by decision (optional: "allow", "warn" or "block").
	Decision string
	// Technique filters records that matched a technique ID (optional).
	Technique string
	// Limit is the maximum number of records to return (default 100, max 1000).
	Limit int
	// Cursor is the pagination cursor for fetching the next page (optional).
	Cursor string
}

// ToolCallStats contains per-tool audit statistics.
type ToolCallStats struct {
	// Calls is the total number of calls to this tool.
	Calls int64
	// Allowed is the number of calls that were allowed.
	Allowed int64
	// Blocked is the number of calls that were blocked.
	Blocked int64
}

// AuditStats contains aggregated audit statistics for a time period.
type AuditStats struct {
	// TotalRecords is the total number of audit records.
	TotalRecords int64
	// UniqueSessions is the count of distinct session IDs.
	UniqueSessions int64
	// ByTool maps tool names to per-tool statistics.
	ByTool map[string]ToolCallStats
	// ByDecision maps decision values to counts.
	ByDecision map[string]int64
	// ByTechnique maps matched technique IDs to counts.
	ByTechnique map[string]int64
	// Sanitized is the count of sanitized responses.
	Sanitized int64
}

// AuditQueryStore provides read access to audit logs.
// This interface is separate from AuditStore which handles writes.
type AuditQueryStore interface {
	// Query retrieves audit records matching the filter.
	// Returns records, next cursor (empty if no more pages), and error.
	// Returns ErrDateRangeExceeded if EndTime - StartTime > 7 days.
	Query(ctx context.Context, filter AuditFilter) ([]AuditRecord, string, error)

	// QueryStats returns aggregated statistics for the given time range.
	QueryStats(ctx context.Context, start, end time.Time) (*AuditStats, error)
}
