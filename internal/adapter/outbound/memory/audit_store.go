// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

const defaultRecentCap = 1000

// MemoryAuditStore writes audit records as JSON lines to a writer and
// mirrors the most recent ones in a bounded buffer so the stats and
// query endpoints can serve them without touching disk.
type MemoryAuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	recent  []audit.AuditRecord
	limit   int
}

func recentLimit(capacity []int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates an audit store writing to stdout. The optional
// capacity bounds the recent-record buffer (default 1000).
func NewAuditStore(capacity ...int) *MemoryAuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter creates an audit store writing to w.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *MemoryAuditStore {
	limit := recentLimit(capacity)
	return &MemoryAuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		recent:  make([]audit.AuditRecord, 0, limit),
		limit:   limit,
	}
}

// Append encodes each record to the writer and remembers it in the
// recent buffer.
func (s *MemoryAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.encoder.Encode(r); err != nil {
			return err
		}
		s.remember(r)
	}
	return nil
}

// remember appends to the recent buffer, evicting the oldest record
// once full. Caller holds the lock.
func (s *MemoryAuditStore) remember(r audit.AuditRecord) {
	if len(s.recent) >= s.limit {
		copy(s.recent, s.recent[1:])
		s.recent[len(s.recent)-1] = r
		return
	}
	s.recent = append(s.recent, r)
}

// Flush is a no-op; records are written as they arrive.
func (s *MemoryAuditStore) Flush(ctx context.Context) error {
	return nil
}

// Close closes the underlying file, if the writer is a file other than
// stdout or stderr.
func (s *MemoryAuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// GetRecent returns up to n records, newest first.
func (s *MemoryAuditStore) GetRecent(n int) []audit.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.recent) {
		n = len(s.recent)
	}
	if n == 0 {
		return nil
	}

	result := make([]audit.AuditRecord, n)
	for i := range result {
		result[i] = s.recent[len(s.recent)-1-i]
	}
	return result
}

// Query scans the recent buffer newest first, applying every non-zero
// filter field. The cursor return is always empty; the buffer is small
// enough that pagination never kicks in.
func (s *MemoryAuditStore) Query(filter audit.AuditFilter) ([]audit.AuditRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var result []audit.AuditRecord
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if rec := s.recent[i]; matchesFilter(&rec, &filter) {
			result = append(result, rec)
		}
	}
	return result, "", nil
}

func matchesFilter(rec *audit.AuditRecord, filter *audit.AuditFilter) bool {
	if !filter.StartTime.IsZero() && rec.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && rec.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.Decision != "" && !strings.EqualFold(rec.Decision, filter.Decision) {
		return false
	}
	if filter.ToolName != "" && rec.ToolName != filter.ToolName {
		return false
	}
	if filter.SessionID != "" && rec.SessionID != filter.SessionID {
		return false
	}
	if filter.Technique != "" && !slices.Contains(rec.MatchedTechniques, filter.Technique) {
		return false
	}
	return true
}

var _ audit.AuditStore = (*MemoryAuditStore)(nil)
