// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks inspection decision statistics using lock-free
// atomic counters. All counter operations are safe for concurrent
// access from multiple goroutines. It satisfies the audit layer's
// StatsRecorder.
type StatsService struct {
	allowed   atomic.Int64
	warned    atomic.Int64
	blocked   atomic.Int64
	sanitized atomic.Int64

	// Per-technique and per-tool counters (mutex-protected maps).
	mu              sync.Mutex
	techniqueCounts map[string]int64
	toolCounts      map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		techniqueCounts: make(map[string]int64),
		toolCounts:      make(map[string]int64),
	}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordWarn increments the warned counter.
func (s *StatsService) RecordWarn() {
	s.warned.Add(1)
}

// RecordBlock increments the blocked counter.
func (s *StatsService) RecordBlock() {
	s.blocked.Add(1)
}

// RecordSanitized increments the sanitized-response counter.
func (s *StatsService) RecordSanitized() {
	s.sanitized.Add(1)
}

// RecordTechnique increments the match counter for a technique ID.
// Empty strings are skipped.
func (s *StatsService) RecordTechnique(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.techniqueCounts[id]++
	s.mu.Unlock()
}

// RecordTool increments the call counter for a tool name.
// Empty strings are skipped.
func (s *StatsService) RecordTool(tool string) {
	if tool == "" {
		return
	}
	s.mu.Lock()
	s.toolCounts[tool]++
	s.mu.Unlock()
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed         int64            `json:"allowed"`
	Warned          int64            `json:"warned"`
	Blocked         int64            `json:"blocked"`
	Sanitized       int64            `json:"sanitized"`
	TechniqueCounts map[string]int64 `json:"technique_counts"`
	ToolCounts      map[string]int64 `json:"tool_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	tc := make(map[string]int64, len(s.techniqueCounts))
	for k, v := range s.techniqueCounts {
		tc[k] = v
	}
	tl := make(map[string]int64, len(s.toolCounts))
	for k, v := range s.toolCounts {
		tl[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:         s.allowed.Load(),
		Warned:          s.warned.Load(),
		Blocked:         s.blocked.Load(),
		Sanitized:       s.sanitized.Load(),
		TechniqueCounts: tc,
		ToolCounts:      tl,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.warned.Store(0)
	s.blocked.Store(0)
	s.sanitized.Store(0)

	s.mu.Lock()
	s.techniqueCounts = make(map[string]int64)
	s.toolCounts = make(map[string]int64)
	s.mu.Unlock()
}
