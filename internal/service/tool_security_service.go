// Package service provides application-level services for the gateway.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/state"
	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// ToolBaselineEntry is the snapshot of one tool's definition at
// baseline capture time.
type ToolBaselineEntry struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
	CapturedAt  time.Time   `json:"captured_at"`
}

// DriftReport describes one difference between the baseline and the
// current tool set.
type DriftReport struct {
	ToolName  string      `json:"tool_name"`
	DriftType string      `json:"drift_type"` // "added", "removed", "changed"
	Baseline  interface{} `json:"baseline,omitempty"`
	Current   interface{} `json:"current,omitempty"`
}

// ToolSecurityService guards against rug-pull attacks: it snapshots
// the discovered tool set as a baseline, reports drift against it, and
// keeps a quarantine list of tools the operator has blocked.
type ToolSecurityService struct {
	toolCache   *upstream.ToolCache
	stateStore  *state.FileStateStore
	logger      *slog.Logger
	mu          sync.RWMutex
	baseline    map[string]ToolBaselineEntry
	quarantined map[string]bool
}

// NewToolSecurityService creates a ToolSecurityService.
func NewToolSecurityService(toolCache *upstream.ToolCache, stateStore *state.FileStateStore, logger *slog.Logger) *ToolSecurityService {
	return &ToolSecurityService{
		toolCache:   toolCache,
		stateStore:  stateStore,
		logger:      logger,
		baseline:    make(map[string]ToolBaselineEntry),
		quarantined: make(map[string]bool),
	}
}

// decodeSchema parses a raw input schema for structural comparison.
// Malformed or empty schemas compare as nil.
func decodeSchema(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var schema interface{}
	_ = json.Unmarshal(raw, &schema)
	return schema
}

// CaptureBaseline replaces the baseline with a snapshot of every tool
// currently in the cache and persists it.
func (s *ToolSecurityService) CaptureBaseline(_ context.Context) (int, error) {
	tools := s.toolCache.GetAllTools()
	if len(tools) == 0 {
		return 0, fmt.Errorf("no tools discovered; cannot capture baseline")
	}

	now := time.Now().UTC()
	snapshot := make(map[string]ToolBaselineEntry, len(tools))
	for _, t := range tools {
		snapshot[t.ExposedName] = ToolBaselineEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: decodeSchema(t.InputSchema),
			CapturedAt:  now,
		}
	}

	s.mu.Lock()
	s.baseline = snapshot
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return 0, fmt.Errorf("failed to persist baseline: %w", err)
	}

	s.logger.Info("tool baseline captured", "tools", len(snapshot))
	return len(snapshot), nil
}

// DetectDrift diffs the current tool cache against the baseline.
func (s *ToolSecurityService) DetectDrift(_ context.Context) ([]DriftReport, error) {
	s.mu.RLock()
	baseline := s.baseline
	s.mu.RUnlock()

	if len(baseline) == 0 {
		return nil, fmt.Errorf("no baseline captured; run CaptureBaseline first")
	}

	currentTools := s.toolCache.GetAllTools()
	currentMap := make(map[string]*upstream.DiscoveredTool, len(currentTools))
	for _, t := range currentTools {
		currentMap[t.ExposedName] = t
	}

	var drifts []DriftReport

	for name, baseEntry := range baseline {
		current, exists := currentMap[name]
		if !exists {
			drifts = append(drifts, DriftReport{
				ToolName:  name,
				DriftType: "removed",
				Baseline:  baseEntry,
			})
			continue
		}
		if report, changed := diffToolEntry(name, baseEntry, current); changed {
			drifts = append(drifts, report)
		}
	}

	for _, t := range currentTools {
		if _, exists := baseline[t.ExposedName]; exists {
			continue
		}
		drifts = append(drifts, DriftReport{
			ToolName:  t.ExposedName,
			DriftType: "added",
			Current: map[string]interface{}{
				"description":  t.Description,
				"input_schema": decodeSchema(t.InputSchema),
			},
		})
	}

	return drifts, nil
}

// diffToolEntry compares one baseline entry against the live tool.
// Schemas are compared via JSON round-trip so key order and decoded
// number types cannot produce false positives.
func diffToolEntry(name string, base ToolBaselineEntry, current *upstream.DiscoveredTool) (DriftReport, bool) {
	currentSchema := decodeSchema(current.InputSchema)

	baseJSON, _ := json.Marshal(base.InputSchema)
	currJSON, _ := json.Marshal(currentSchema)

	if string(baseJSON) == string(currJSON) && base.Description == current.Description {
		return DriftReport{}, false
	}

	return DriftReport{
		ToolName:  name,
		DriftType: "changed",
		Baseline:  base,
		Current: map[string]interface{}{
			"description":  current.Description,
			"input_schema": currentSchema,
		},
	}, true
}

// Quarantine blocks a tool and persists the change.
func (s *ToolSecurityService) Quarantine(toolName string) error {
	s.mu.Lock()
	s.quarantined[toolName] = true
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist quarantine: %w", err)
	}

	s.logger.Info("tool quarantined", "tool", toolName)
	return nil
}

// Unquarantine lifts the block on a tool and persists the change.
func (s *ToolSecurityService) Unquarantine(toolName string) error {
	s.mu.Lock()
	wasQuarantined := s.quarantined[toolName]
	delete(s.quarantined, toolName)
	s.mu.Unlock()

	if !wasQuarantined {
		return fmt.Errorf("tool %q is not quarantined", toolName)
	}

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist unquarantine: %w", err)
	}

	s.logger.Info("tool unquarantined", "tool", toolName)
	return nil
}

// IsQuarantined reports whether a tool is blocked. Called on the
// message hot path.
func (s *ToolSecurityService) IsQuarantined(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quarantined[toolName]
}

// GetBaseline returns a copy of the baseline entries.
func (s *ToolSecurityService) GetBaseline() map[string]ToolBaselineEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.baseline)
}

// GetQuarantinedTools lists the names of quarantined tools.
func (s *ToolSecurityService) GetQuarantinedTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.quarantined))
	for name := range s.quarantined {
		result = append(result, name)
	}
	return result
}

// LoadFromState restores baseline and quarantine data from a
// previously loaded AppState.
func (s *ToolSecurityService) LoadFromState(appState *state.AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if appState.ToolBaseline != nil {
		s.baseline = make(map[string]ToolBaselineEntry, len(appState.ToolBaseline))
		for k, v := range appState.ToolBaseline {
			s.baseline[k] = ToolBaselineEntry{
				Name:        v.Name,
				Description: v.Description,
				InputSchema: v.InputSchema,
				CapturedAt:  v.CapturedAt,
			}
		}
		s.logger.Debug("loaded tool baseline from state", "tools", len(s.baseline))
	}

	if len(appState.QuarantinedTools) > 0 {
		s.quarantined = make(map[string]bool, len(appState.QuarantinedTools))
		for _, name := range appState.QuarantinedTools {
			s.quarantined[name] = true
		}
		s.logger.Debug("loaded quarantined tools from state", "tools", len(s.quarantined))
	}
}

// persist writes baseline and quarantine data into state.json,
// read-modify-write so other sections survive.
func (s *ToolSecurityService) persist() error {
	s.mu.RLock()
	baselineCopy := make(map[string]state.ToolBaselineEntry, len(s.baseline))
	for k, v := range s.baseline {
		baselineCopy[k] = state.ToolBaselineEntry{
			Name:        v.Name,
			Description: v.Description,
			InputSchema: v.InputSchema,
			CapturedAt:  v.CapturedAt,
		}
	}
	quarantinedCopy := make([]string, 0, len(s.quarantined))
	for name := range s.quarantined {
		quarantinedCopy = append(quarantinedCopy, name)
	}
	s.mu.RUnlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return err
	}

	appState.ToolBaseline = baselineCopy
	appState.QuarantinedTools = quarantinedCopy

	return s.stateStore.Save(appState)
}
