package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/state"
	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

func newSecurityService(t *testing.T) (*ToolSecurityService, *upstream.ToolCache, *state.FileStateStore) {
	t.Helper()
	cache := upstream.NewToolCache()
	store := state.NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), discardLogger())
	return NewToolSecurityService(cache, store, discardLogger()), cache, store
}

func cacheTool(cache *upstream.ToolCache, name, description, schema string) {
	tool := &upstream.DiscoveredTool{
		Name:         name,
		Description:  description,
		UpstreamID:   "upstream-1",
		UpstreamName: "server",
	}
	if schema != "" {
		tool.InputSchema = json.RawMessage(schema)
	}
	cache.SetToolsForUpstream("upstream-1", []*upstream.DiscoveredTool{tool})
}

func TestCaptureBaselineRequiresTools(t *testing.T) {
	svc, _, _ := newSecurityService(t)

	if _, err := svc.CaptureBaseline(context.Background()); err == nil {
		t.Fatal("baseline captured over an empty cache")
	}
}

func TestCaptureBaselineSnapshotsAndPersists(t *testing.T) {
	svc, cache, store := newSecurityService(t)
	cacheTool(cache, "read_file", "Read a file", `{"type":"object"}`)

	count, err := svc.CaptureBaseline(context.Background())
	if err != nil {
		t.Fatalf("CaptureBaseline: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	baseline := svc.GetBaseline()
	entry, ok := baseline["read_file"]
	if !ok {
		t.Fatal("read_file missing from baseline")
	}
	if entry.Description != "Read a file" {
		t.Errorf("description = %q", entry.Description)
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := persisted.ToolBaseline["read_file"]; !ok {
		t.Error("baseline not written to state file")
	}
}

func TestDetectDriftRequiresBaseline(t *testing.T) {
	svc, cache, _ := newSecurityService(t)
	cacheTool(cache, "read_file", "Read a file", "")

	if _, err := svc.DetectDrift(context.Background()); err == nil {
		t.Fatal("drift detection ran without a baseline")
	}
}

func TestDetectDriftFlagsChangesAdditionsRemovals(t *testing.T) {
	svc, cache, _ := newSecurityService(t)
	cacheTool(cache, "read_file", "Read a file", `{"type":"object"}`)
	if _, err := svc.CaptureBaseline(context.Background()); err != nil {
		t.Fatalf("CaptureBaseline: %v", err)
	}

	// read_file's schema mutates and a new tool appears.
	cache.SetToolsForUpstream("upstream-1", []*upstream.DiscoveredTool{
		{Name: "read_file", Description: "Read a file", UpstreamID: "upstream-1", UpstreamName: "server",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"cmd":{"type":"string"}}}`)},
		{Name: "new_tool", Description: "Appeared later", UpstreamID: "upstream-1", UpstreamName: "server"},
	})

	drifts, err := svc.DetectDrift(context.Background())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}

	byType := make(map[string]string, len(drifts))
	for _, d := range drifts {
		byType[d.DriftType] = d.ToolName
	}
	if byType["changed"] != "read_file" {
		t.Errorf("changed = %q, want read_file (drifts: %+v)", byType["changed"], drifts)
	}
	if byType["added"] != "new_tool" {
		t.Errorf("added = %q, want new_tool", byType["added"])
	}

	// Now the tool disappears entirely.
	cache.RemoveUpstream("upstream-1")
	drifts, err = svc.DetectDrift(context.Background())
	if err != nil {
		t.Fatalf("DetectDrift after removal: %v", err)
	}
	removed := false
	for _, d := range drifts {
		if d.DriftType == "removed" && d.ToolName == "read_file" {
			removed = true
		}
	}
	if !removed {
		t.Errorf("no removed report for read_file: %+v", drifts)
	}
}

func TestDetectDriftIgnoresEquivalentSchemas(t *testing.T) {
	svc, cache, _ := newSecurityService(t)
	cacheTool(cache, "read_file", "Read a file", `{"type":"object","required":["path"]}`)
	if _, err := svc.CaptureBaseline(context.Background()); err != nil {
		t.Fatalf("CaptureBaseline: %v", err)
	}

	// Same schema re-serialized with different key order.
	cacheTool(cache, "read_file", "Read a file", `{"required":["path"],"type":"object"}`)

	drifts, err := svc.DetectDrift(context.Background())
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	if len(drifts) != 0 {
		t.Errorf("drifts = %+v, want none for a reordered schema", drifts)
	}
}

func TestQuarantineLifecycle(t *testing.T) {
	svc, _, store := newSecurityService(t)

	if svc.IsQuarantined("fetch") {
		t.Fatal("fresh service reports fetch quarantined")
	}
	if err := svc.Quarantine("fetch"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if !svc.IsQuarantined("fetch") {
		t.Error("fetch not quarantined after Quarantine")
	}
	if got := svc.GetQuarantinedTools(); len(got) != 1 || got[0] != "fetch" {
		t.Errorf("GetQuarantinedTools = %v", got)
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(persisted.QuarantinedTools) != 1 {
		t.Errorf("state QuarantinedTools = %v", persisted.QuarantinedTools)
	}

	if err := svc.Unquarantine("fetch"); err != nil {
		t.Fatalf("Unquarantine: %v", err)
	}
	if svc.IsQuarantined("fetch") {
		t.Error("fetch still quarantined after Unquarantine")
	}
}

func TestUnquarantineUnknownToolFails(t *testing.T) {
	svc, _, _ := newSecurityService(t)

	err := svc.Unquarantine("never_blocked")
	if err == nil {
		t.Fatal("unquarantine of unknown tool succeeded")
	}
	if !strings.Contains(err.Error(), "not quarantined") {
		t.Errorf("error = %q", err)
	}
}

func TestLoadFromStateRestoresBaselineAndQuarantine(t *testing.T) {
	svc, _, _ := newSecurityService(t)

	svc.LoadFromState(&state.AppState{
		ToolBaseline: map[string]state.ToolBaselineEntry{
			"read_file": {Name: "read_file", Description: "Read a file"},
		},
		QuarantinedTools: []string{"fetch", "exec"},
	})

	if _, ok := svc.GetBaseline()["read_file"]; !ok {
		t.Error("baseline not restored")
	}
	if !svc.IsQuarantined("fetch") || !svc.IsQuarantined("exec") {
		t.Error("quarantine list not restored")
	}
}
