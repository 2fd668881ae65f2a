package service

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/memory"
	"github.com/safe-mcp/gateway/internal/adapter/outbound/state"
	"github.com/safe-mcp/gateway/internal/domain/upstream"
)

// newConfigFixture builds an UpstreamService over a fresh in-memory
// store and an initialized temp state file, returning the state path
// so tests can reopen it and check what was persisted.
func newConfigFixture(t *testing.T) (*UpstreamService, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.json")

	logger := managerLogger()
	stateStore := state.NewFileStateStore(statePath, logger)
	if err := stateStore.Save(stateStore.DefaultState()); err != nil {
		t.Fatalf("save default state: %v", err)
	}

	return NewUpstreamService(memory.NewUpstreamStore(), stateStore, logger), statePath
}

func fsServerUpstream() *upstream.Upstream {
	return &upstream.Upstream{
		Name:    "test-mcp-server",
		Type:    upstream.UpstreamTypeStdio,
		Enabled: true,
		Command: "/usr/bin/npx",
		Args:    []string{"@modelcontextprotocol/server-filesystem", "/tmp"},
		Env:     map[string]string{"NODE_ENV": "production"},
	}
}

func remoteServerUpstream() *upstream.Upstream {
	return &upstream.Upstream{
		Name:    "remote-mcp-server",
		Type:    upstream.UpstreamTypeHTTP,
		Enabled: true,
		URL:     "http://localhost:8080/mcp",
	}
}

// loadPersisted reopens the state file and returns the upstream
// entries it holds.
func loadPersisted(t *testing.T, statePath string) []state.UpstreamEntry {
	t.Helper()
	appState, err := state.NewFileStateStore(statePath, slog.Default()).Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return appState.Upstreams
}

func TestConfigAddStdio(t *testing.T) {
	svc, statePath := newConfigFixture(t)
	ctx := context.Background()

	result, err := svc.Add(ctx, fsServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if result.ID == "" {
		t.Error("no ID assigned")
	}
	if result.CreatedAt.IsZero() || result.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if result.Name != "test-mcp-server" || result.Command != "/usr/bin/npx" {
		t.Errorf("fields not preserved: %+v", result)
	}

	got, err := svc.Get(ctx, result.ID)
	if err != nil {
		t.Fatalf("Get after Add: %v", err)
	}
	if got.Name != result.Name {
		t.Errorf("Get name = %q, want %q", got.Name, result.Name)
	}

	entries := loadPersisted(t, statePath)
	if len(entries) != 1 || entries[0].Name != "test-mcp-server" {
		t.Errorf("persisted entries = %+v, want one named test-mcp-server", entries)
	}
}

func TestConfigAddHTTP(t *testing.T) {
	svc, _ := newConfigFixture(t)

	result, err := svc.Add(context.Background(), remoteServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if result.ID == "" {
		t.Error("no ID assigned")
	}
	if result.Type != upstream.UpstreamTypeHTTP || result.URL != "http://localhost:8080/mcp" {
		t.Errorf("fields not preserved: %+v", result)
	}
}

func TestConfigAddRejectsDuplicateName(t *testing.T) {
	svc, _ := newConfigFixture(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, fsServerUpstream()); err != nil {
		t.Fatalf("first Add: %v", err)
	}

	dupe := fsServerUpstream()
	dupe.Command = "/usr/bin/other"
	if _, err := svc.Add(ctx, dupe); !errors.Is(err, upstream.ErrDuplicateUpstreamName) {
		t.Errorf("Add duplicate = %v, want ErrDuplicateUpstreamName", err)
	}
}

func TestConfigAddRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*upstream.Upstream)
	}{
		{"empty name", func(u *upstream.Upstream) { u.Name = "" }},
		{"name over 100 chars", func(u *upstream.Upstream) { u.Name = strings.Repeat("a", 101) }},
		{"name with markup", func(u *upstream.Upstream) { u.Name = "test<script>alert(1)</script>" }},
		{"stdio without command", func(u *upstream.Upstream) { u.Command = "" }},
		{"unknown type", func(u *upstream.Upstream) { u.Type = upstream.UpstreamType("grpc") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newConfigFixture(t)
			u := fsServerUpstream()
			tt.mod(u)
			if _, err := svc.Add(context.Background(), u); err == nil {
				t.Error("Add accepted an invalid upstream")
			}
		})
	}
}

func TestConfigAddRejectsBadHTTPConfig(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"missing URL", ""},
		{"not a URL", "not-a-valid-url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newConfigFixture(t)
			u := remoteServerUpstream()
			u.URL = tt.url
			if _, err := svc.Add(context.Background(), u); err == nil {
				t.Error("Add accepted a bad HTTP upstream")
			}
		})
	}
}

func TestConfigAddAllowsNameAlphabet(t *testing.T) {
	svc, _ := newConfigFixture(t)

	u := fsServerUpstream()
	u.Name = "My MCP Server-v2_test"
	result, err := svc.Add(context.Background(), u)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if result.Name != "My MCP Server-v2_test" {
		t.Errorf("name = %q", result.Name)
	}
}

func TestConfigList(t *testing.T) {
	svc, _ := newConfigFixture(t)
	ctx := context.Background()

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("empty store listed %d upstreams", len(list))
	}

	if _, err := svc.Add(ctx, fsServerUpstream()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, remoteServerUpstream()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list, err = svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("listed %d upstreams, want 2", len(list))
	}
}

func TestConfigGetUnknownID(t *testing.T) {
	svc, _ := newConfigFixture(t)

	if _, err := svc.Get(context.Background(), "nonexistent-id"); !errors.Is(err, upstream.ErrUpstreamNotFound) {
		t.Errorf("Get = %v, want ErrUpstreamNotFound", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	svc, statePath := newConfigFixture(t)
	ctx := context.Background()

	created, err := svc.Add(ctx, fsServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	replacement := fsServerUpstream()
	replacement.Name = "renamed-server"
	result, err := svc.Update(ctx, created.ID, replacement)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result.Name != "renamed-server" {
		t.Errorf("name = %q, want renamed-server", result.Name)
	}
	if !result.UpdatedAt.After(created.UpdatedAt) {
		t.Error("UpdatedAt did not advance")
	}
	if !result.CreatedAt.Equal(created.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}

	entries := loadPersisted(t, statePath)
	if len(entries) != 1 || entries[0].Name != "renamed-server" {
		t.Errorf("persisted entries = %+v", entries)
	}
}

func TestConfigUpdateNameCollision(t *testing.T) {
	svc, _ := newConfigFixture(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, fsServerUpstream()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := svc.Add(ctx, remoteServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Stealing the first upstream's name must fail.
	hijack := remoteServerUpstream()
	hijack.Name = "test-mcp-server"
	if _, err := svc.Update(ctx, second.ID, hijack); !errors.Is(err, upstream.ErrDuplicateUpstreamName) {
		t.Errorf("Update = %v, want ErrDuplicateUpstreamName", err)
	}

	// Keeping its own name must not.
	keep := fsServerUpstream()
	keep.Command = "/usr/bin/other"
	first, _ := svc.List(ctx)
	var firstID string
	for _, u := range first {
		if u.Name == "test-mcp-server" {
			firstID = u.ID
		}
	}
	result, err := svc.Update(ctx, firstID, keep)
	if err != nil {
		t.Fatalf("Update with own name: %v", err)
	}
	if result.Command != "/usr/bin/other" {
		t.Errorf("command = %q", result.Command)
	}
}

func TestConfigUpdateUnknownID(t *testing.T) {
	svc, _ := newConfigFixture(t)

	if _, err := svc.Update(context.Background(), "nonexistent-id", fsServerUpstream()); !errors.Is(err, upstream.ErrUpstreamNotFound) {
		t.Errorf("Update = %v, want ErrUpstreamNotFound", err)
	}
}

func TestConfigDelete(t *testing.T) {
	svc, statePath := newConfigFixture(t)
	ctx := context.Background()

	created, err := svc.Add(ctx, fsServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, upstream.ErrUpstreamNotFound) {
		t.Errorf("Get after Delete = %v, want ErrUpstreamNotFound", err)
	}
	if entries := loadPersisted(t, statePath); len(entries) != 0 {
		t.Errorf("state still holds %d entries after delete", len(entries))
	}
}

func TestConfigDeleteUnknownID(t *testing.T) {
	svc, _ := newConfigFixture(t)

	if err := svc.Delete(context.Background(), "nonexistent-id"); !errors.Is(err, upstream.ErrUpstreamNotFound) {
		t.Errorf("Delete = %v, want ErrUpstreamNotFound", err)
	}
}

func TestConfigSetEnabled(t *testing.T) {
	svc, statePath := newConfigFixture(t)
	ctx := context.Background()

	created, err := svc.Add(ctx, fsServerUpstream())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := svc.SetEnabled(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if result.Enabled {
		t.Error("still enabled after disable")
	}
	if entries := loadPersisted(t, statePath); len(entries) != 1 || entries[0].Enabled {
		t.Errorf("persisted enabled flag wrong: %+v", entries)
	}

	result, err = svc.SetEnabled(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if !result.Enabled {
		t.Error("still disabled after enable")
	}
}

func TestConfigSetEnabledUnknownID(t *testing.T) {
	svc, _ := newConfigFixture(t)

	if _, err := svc.SetEnabled(context.Background(), "nonexistent-id", false); !errors.Is(err, upstream.ErrUpstreamNotFound) {
		t.Errorf("SetEnabled = %v, want ErrUpstreamNotFound", err)
	}
}

func TestConfigLoadFromState(t *testing.T) {
	svc, _ := newConfigFixture(t)
	ctx := context.Background()

	appState := &state.AppState{
		Version: "1",
		Upstreams: []state.UpstreamEntry{
			{
				ID:      "upstream-1",
				Name:    "MCP Filesystem",
				Type:    "stdio",
				Enabled: true,
				Command: "/usr/bin/npx",
				Args:    []string{"@modelcontextprotocol/server-filesystem", "/tmp"},
				Env:     map[string]string{"DEBUG": "1"},
			},
			{
				ID:      "upstream-2",
				Name:    "MCP Remote",
				Type:    "http",
				Enabled: false,
				URL:     "http://localhost:9090/mcp",
			},
		},
	}

	if err := svc.LoadFromState(ctx, appState); err != nil {
		t.Fatalf("LoadFromState: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("loaded %d upstreams, want 2", len(list))
	}

	u1, err := svc.Get(ctx, "upstream-1")
	if err != nil {
		t.Fatalf("Get upstream-1: %v", err)
	}
	if u1.Name != "MCP Filesystem" || u1.Type != upstream.UpstreamTypeStdio {
		t.Errorf("upstream-1 = %+v", u1)
	}
	if len(u1.Args) != 2 || u1.Env["DEBUG"] != "1" {
		t.Errorf("upstream-1 args/env not restored: %+v", u1)
	}
	if u1.Status != upstream.StatusDisconnected {
		t.Errorf("upstream-1 status = %q, want disconnected", u1.Status)
	}

	u2, err := svc.Get(ctx, "upstream-2")
	if err != nil {
		t.Fatalf("Get upstream-2: %v", err)
	}
	if u2.Enabled || u2.URL != "http://localhost:9090/mcp" {
		t.Errorf("upstream-2 = %+v", u2)
	}
}

func TestConfigLoadFromStateEmpty(t *testing.T) {
	svc, _ := newConfigFixture(t)
	ctx := context.Background()

	appState := &state.AppState{Version: "1"}
	if err := svc.LoadFromState(ctx, appState); err != nil {
		t.Fatalf("LoadFromState: %v", err)
	}

	list, _ := svc.List(ctx)
	if len(list) != 0 {
		t.Errorf("loaded %d upstreams from empty state", len(list))
	}
}

func TestUpstreamValidate(t *testing.T) {
	tests := []struct {
		name    string
		u       *upstream.Upstream
		wantErr bool
	}{
		{"valid stdio", fsServerUpstream(), false},
		{"valid http", remoteServerUpstream(), false},
		{"empty name", &upstream.Upstream{Type: upstream.UpstreamTypeStdio, Command: "/bin/x"}, true},
		{"unknown type", &upstream.Upstream{Name: "test", Type: upstream.UpstreamType("websocket")}, true},
		{"stdio no command", &upstream.Upstream{Name: "test", Type: upstream.UpstreamTypeStdio}, true},
		{"http no url", &upstream.Upstream{Name: "test", Type: upstream.UpstreamTypeHTTP}, true},
		{"http bad url", &upstream.Upstream{Name: "test", Type: upstream.UpstreamTypeHTTP, URL: "://missing-scheme"}, true},
		{"name punctuation", &upstream.Upstream{Name: "test@server!#$", Type: upstream.UpstreamTypeStdio, Command: "/bin/x"}, true},
		{"name over limit", &upstream.Upstream{Name: strings.Repeat("a", 101), Type: upstream.UpstreamTypeStdio, Command: "/bin/x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.u.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
