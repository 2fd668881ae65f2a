package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Upstream: UpstreamConfig{HTTP: "http://localhost:3000/mcp"},
		Audit:    AuditConfig{Output: "stdout"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_NoUpstream_MultiUpstreamMode(t *testing.T) {
	t.Parallel()

	// No upstream in YAML is valid -- multi-upstream mode uses the state file.
	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with no upstream (multi-upstream mode) unexpected error: %v", err)
	}
}

func TestHasYAMLUpstream(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if cfg.HasYAMLUpstream() {
		t.Error("HasYAMLUpstream() = true, want false for empty config")
	}

	cfg.Upstream.HTTP = "http://localhost:3000/mcp"
	if !cfg.HasYAMLUpstream() {
		t.Error("HasYAMLUpstream() = false, want true with HTTP set")
	}

	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = "/usr/bin/mcp-server"
	if !cfg.HasYAMLUpstream() {
		t.Error("HasYAMLUpstream() = false, want true with Command set")
	}
}

func TestValidate_BothUpstreams(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = "http://localhost:3000/mcp"
	cfg.Upstream.Command = "/usr/bin/mcp-server"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not both") {
		t.Errorf("error = %q, want to contain 'not both'", err.Error())
	}
}

func TestValidate_InvalidAuditOutput(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Output = "invalid"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Audit.Output") {
		t.Errorf("error = %q, want to contain 'Audit.Output'", errStr)
	}
}

func TestValidate_AuditOutputSchemes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{"stdout", "stdout", false},
		{"absolute file path", "file:///var/log/safemcp", false},
		{"absolute sqlite path", "sqlite:///var/lib/safemcp/audit.db", false},
		{"relative file path", "file://relative/path", true},
		{"relative sqlite path", "sqlite://audit.db", true},
		{"empty file path", "file://", true},
		{"unknown scheme", "postgres://localhost/audit", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			cfg.Audit.Output = tt.output

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate() with output %q expected error, got nil", tt.output)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() with output %q unexpected error: %v", tt.output, err)
			}
		})
	}
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Detection.BlockThreshold = 0.3
	cfg.Detection.WarnThreshold = 0.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for warn >= block, got nil")
	}
	if !strings.Contains(err.Error(), "warn_threshold") {
		t.Errorf("error = %q, want to contain 'warn_threshold'", err.Error())
	}

	// Equal thresholds are also rejected
	cfg2 := minimalValidConfig()
	cfg2.Detection.BlockThreshold = 0.5
	cfg2.Detection.WarnThreshold = 0.5
	if err := cfg2.Validate(); err == nil {
		t.Error("Validate() expected error for warn == block, got nil")
	}
}

func TestValidate_ThresholdRange(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Detection.BlockThreshold = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for block_threshold > 1, got nil")
	}
	if !strings.Contains(err.Error(), "BlockThreshold") {
		t.Errorf("error = %q, want to contain 'BlockThreshold'", err.Error())
	}
}

func TestValidate_InvalidCombiner(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Detection.Combiner = "average"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid combiner, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Combiner") || !strings.Contains(errStr, "max weighted") {
		t.Errorf("error = %q, want to contain 'Combiner' and 'max weighted'", errStr)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("error = %q, want to contain 'LogLevel'", err.Error())
	}
}

func TestValidate_InvalidHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.HTTPAddr = "not a host port"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid http_addr, got nil")
	}
	if !strings.Contains(err.Error(), "HTTPAddr") {
		t.Errorf("error = %q, want to contain 'HTTPAddr'", err.Error())
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate running with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}

	if cfg.Audit.Output != "stdout" {
		t.Errorf("default audit output = %q, want 'stdout'", cfg.Audit.Output)
	}
	if cfg.Detection.Combiner != "max" {
		t.Errorf("default combiner = %q, want 'max'", cfg.Detection.Combiner)
	}
}

func TestValidate_CommandUpstream(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = "/usr/bin/mcp-server"
	cfg.Upstream.Args = []string{"--port", "3000"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with command upstream unexpected error: %v", err)
	}
}
