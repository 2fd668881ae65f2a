// Package config provides the configuration schema for the SAFE-MCP gateway.
//
// Configuration is file-based (YAML) with environment variable overrides
// (SAFEMCP_ prefix). The schema intentionally stays small: everything the
// inspection pipeline needs to run, and nothing that belongs in the
// per-technique descriptor files or the upstream state file.
package config

// Config is the top-level configuration for the gateway.
type Config struct {
	// Server configures the optional HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Detection tunes the inspection pipeline: thresholds, combiner,
	// channel weights, and per-request budget.
	Detection DetectionConfig `yaml:"detection" mapstructure:"detection"`

	// Upstream configures a single upstream MCP server (optional in
	// multi-upstream mode, where upstreams come from the state file).
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Audit configures where inspection records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// AuditFile configures the file-based audit persistence.
	// Only used when audit output is "file://...".
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Files points at the on-disk descriptor documents.
	Files FilesConfig `yaml:"files" mapstructure:"files"`

	// DevMode enables development features (verbose logging, etc).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP listener, logging, and session expiry.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Empty disables the HTTP transport; the gateway then runs stdio-only.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json".
	// Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// SessionTimeout is the inactivity duration before sessions expire
	// (e.g., "30m", "1h"). Defaults to "30m".
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`

	// SessionSweepInterval is how often the tracker scans for idle
	// sessions. Defaults to "1m".
	SessionSweepInterval string `yaml:"session_sweep_interval" mapstructure:"session_sweep_interval" validate:"omitempty"`

	// Tracing enables OpenTelemetry stdout tracing of the inspection
	// pipeline. Defaults to false.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// DetectionConfig tunes the inspection pipeline.
type DetectionConfig struct {
	// Combiner selects how matched techniques are combined into one
	// score: "max" (highest single confidence wins) or "weighted"
	// (per-channel weighted sum). Defaults to "max".
	Combiner string `yaml:"combiner" mapstructure:"combiner" validate:"omitempty,oneof=max weighted"`

	// BlockThreshold is the combined score at or above which a request
	// is blocked. Defaults to 0.50.
	BlockThreshold float64 `yaml:"block_threshold" mapstructure:"block_threshold" validate:"omitempty,gt=0,lte=1"`

	// WarnThreshold is the combined score at or above which a request
	// is allowed with a warning. Must be below BlockThreshold.
	// Defaults to 0.30.
	WarnThreshold float64 `yaml:"warn_threshold" mapstructure:"warn_threshold" validate:"omitempty,gt=0,lte=1"`

	// Weights apply per detection channel under the weighted combiner.
	Weights WeightsConfig `yaml:"weights" mapstructure:"weights"`

	// InspectionBudget is the wall-clock budget for inspecting one
	// request (e.g., "100ms"). Analyzers still running at the deadline
	// are abandoned and the partial result is aggregated.
	// Defaults to "100ms".
	InspectionBudget string `yaml:"inspection_budget" mapstructure:"inspection_budget" validate:"omitempty"`

	// Workers bounds the analyzer worker pool. 0 means one worker per
	// logical CPU.
	Workers int `yaml:"workers" mapstructure:"workers" validate:"omitempty,min=1"`

	// VariantCap bounds the deobfuscation variant set per input.
	// Defaults to 32.
	VariantCap int `yaml:"variant_cap" mapstructure:"variant_cap" validate:"omitempty,min=1"`

	// GraphMaxNodes bounds each per-session call graph. Oldest calls
	// are evicted beyond the cap. Defaults to 10000.
	GraphMaxNodes int `yaml:"graph_max_nodes" mapstructure:"graph_max_nodes" validate:"omitempty,min=1"`

	// AdaptiveThreshold is the adjusted-risk value at which the
	// adaptive adjuster stops excusing a call. Defaults to 0.70.
	AdaptiveThreshold float64 `yaml:"adaptive_threshold" mapstructure:"adaptive_threshold" validate:"omitempty,gt=0,lte=1"`

	// MLEndpoint is the URL of a remote inference service for the ML
	// channel (e.g., "http://localhost:9200/score"). Empty selects the
	// built-in deterministic lexical scorer.
	MLEndpoint string `yaml:"ml_endpoint" mapstructure:"ml_endpoint" validate:"omitempty,url"`

	// StrictCatalogue makes startup fail when any technique descriptor
	// is invalid. When false, invalid descriptors are logged and
	// skipped. Defaults to false.
	StrictCatalogue bool `yaml:"strict_catalogue" mapstructure:"strict_catalogue"`
}

// WeightsConfig holds per-channel weights for the weighted combiner.
// Weights do not need to sum to 1; they are applied as given.
type WeightsConfig struct {
	Pattern    float64 `yaml:"pattern" mapstructure:"pattern" validate:"omitempty,gte=0,lte=1"`
	Rule       float64 `yaml:"rule" mapstructure:"rule" validate:"omitempty,gte=0,lte=1"`
	ML         float64 `yaml:"ml" mapstructure:"ml" validate:"omitempty,gte=0,lte=1"`
	Behavioral float64 `yaml:"behavioral" mapstructure:"behavioral" validate:"omitempty,gte=0,lte=1"`
}

// UpstreamConfig configures a single upstream MCP server.
// At most one of HTTP or Command may be specified. Both empty is valid:
// multi-upstream mode takes its upstreams from the state file instead.
type UpstreamConfig struct {
	// HTTP is the URL of a remote MCP server (e.g., "http://localhost:3000/mcp").
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// Command is the path to an MCP server executable to spawn as a subprocess.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are the arguments to pass to the subprocess command.
	Args []string `yaml:"args" mapstructure:"args"`

	// Timeout is the per-request timeout toward the upstream
	// (e.g., "30s", "1m"). Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// AuditConfig configures audit record output.
type AuditConfig struct {
	// Output specifies where audit records are written.
	// Valid values: "stdout", "file:///absolute/path" (JSONL files under
	// that directory), or "sqlite:///absolute/path/audit.db".
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel.
	// Larger values handle burst traffic better but use more memory.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing.
	// Larger batches are more efficient but increase latency.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending records (e.g., "1s", "500ms").
	// Shorter intervals reduce data loss risk but increase I/O.
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout is how long to block when the channel is full
	// (e.g., "100ms", "0"). "0" or empty = drop immediately.
	// Defaults to "100ms" if not specified.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// WarningThreshold is the percentage (0-100) at which to log warnings.
	// When channel depth exceeds this percentage, a warning is logged
	// (rate-limited). Set to 0 to disable. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is the number of recent audit records kept in the
	// in-memory ring buffer for the recent-records query path.
	// Defaults to 1000 if not specified or 0.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// AuditFileConfig configures the file-based audit persistence.
type AuditFileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep audit files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per audit file in megabytes before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	// CacheSize is the number of recent audit records to keep in memory.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// FilesConfig points at the on-disk descriptor documents. All paths are
// optional; when empty, the built-in catalogue and default policies apply.
type FilesConfig struct {
	// TechniquesDir holds one descriptor file per technique
	// (SAFE-T<number>.yaml) plus mitigations.yaml.
	TechniquesDir string `yaml:"techniques_dir" mapstructure:"techniques_dir"`

	// IsolationPolicies is the per-tool capability policy document.
	IsolationPolicies string `yaml:"isolation_policies" mapstructure:"isolation_policies"`

	// WorkspaceRoot is the sandbox root for path-escape checks.
	// Defaults to the process working directory.
	WorkspaceRoot string `yaml:"workspace_root" mapstructure:"workspace_root"`

	// State is the upstream server state file (multi-upstream mode).
	// Defaults to "state.json" next to the config file.
	State string `yaml:"state" mapstructure:"state"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}
	if c.Server.SessionSweepInterval == "" {
		c.Server.SessionSweepInterval = "1m"
	}

	if c.Detection.Combiner == "" {
		c.Detection.Combiner = "max"
	}
	if c.Detection.BlockThreshold == 0 {
		c.Detection.BlockThreshold = 0.50
	}
	if c.Detection.WarnThreshold == 0 {
		c.Detection.WarnThreshold = 0.30
	}
	if c.Detection.Weights == (WeightsConfig{}) {
		c.Detection.Weights = WeightsConfig{
			Pattern:    0.6,
			Rule:       0.25,
			ML:         0.10,
			Behavioral: 0.05,
		}
	}
	if c.Detection.InspectionBudget == "" {
		c.Detection.InspectionBudget = "100ms"
	}
	if c.Detection.VariantCap == 0 {
		c.Detection.VariantCap = 32
	}
	if c.Detection.GraphMaxNodes == 0 {
		c.Detection.GraphMaxNodes = 10000
	}
	if c.Detection.AdaptiveThreshold == 0 {
		c.Detection.AdaptiveThreshold = 0.70
	}

	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "30s"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
	if c.AuditFile.CacheSize == 0 {
		c.AuditFile.CacheSize = 1000
	}

	if c.Files.State == "" {
		c.Files.State = "state.json"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}
