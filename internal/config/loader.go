// Package config provides configuration loading for the SAFE-MCP gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for safemcp-gateway.yaml/.yml in standard
// locations. The search requires an explicit YAML extension to avoid matching
// the binary itself, which Viper's built-in SetConfigName would match (same
// base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("safemcp-gateway")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SAFEMCP_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("SAFEMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a safemcp-gateway config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".safemcp-gateway"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\safemcp-gateway (typically C:\ProgramData\safemcp-gateway)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "safemcp-gateway"))
		}
	} else {
		paths = append(paths, "/etc/safemcp-gateway")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for safemcp-gateway.yaml
// or .yml. Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "safemcp-gateway"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: SAFEMCP_DETECTION_BLOCK_THRESHOLD overrides detection.block_threshold
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.session_timeout")
	_ = viper.BindEnv("server.session_sweep_interval")
	_ = viper.BindEnv("server.tracing")

	// Detection config
	_ = viper.BindEnv("detection.combiner")
	_ = viper.BindEnv("detection.block_threshold")
	_ = viper.BindEnv("detection.warn_threshold")
	_ = viper.BindEnv("detection.weights.pattern")
	_ = viper.BindEnv("detection.weights.rule")
	_ = viper.BindEnv("detection.weights.ml")
	_ = viper.BindEnv("detection.weights.behavioral")
	_ = viper.BindEnv("detection.inspection_budget")
	_ = viper.BindEnv("detection.workers")
	_ = viper.BindEnv("detection.variant_cap")
	_ = viper.BindEnv("detection.graph_max_nodes")
	_ = viper.BindEnv("detection.adaptive_threshold")
	_ = viper.BindEnv("detection.ml_endpoint")
	_ = viper.BindEnv("detection.strict_catalogue")

	// Upstream config (mutually exclusive: http OR command)
	_ = viper.BindEnv("upstream.http")
	_ = viper.BindEnv("upstream.command")
	_ = viper.BindEnv("upstream.timeout")
	// Note: upstream.args is an array, handled by Viper's env parsing

	// Audit config
	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.warning_threshold")
	_ = viper.BindEnv("audit.buffer_size")

	// Audit file config
	_ = viper.BindEnv("audit_file.dir")
	_ = viper.BindEnv("audit_file.retention_days")
	_ = viper.BindEnv("audit_file.max_file_size_mb")
	_ = viper.BindEnv("audit_file.cache_size")

	// Descriptor files
	_ = viper.BindEnv("files.techniques_dir")
	_ = viper.BindEnv("files.isolation_policies")
	_ = viper.BindEnv("files.workspace_root")
	_ = viper.BindEnv("files.state")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
		// This allows running with pure environment variable configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply default values for optional fields
	cfg.SetDefaults()

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
