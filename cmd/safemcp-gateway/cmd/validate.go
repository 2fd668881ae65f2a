package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/cel"
	"github.com/safe-mcp/gateway/internal/config"
	"github.com/safe-mcp/gateway/internal/domain/isolation"
	"github.com/safe-mcp/gateway/internal/domain/rules"
	"github.com/safe-mcp/gateway/internal/domain/technique"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and technique catalogue",
	Long: `Validate the configuration file, the technique catalogue, operator
detection rules, and isolation policies without starting the gateway.

Descriptors are checked strictly: any invalid technique file fails
validation even when detection.strict_catalogue is false.

Exits 0 when everything is valid, 2 otherwise.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("failed to load config: %w", err))
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return exitErr(exitConfigError, fmt.Errorf("config validation failed: %w", err))
	}

	if configFile := config.ConfigFileUsed(); configFile != "" {
		fmt.Printf("config:     %s (valid)\n", configFile)
	} else {
		fmt.Println("config:     defaults + environment (valid)")
	}

	// Catalogue: always strict here, even when the run command would skip
	// bad descriptors.
	catalogue, err := technique.Load(cfg.Files.TechniquesDir, true)
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("technique catalogue invalid: %w", err))
	}
	source := "built-in"
	if cfg.Files.TechniquesDir != "" {
		source = cfg.Files.TechniquesDir
	}
	fmt.Printf("techniques: %d loaded from %s\n", len(catalogue.List()), source)

	if cfg.Files.TechniquesDir != "" {
		rulesPath := filepath.Join(cfg.Files.TechniquesDir, "rules.yaml")
		defs, err := cel.LoadRuleDefs(rulesPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Println("rules:      none (rules.yaml not present)")
		case err != nil:
			return exitErr(exitConfigError, fmt.Errorf("detection rules invalid: %w", err))
		default:
			// Compile into a scratch registry to surface bad expressions.
			scratch := rules.NewRegistry()
			discard := slog.New(slog.NewTextHandler(io.Discard, nil))
			if err := cel.RegisterRules(scratch, defs, discard); err != nil {
				return exitErr(exitConfigError, fmt.Errorf("detection rules invalid: %w", err))
			}
			fmt.Printf("rules:      %d compiled from %s\n", len(defs), rulesPath)
		}
	}

	if cfg.Files.IsolationPolicies != "" {
		policies, err := isolation.LoadPolicies(cfg.Files.IsolationPolicies)
		if err != nil {
			return exitErr(exitConfigError, fmt.Errorf("isolation policies invalid: %w", err))
		}
		fmt.Printf("isolation:  %d policies from %s\n", len(policies), cfg.Files.IsolationPolicies)
	}

	fmt.Println("validation passed")
	return nil
}
