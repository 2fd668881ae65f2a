package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safe-mcp/gateway/internal/config"
)

var (
	resetIncludeAudit bool
	resetForce        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the gateway to a clean state",
	Long: `Reset the gateway by removing persistent state files.

By default, only state.json (and its backup) is removed. This clears all
registered upstreams, the tool baseline, and the quarantine list.

On next run, the gateway boots with a clean state: either from the YAML
config's upstream (if present) or completely empty.

Optional flags:
  --include-audit   Also remove audit files (file:// dir or sqlite:// database)
  --force           Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  safemcp-gateway reset

  # Reset everything without prompting
  safemcp-gateway reset --include-audit --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeAudit, "include-audit", false, "Also remove audit files")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	// Resolve state file path (same logic as the run command).
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("SAFEMCP_STATE_PATH")
	}
	if statePath == "" {
		if cfg, err := loadConfigForReset(); err == nil {
			statePath = cfg.Files.State
		}
	}
	if statePath == "" {
		statePath = "state.json"
	}

	// Build list of targets to remove.
	type target struct {
		path string
		desc string
	}
	var targets []target

	// Always include state.json and its backup.
	targets = append(targets, target{statePath, "state file"})
	targets = append(targets, target{statePath + ".bak", "state backup"})

	// Optional: audit files.
	if resetIncludeAudit {
		cfg, err := loadConfigForReset()
		if err == nil {
			if dir := parseURIPath(cfg.Audit.Output, "file://"); dir != "" {
				targets = append(targets, target{dir, "audit directory"})
			}
			if db := parseURIPath(cfg.Audit.Output, "sqlite://"); db != "" {
				targets = append(targets, target{db, "audit database"})
			}
			if cfg.AuditFile.Dir != "" {
				targets = append(targets, target{cfg.AuditFile.Dir, "audit directory"})
			}
		}
	}

	// Check what actually exists.
	var existing []target
	seen := make(map[string]bool)
	for _, t := range targets {
		if seen[t.path] {
			continue
		}
		seen[t.path] = true
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset: no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var failures int
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			failures++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d file(s) could not be removed", failures)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. The gateway will start fresh on next launch.")
	return nil
}

// loadConfigForReset attempts to load config to discover state and audit
// file paths. Non-fatal on error.
func loadConfigForReset() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return &config.Config{}, err
	}
	return cfg, nil
}
