package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/safe-mcp/gateway/internal/config"
	"github.com/safe-mcp/gateway/internal/domain/technique"
)

var techniquesCmd = &cobra.Command{
	Use:   "techniques",
	Short: "List the loaded technique catalogue",
	Long: `List the SAFE-MCP techniques the gateway would load, with their
tactic, severity, enabled state, and active detection channels.

Reads files.techniques_dir from the config; without it the built-in
catalogue is shown.`,
	RunE: runTechniques,
}

func init() {
	rootCmd.AddCommand(techniquesCmd)
}

func runTechniques(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("failed to load config: %w", err))
	}

	catalogue, err := technique.Load(cfg.Files.TechniquesDir, false)
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("failed to load technique catalogue: %w", err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTACTIC\tSEVERITY\tENABLED\tCHANNELS")
	for _, t := range catalogue.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Name, t.Tactic, t.Severity, t.Enabled, channelSummary(t))
	}
	w.Flush()

	if len(catalogue.LoadErrors) > 0 {
		fmt.Fprintf(os.Stderr, "\n%d descriptor(s) rejected:\n", len(catalogue.LoadErrors))
		for _, le := range catalogue.LoadErrors {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", le.File, le.Err)
		}
	}

	return nil
}

// channelSummary names the detection channels a technique participates in.
func channelSummary(t *technique.Technique) string {
	var channels []string
	if t.HasPatterns() {
		channels = append(channels, "pattern")
	}
	if t.HasRules() {
		channels = append(channels, "rule")
	}
	if t.Detection.MLModel != nil && !t.MLDisabled {
		channels = append(channels, "ml")
	}
	if len(t.Detection.Behavioral) > 0 {
		channels = append(channels, "behavioral")
	}
	if len(channels) == 0 {
		return "-"
	}
	return strings.Join(channels, ",")
}
