// Package cmd provides the CLI commands for the SAFE-MCP gateway.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safe-mcp/gateway/internal/config"
)

// Exit codes for process invocations.
const (
	exitConfigError  = 2
	exitRuntimeError = 3
	exitInterrupted  = 130
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "safemcp-gateway",
	Short: "SAFE-MCP Gateway - MCP Security Inspection Proxy",
	Long: `SAFE-MCP Gateway is a security inspection proxy for Model Context
Protocol (MCP) servers.

It sits between an MCP client and one or more upstream MCP servers,
inspecting every tool call against the SAFE-MCP technique catalogue:
pattern matching, structured rules, obfuscation normalization, taint
flow tracking, behavioral call-graph analysis, and adaptive per-user
adjustment, aggregated into an allow/warn/block verdict.

Quick start:
  1. Create a config file: safemcp-gateway.yaml
  2. Run: safemcp-gateway run -- npx @modelcontextprotocol/server-filesystem /tmp

Configuration:
  Config is loaded from safemcp-gateway.yaml in the current directory,
  $HOME/.safemcp-gateway/, or /etc/safemcp-gateway/.

  Environment variables can override config values with the SAFEMCP_ prefix.
  Example: SAFEMCP_DETECTION_BLOCK_THRESHOLD=0.7

Commands:
  run         Run the inspection gateway
  validate    Validate configuration and technique catalogue
  techniques  List the loaded technique catalogue
  stop        Stop the running gateway
  reset       Reset to clean state (remove state.json)
  version     Print version information`,
}

// exitCodeError wraps an error with the process exit code it should
// produce. Execute unwraps it.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

// Execute runs the root command and maps errors to exit codes:
// 2 for configuration errors, 3 for runtime errors, 130 for user
// interruption, 1 otherwise.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if msg := ec.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./safemcp-gateway.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: files.state from config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
