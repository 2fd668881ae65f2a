package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/safe-mcp/gateway/internal/adapter/inbound/http"
	"github.com/safe-mcp/gateway/internal/adapter/inbound/stdio"
	auditstore "github.com/safe-mcp/gateway/internal/adapter/outbound/audit"
	"github.com/safe-mcp/gateway/internal/adapter/outbound/cel"
	mcpclient "github.com/safe-mcp/gateway/internal/adapter/outbound/mcp"
	"github.com/safe-mcp/gateway/internal/adapter/outbound/memory"
	"github.com/safe-mcp/gateway/internal/adapter/outbound/ml"
	"github.com/safe-mcp/gateway/internal/adapter/outbound/state"
	"github.com/safe-mcp/gateway/internal/config"
	"github.com/safe-mcp/gateway/internal/domain/adaptive"
	"github.com/safe-mcp/gateway/internal/domain/audit"
	"github.com/safe-mcp/gateway/internal/domain/callgraph"
	"github.com/safe-mcp/gateway/internal/domain/isolation"
	"github.com/safe-mcp/gateway/internal/domain/normalize"
	"github.com/safe-mcp/gateway/internal/domain/proxy"
	"github.com/safe-mcp/gateway/internal/domain/rules"
	"github.com/safe-mcp/gateway/internal/domain/session"
	"github.com/safe-mcp/gateway/internal/domain/taint"
	"github.com/safe-mcp/gateway/internal/domain/technique"
	"github.com/safe-mcp/gateway/internal/domain/upstream"
	"github.com/safe-mcp/gateway/internal/domain/verdict"
	"github.com/safe-mcp/gateway/internal/port/outbound"
	"github.com/safe-mcp/gateway/internal/service"
	"github.com/safe-mcp/gateway/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run [-- command [args...]]",
	Short: "Run the inspection gateway",
	Long: `Run the SAFE-MCP inspection gateway.

The gateway can operate in two modes:

1. Stdio mode (default): speak MCP over stdin/stdout toward the client,
   routing tool calls to upstreams from state.json, or to a single
   upstream passed after -- or configured under upstream in the config.

2. HTTP mode: additionally serve MCP over HTTP/SSE when server.http_addr
   is configured.

Examples:
  # Run against the upstreams recorded in state.json
  safemcp-gateway run

  # Run with a specific MCP server command
  safemcp-gateway run -- npx @modelcontextprotocol/server-filesystem /tmp

  # Run with a specific config file
  safemcp-gateway --config /path/to/config.yaml run`,
	RunE: runRun,
}

var devMode bool

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("failed to load config: %w", err))
	}

	if devMode {
		cfg.DevMode = true
	}

	// Override upstream command from args if provided.
	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		if len(args) > 1 {
			cfg.Upstream.Args = args[1:]
		} else {
			cfg.Upstream.Args = nil
		}
		cfg.Upstream.HTTP = ""
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return exitErr(exitConfigError, fmt.Errorf("config validation failed: %w", err))
	}

	// Resolve state file path: CLI flag > env var > config.
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("SAFEMCP_STATE_PATH")
	}
	if statePath == "" {
		statePath = cfg.Files.State
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Setup logger to stderr (stdout reserved for the MCP stream).
	logger := buildLogger(cfg)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "safemcp-gateway stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, statePath, logger); err != nil {
		return exitErr(exitRuntimeError, err)
	}

	logger.Info("safemcp-gateway stopped")

	if ctx.Err() != nil {
		// Shutdown was signal-initiated. Deferred cleanup already ran
		// inside run; remove the PID file before the hard exit.
		os.Remove(pidPath)
		os.Exit(exitInterrupted)
	}
	return nil
}

// run wires all components together and serves until ctx is done.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	// ===== State file =====
	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	// Save immediately to create the file if it didn't exist.
	if err := stateStore.Save(appState); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	logger.Info("state loaded", "path", statePath, "upstreams", len(appState.Upstreams))

	// Backward path: a single YAML upstream with an empty state file is
	// promoted to a state entry so the router can address it by name.
	if cfg.HasYAMLUpstream() && len(appState.Upstreams) == 0 {
		entry := migrateYAMLUpstream(cfg)
		appState.Upstreams = append(appState.Upstreams, entry)
		if err := stateStore.Save(appState); err != nil {
			return fmt.Errorf("failed to save migrated upstream: %w", err)
		}
		logger.Info("migrated configured upstream to state.json", "name", entry.Name, "type", entry.Type)
	}

	upstreamStore := memory.NewUpstreamStore()
	upstreamService := service.NewUpstreamService(upstreamStore, stateStore, logger)
	if err := upstreamService.LoadFromState(ctx, appState); err != nil {
		return fmt.Errorf("failed to load upstreams from state: %w", err)
	}

	// ===== Technique catalogue =====
	catalogue, err := technique.Load(cfg.Files.TechniquesDir, cfg.Detection.StrictCatalogue)
	if err != nil {
		return fmt.Errorf("failed to load technique catalogue: %w", err)
	}
	for _, le := range catalogue.LoadErrors {
		logger.Warn("technique descriptor rejected", "file", le.File, "error", le.Err)
	}
	techniqueStore := technique.NewStore(catalogue)
	logger.Info("technique catalogue loaded", "techniques", len(catalogue.List()))

	go watchCatalogueReload(ctx, cfg, techniqueStore, logger)

	// ===== Rule registry (built-in families + operator CEL rules) =====
	ruleRegistry := rules.NewRegistry()
	if cfg.Files.TechniquesDir != "" {
		rulesPath := filepath.Join(cfg.Files.TechniquesDir, "rules.yaml")
		defs, err := cel.LoadRuleDefs(rulesPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No operator rules; built-ins only.
		case err != nil:
			return fmt.Errorf("failed to load detection rules: %w", err)
		default:
			if err := cel.RegisterRules(ruleRegistry, defs, logger); err != nil {
				return fmt.Errorf("failed to compile detection rules: %w", err)
			}
			logger.Info("operator detection rules registered", "rules", len(defs))
		}
	}

	// ===== Isolation gate =====
	workspaceRoot := cfg.Files.WorkspaceRoot
	if workspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			workspaceRoot = wd
		}
	}
	var overrides map[string]isolation.Policy
	if cfg.Files.IsolationPolicies != "" {
		overrides, err = isolation.LoadPolicies(cfg.Files.IsolationPolicies)
		if err != nil {
			return fmt.Errorf("failed to load isolation policies: %w", err)
		}
		logger.Info("isolation policies loaded", "file", cfg.Files.IsolationPolicies, "policies", len(overrides))
	}
	gate := isolation.NewGate(workspaceRoot, overrides)

	// ===== Behavioral state =====
	taintTracker := taint.NewTracker(taint.WithWorkspaceRoot(workspaceRoot))
	graph := callgraph.NewAnalyzer(callgraph.WithMaxNodes(cfg.Detection.GraphMaxNodes))
	adaptiveEngine := adaptive.NewEngine(adaptive.WithBlockThreshold(cfg.Detection.AdaptiveThreshold))

	// ===== Aggregator =====
	aggregator := verdict.NewAggregator(verdict.Config{
		Combiner: verdict.CombinerKind(cfg.Detection.Combiner),
		Weights: map[verdict.Channel]float64{
			verdict.ChannelPattern:    cfg.Detection.Weights.Pattern,
			verdict.ChannelRule:       cfg.Detection.Weights.Rule,
			verdict.ChannelML:         cfg.Detection.Weights.ML,
			verdict.ChannelBehavioral: cfg.Detection.Weights.Behavioral,
		},
		BlockThreshold: cfg.Detection.BlockThreshold,
		WarnThreshold:  cfg.Detection.WarnThreshold,
	})

	// ===== ML channel backend =====
	var scorer outbound.ModelScorer
	if cfg.Detection.MLEndpoint != "" {
		scorer = ml.NewHTTPScorer(cfg.Detection.MLEndpoint, logger)
		logger.Info("ml channel: remote inference", "endpoint", cfg.Detection.MLEndpoint)
	} else {
		scorer = ml.NewLexicalScorer(logger)
		logger.Debug("ml channel: built-in lexical scorer")
	}

	// ===== Detection service =====
	budget := parseDurationOr(cfg.Detection.InspectionBudget, 100*time.Millisecond,
		"detection.inspection_budget", logger)

	detectionOpts := []service.DetectionOption{
		service.WithModelScorer(scorer),
		service.WithDetectionBudget(budget),
		service.WithNormalizer(normalize.New(cfg.Detection.VariantCap)),
	}
	if cfg.Detection.Workers > 0 {
		detectionOpts = append(detectionOpts, service.WithDetectionWorkers(cfg.Detection.Workers))
	}
	detectionService := service.NewDetectionService(
		techniqueStore, ruleRegistry, gate, taintTracker, graph, adaptiveEngine,
		aggregator, logger, detectionOpts...,
	)

	// ===== Session tracking =====
	sessionTimeout := parseDurationOr(cfg.Server.SessionTimeout, session.DefaultInactivityTimeout,
		"server.session_timeout", logger)
	sweepInterval := parseDurationOr(cfg.Server.SessionSweepInterval, time.Minute,
		"server.session_sweep_interval", logger)

	sessionStore := memory.NewSessionStore()
	sessionTracker := session.NewTracker(sessionStore, session.Config{
		InactivityTimeout: sessionTimeout,
		SweepInterval:     sweepInterval,
	})
	sessionTracker.OnExpire(func(sessionID string) {
		// Release per-session analysis state with the session.
		graph.Drop(sessionID)
		adaptiveEngine.EndSession(sessionID)
	})
	sessionTracker.Start(ctx)
	defer sessionTracker.Stop()

	// ===== Audit pipeline =====
	auditStore, err := createAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	flushInterval := parseDurationOr(cfg.Audit.FlushInterval, time.Second,
		"audit.flush_interval", logger)
	sendTimeout := parseDurationOr(cfg.Audit.SendTimeout, 100*time.Millisecond,
		"audit.send_timeout", logger)

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(flushInterval),
		service.WithSendTimeout(sendTimeout),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	// ===== Upstream manager + tool discovery =====
	clientFactory := defaultClientFactory(cfg)
	manager := service.NewUpstreamManager(upstreamService, clientFactory, logger)
	defer func() { _ = manager.Close() }()

	if err := manager.StartAll(ctx); err != nil {
		logger.Error("failed to start all upstreams", "error", err)
		// Non-fatal: some upstreams may fail, manager retries.
	}

	statusAll := manager.StatusAll()
	var connectedCount int
	for _, status := range statusAll {
		if status == upstream.StatusConnected {
			connectedCount++
		}
	}
	logger.Info("upstream manager started", "total", len(statusAll), "connected", connectedCount)

	toolCache := upstream.NewToolCache()
	discoveryService := service.NewToolDiscoveryService(upstreamService, toolCache, clientFactory, logger)
	defer discoveryService.Stop()

	if err := discoveryService.DiscoverAll(ctx); err != nil {
		logger.Error("tool discovery failed", "error", err)
		// Non-fatal: periodic retry will pick up tools later.
	}
	discoveryService.StartPeriodicRetry(ctx)

	toolCount := toolCache.Count()
	logger.Info("tool discovery complete", "tools", toolCount)

	// ===== Tool security: baseline + quarantine =====
	toolSecurityService := service.NewToolSecurityService(toolCache, stateStore, logger)
	toolSecurityService.LoadFromState(appState)
	applyToolBaseline(ctx, toolSecurityService, toolCount, logger)

	statsService := service.NewStatsService()

	// ===== Tracing =====
	tracing, err := telemetry.NewTracing(cfg.Server.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// ===== Interceptor chain =====
	// Order (outer to inner): Validation -> Audit -> Quarantine ->
	// Inspection -> Router. Audit wraps everything below so blocked and
	// quarantined calls are still recorded.
	lifecycle := proxy.NewLifecycle()
	router := proxy.NewUpstreamRouter(proxy.NewToolCacheAdapter(toolCache), manager, lifecycle, logger)
	defer func() { _ = router.Close() }()

	// A shutdown signal moves the session into draining before the
	// transports close: new requests are rejected, in-flight ones finish.
	go func() {
		<-ctx.Done()
		lifecycle.Drain()
	}()

	inspectionInterceptor := proxy.NewInspectionInterceptor(detectionService, router, logger)
	quarantineInterceptor := proxy.NewQuarantineInterceptor(toolSecurityService, inspectionInterceptor, logger)
	auditInterceptor := proxy.NewAuditInterceptor(auditService, statsService, quarantineInterceptor, logger)
	validationInterceptor := proxy.NewValidationInterceptor(auditInterceptor, logger)

	// ===== Proxy service =====
	// Router-only mode: every upstream, including a YAML-configured one
	// (migrated into state above), is owned by the manager and reached
	// through the router. A direct client would start it twice.
	proxyService := service.NewProxyService(nil, validationInterceptor, logger,
		service.WithSessionRegistrar(sessionTracker),
	)

	logger.Info("safemcp-gateway starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"upstreams", len(statusAll),
		"connected", connectedCount,
		"tools", toolCount,
		"techniques", len(catalogue.List()),
		"combiner", cfg.Detection.Combiner,
		"audit_output", cfg.Audit.Output,
		"state_file", statePath,
	)

	// ===== Transport =====
	if cfg.Server.HTTPAddr != "" {
		registry := prometheus.NewRegistry()
		metrics := telemetry.NewMetrics(registry)

		healthChecker := http.NewHealthChecker(sessionStore, manager, auditService, Version)

		transport := http.NewHTTPTransport(proxyService,
			http.WithAddr(cfg.Server.HTTPAddr),
			http.WithLogger(logger),
			http.WithMetrics(registry, metrics),
			http.WithHealthChecker(healthChecker),
			http.WithStats(statsService),
		)
		logger.Info("transport mode: HTTP", "addr", cfg.Server.HTTPAddr)
		return transport.Start(ctx)
	}

	transport := stdio.NewStdioTransport(proxyService)
	logger.Info("transport mode: stdio")
	return transport.Start(ctx)
}

// buildLogger creates the process logger per config. DevMode forces
// debug level. Output always goes to stderr; stdout carries MCP frames.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// applyToolBaseline captures a first baseline or reports drift against
// the stored one. Tools whose schema changed since capture are
// quarantined until an operator clears them.
func applyToolBaseline(ctx context.Context, svc *service.ToolSecurityService, toolCount int, logger *slog.Logger) {
	if toolCount == 0 {
		return
	}
	if len(svc.GetBaseline()) == 0 {
		if _, err := svc.CaptureBaseline(ctx); err != nil {
			logger.Warn("failed to capture tool baseline", "error", err)
		}
		return
	}

	drifts, err := svc.DetectDrift(ctx)
	if err != nil {
		logger.Warn("tool drift detection failed", "error", err)
		return
	}
	for _, d := range drifts {
		logger.Warn("tool schema drift detected", "tool", d.ToolName, "drift", d.DriftType)
		if d.DriftType == "changed" {
			if err := svc.Quarantine(d.ToolName); err != nil {
				logger.Error("failed to quarantine drifted tool", "tool", d.ToolName, "error", err)
			}
		}
	}
}

// defaultClientFactory returns a ClientFactory that creates MCPClient
// instances based on the upstream type.
func defaultClientFactory(cfg *config.Config) service.ClientFactory {
	return func(u *upstream.Upstream) (outbound.MCPClient, error) {
		switch u.Type {
		case upstream.UpstreamTypeStdio:
			return mcpclient.NewStdioClientWithOptions(u.Command, u.Args,
				mcpclient.WithClientEnv(u.Env),
				mcpclient.WithClientDir(u.Cwd),
			), nil
		case upstream.UpstreamTypeHTTP:
			timeout, err := time.ParseDuration(cfg.Upstream.Timeout)
			if err != nil {
				timeout = 30 * time.Second
			}
			return mcpclient.NewHTTPClient(u.URL, mcpclient.WithTimeout(timeout)), nil
		default:
			return nil, fmt.Errorf("unsupported upstream type: %s", u.Type)
		}
	}
}

// watchCatalogueReload swaps in a freshly loaded technique catalogue on
// SIGHUP. A reload that fails leaves the current catalogue in place.
func watchCatalogueReload(ctx context.Context, cfg *config.Config, store *technique.Store, logger *slog.Logger) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			catalogue, err := technique.Load(cfg.Files.TechniquesDir, cfg.Detection.StrictCatalogue)
			if err != nil {
				logger.Error("catalogue reload failed, keeping current catalogue", "error", err)
				continue
			}
			for _, le := range catalogue.LoadErrors {
				logger.Warn("technique descriptor rejected", "file", le.File, "error", le.Err)
			}
			store.Replace(catalogue)
			logger.Info("technique catalogue reloaded", "techniques", len(catalogue.List()))
		}
	}
}

// migrateYAMLUpstream creates a state.json UpstreamEntry from the YAML
// config's single upstream.
func migrateYAMLUpstream(cfg *config.Config) state.UpstreamEntry {
	now := time.Now().UTC()
	entry := state.UpstreamEntry{
		ID:        uuid.New().String(),
		Name:      "default",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if cfg.Upstream.HTTP != "" {
		entry.Type = string(upstream.UpstreamTypeHTTP)
		entry.URL = cfg.Upstream.HTTP
	} else {
		entry.Type = string(upstream.UpstreamTypeStdio)
		entry.Command = cfg.Upstream.Command
		entry.Args = cfg.Upstream.Args
	}

	return entry
}

// createAuditStore creates an audit store based on configuration.
func createAuditStore(cfg *config.Config, logger *slog.Logger) (audit.AuditStore, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		logger.Debug("audit output: stdout", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(os.Stdout, cfg.Audit.BufferSize), nil

	case hasURIPrefix(cfg.Audit.Output, "file://"):
		dir := parseURIPath(cfg.Audit.Output, "file://")
		if dir == "" {
			return nil, fmt.Errorf("invalid audit file URI: %s", cfg.Audit.Output)
		}
		logger.Debug("audit output: file", "dir", dir)
		return auditstore.NewFileAuditStore(auditstore.AuditFileConfig{
			Dir:           dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.AuditFile.CacheSize,
		}, logger)

	case hasURIPrefix(cfg.Audit.Output, "sqlite://"):
		path := parseURIPath(cfg.Audit.Output, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("invalid audit sqlite URI: %s", cfg.Audit.Output)
		}
		logger.Debug("audit output: sqlite", "path", path)
		return auditstore.NewSQLiteAuditStore(path, logger)

	default:
		return nil, fmt.Errorf("invalid audit output: %s (must be 'stdout', 'file://dir', or 'sqlite://path')", cfg.Audit.Output)
	}
}

func hasURIPrefix(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

// parseURIPath extracts the path from a "scheme://path" URI.
// On Windows, scheme:///C:/path produces /C:/path after prefix trim;
// the leading slash before the drive letter is removed.
func parseURIPath(uri, prefix string) string {
	if !hasURIPrefix(uri, prefix) {
		return ""
	}
	path := uri[len(prefix):]
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return path
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDurationOr parses a duration string, logging and falling back to
// def when the value is invalid.
func parseDurationOr(value string, def time.Duration, key string, logger *slog.Logger) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def.String())
		return def
	}
	return d
}

// pidFilePath returns the standard location for the gateway PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".safemcp-gateway", "gateway.pid")
	}
	return filepath.Join(os.TempDir(), "safemcp-gateway.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
