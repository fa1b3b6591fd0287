package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/gateway"
	"github.com/agentfront/enclave/internal/infra"
	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/internal/tools"
	"github.com/agentfront/enclave/pkg/wire"
)

const shutdownBudget = 30 * time.Second

// runServe implements the serve command: wire the stack, serve until a
// shutdown signal, then tear down in phases. Exit codes: 1 for bad
// configuration, 2 when the listener cannot bind, 130 on SIGINT.
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
		gatherer = registry
	}

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "enclave",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	registry := tools.NewRegistry(logger, metrics)
	if err := tools.RegisterBuiltins(registry, cfg.Tools.Builtin...); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	for name, value := range cfg.Secrets {
		registry.SetSecret(name, value)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		MaxSessions:     cfg.Limits.MaxSessions,
		Limits:          limitsFromConfig(cfg.Limits),
		CleanupSchedule: cfg.Cleanup.Schedule,
		Registry:        registry,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	var link *gateway.RuntimeLink
	if cfg.RuntimeWS != "" {
		link, err = gateway.NewRuntimeLink(gateway.RuntimeLinkConfig{
			URL:     cfg.RuntimeWS,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return fmt.Errorf("runtime link: %w", err)
		}
	}

	server, err := gateway.NewServer(gateway.Config{
		Listen:              cfg.Listen,
		CORSOrigins:         cfg.CORS.Origins,
		Manager:             manager,
		Link:                link,
		MaxPendingToolCalls: cfg.Limits.MaxPendingToolCalls,
		Logger:              logger,
		Metrics:             metrics,
		Tracer:              tracer,
		Gatherer:            gatherer,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// Bind before anything else starts so a taken port fails fast.
	if err := server.Start(); err != nil {
		return &exitError{Code: 2, Err: fmt.Errorf("bind %s: %w", cfg.Listen, err)}
	}

	if link != nil {
		link.Start()
	}
	manager.Start(ctx)

	coordinator := infra.NewShutdownCoordinator(shutdownBudget, logger)
	coordinator.RegisterFunc("http-server", infra.PhasePreShutdown, server.Shutdown)
	coordinator.RegisterFunc("session-manager", infra.PhaseServices, func(context.Context) error {
		manager.Dispose()
		return nil
	})
	if link != nil {
		coordinator.RegisterFunc("runtime-link", infra.PhaseConnections, func(context.Context) error {
			link.Close()
			return nil
		})
	}
	coordinator.RegisterFunc("tracer", infra.PhaseConnections, stopTracer)

	logger.Info(ctx, "enclave broker started",
		"version", version,
		"listen", server.Addr().String(),
		"runtime_ws", cfg.RuntimeWS,
		"max_sessions", cfg.Limits.MaxSessions,
		"metrics", cfg.Metrics.Enabled,
	)

	select {
	case <-coordinator.OnSignal():
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		coordinator.Shutdown(shutdownCtx)
	}

	if coordinator.Signal() == syscall.SIGINT {
		return &exitError{Code: 130}
	}
	return nil
}

// loadServeConfig loads the configuration file (or defaults) and lays the
// serve flags over it.
func loadServeConfig(opts serveOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.runtimeWS != "" {
		cfg.RuntimeWS = opts.runtimeWS
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if len(opts.corsOrigins) > 0 {
		cfg.CORS.Origins = opts.corsOrigins
	}
	if opts.maxSessions != 0 {
		cfg.Limits.MaxSessions = opts.maxSessions
	}
	if opts.sessionTTLMs != 0 {
		cfg.Limits.SessionTTLMs = opts.sessionTTLMs
	}
	if opts.executionMs != 0 {
		cfg.Limits.ExecutionTimeoutMs = opts.executionMs
	}
	if opts.toolTimeoutMs != 0 {
		cfg.Limits.ToolTimeoutMs = opts.toolTimeoutMs
	}
	if opts.heartbeatMs != 0 {
		cfg.Limits.HeartbeatIntervalMs = opts.heartbeatMs
	}
	if opts.maxToolCalls != 0 {
		cfg.Limits.MaxToolCalls = opts.maxToolCalls
	}
	if opts.cleanupSchedule != "" {
		cfg.Cleanup.Schedule = opts.cleanupSchedule
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// limitsFromConfig converts the millisecond config fields into session
// limits. Negative values pass through, which is how TTL and heartbeats are
// disabled.
func limitsFromConfig(l config.LimitsConfig) session.Limits {
	return session.Limits{
		SessionTTL:         msDuration(l.SessionTTLMs),
		ExecutionTimeout:   msDuration(l.ExecutionTimeoutMs),
		ToolTimeout:        msDuration(l.ToolTimeoutMs),
		HeartbeatInterval:  msDuration(l.HeartbeatIntervalMs),
		MaxToolCalls:       l.MaxToolCalls,
		MaxStdoutBytes:     l.MaxStdoutBytes,
		MaxToolResultBytes: l.MaxToolResultBytes,
		MaxBufferedEvents:  l.MaxBufferedEvents,
	}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// runExec implements the exec command: read the script, run it in one
// embedded session, and print the event stream as NDJSON.
func runExec(cmd *cobra.Command, opts execOptions) error {
	if opts.code != "" && opts.file != "" {
		return fmt.Errorf("--code and --file are mutually exclusive")
	}
	code := opts.code
	if code == "" {
		var err error
		code, err = readScript(cmd.InOrStdin(), opts.file)
		if err != nil {
			return err
		}
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if opts.sessionTTLMs != 0 {
		cfg.Limits.SessionTTLMs = opts.sessionTTLMs
	}
	if opts.executionMs != 0 {
		cfg.Limits.ExecutionTimeoutMs = opts.executionMs
	}
	if opts.maxToolCalls != 0 {
		cfg.Limits.MaxToolCalls = opts.maxToolCalls
	}
	if opts.toolTimeoutMs != 0 {
		cfg.Limits.ToolTimeoutMs = opts.toolTimeoutMs
	}

	globals, err := parseGlobals(opts.globals)
	if err != nil {
		return err
	}

	// Keep stdout clean for the event stream: logs go to stderr at warn.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: cfg.Log.Format,
	})

	registry := tools.NewRegistry(logger, nil)
	if err := tools.RegisterBuiltins(registry, cfg.Tools.Builtin...); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	for name, value := range cfg.Secrets {
		registry.SetSecret(name, value)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		MaxSessions: 1,
		Limits:      limitsFromConfig(cfg.Limits),
		Registry:    registry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer manager.Dispose()

	out := cmd.OutOrStdout()
	onEvent := func(ev *wire.Event) {
		if opts.quiet && ev.Type != wire.EventFinal {
			return
		}
		line, err := wire.MarshalLine(ev)
		if err != nil {
			logger.Warn(cmd.Context(), "drop unencodable event", "type", ev.Type, "error", err)
			return
		}
		out.Write(line)
	}

	final, err := manager.ExecuteAndWait(cmd.Context(), code, session.Options{Globals: globals}, onEvent)
	if err != nil {
		return err
	}
	if final == nil || !final.OK {
		msg := "execution failed"
		if final != nil && final.Error != nil {
			msg = fmt.Sprintf("execution failed: %s: %s", final.Error.Code, final.Error.Message)
		}
		return &exitError{Code: 1, Err: fmt.Errorf("%s", msg)}
	}
	return nil
}

// readScript loads the script from the path, or stdin when the path is empty
// or "-".
func readScript(stdin io.Reader, path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

// parseGlobals turns key=value flags into a globals map. Values parse as
// JSON when possible and fall back to plain strings.
func parseGlobals(items []string) (map[string]any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid global %q, expected key=value", item)
		}
		key := strings.TrimSpace(parts[0])
		value := parts[1]
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	return out, nil
}

// runSchema prints the configuration JSON Schema.
func runSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
	return nil
}
