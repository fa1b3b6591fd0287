package main

import (
	"github.com/spf13/cobra"
)

// serveOptions carries the serve command's flag values. Zero values mean the
// flag was not set and the config file (or its defaults) wins.
type serveOptions struct {
	configPath      string
	listen          string
	runtimeWS       string
	logLevel        string
	logFormat       string
	corsOrigins     []string
	maxSessions     int
	sessionTTLMs    int64
	executionMs     int64
	toolTimeoutMs   int64
	heartbeatMs     int64
	maxToolCalls    int
	cleanupSchedule string
}

// buildServeCmd creates the "serve" command that starts the broker.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the enclave broker",
		Long: `Start the enclave broker.

The broker will:
1. Load configuration from the specified file, if any
2. Register built-in tools and preload secrets
3. Connect to the remote runtime when --runtime-ws is set
4. Serve the session API, event streams, and the runtime WebSocket
5. Run the session reaper on its cleanup schedule

Graceful shutdown is handled on SIGINT/SIGTERM signals; SIGINT exits 130.`,
		Example: `  # Start with defaults on 127.0.0.1:8787
  enclave serve

  # Start with a config file and a remote runtime
  enclave serve --config enclave.yaml --runtime-ws ws://runtime:9000/link

  # Tighten limits from the command line
  enclave serve --max-sessions 10 --session-ttl-ms 30000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP bind address HOST:PORT (default 127.0.0.1:8787)")
	cmd.Flags().StringVar(&opts.runtimeWS, "runtime-ws", "", "Remote runtime WebSocket URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format: json or text")
	cmd.Flags().StringArrayVar(&opts.corsOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, \"*\" for any)")
	cmd.Flags().IntVar(&opts.maxSessions, "max-sessions", 0, "Maximum concurrent sessions")
	cmd.Flags().Int64Var(&opts.sessionTTLMs, "session-ttl-ms", 0, "Session lifetime in milliseconds (-1 disables)")
	cmd.Flags().Int64Var(&opts.executionMs, "execution-timeout-ms", 0, "Single execution timeout in milliseconds")
	cmd.Flags().Int64Var(&opts.toolTimeoutMs, "tool-timeout-ms", 0, "Remote tool call timeout in milliseconds")
	cmd.Flags().Int64Var(&opts.heartbeatMs, "heartbeat-ms", 0, "Heartbeat interval in milliseconds (-1 disables)")
	cmd.Flags().IntVar(&opts.maxToolCalls, "max-tool-calls", 0, "Tool call cap per session")
	cmd.Flags().StringVar(&opts.cleanupSchedule, "cleanup-schedule", "", "Reaper schedule, cron or descriptor (default \"@every 60s\")")

	return cmd
}

// execOptions carries the exec command's flag values.
type execOptions struct {
	configPath    string
	code          string
	file          string
	globals       []string
	sessionTTLMs  int64
	executionMs   int64
	maxToolCalls  int
	toolTimeoutMs int64
	quiet         bool
}

// buildExecCmd creates the "exec" command: run one script in an embedded
// session and print its event stream.
func buildExecCmd() *cobra.Command {
	var opts execOptions

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a script one-shot and print its events as NDJSON",
		Long: `Execute a script in a single embedded session.

The script comes from --code, from --file, or from stdin when neither is
given. Every session event is printed to stdout as one JSON line. The
command exits 0 when the final event reports ok, 1 otherwise.`,
		Example: `  # Run inline code
  enclave exec --code 'return 42'

  # Run a script file
  enclave exec --file script.txt

  # Pipe a script through stdin with a seeded global
  echo 'return $who' | enclave exec --global who=world

  # Print only the final event
  enclave exec --quiet --file script.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().StringVar(&opts.code, "code", "", "Inline script to execute")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Script file to execute (\"-\" for stdin)")
	cmd.Flags().StringArrayVar(&opts.globals, "global", nil, "Sandbox global (key=value, value parsed as JSON when possible)")
	cmd.Flags().Int64Var(&opts.sessionTTLMs, "session-ttl-ms", 0, "Session lifetime in milliseconds (-1 disables)")
	cmd.Flags().Int64Var(&opts.executionMs, "execution-timeout-ms", 0, "Execution timeout in milliseconds")
	cmd.Flags().IntVar(&opts.maxToolCalls, "max-tool-calls", 0, "Tool call cap")
	cmd.Flags().Int64Var(&opts.toolTimeoutMs, "tool-timeout-ms", 0, "Tool call timeout in milliseconds")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Print only the final event")

	return cmd
}

// buildSchemaCmd creates the "schema" command that dumps the configuration
// JSON Schema.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration file JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd)
		},
	}
}
