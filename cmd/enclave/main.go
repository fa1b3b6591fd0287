// Package main provides the CLI entry point for the enclave sandbox broker.
//
// Enclave brokers untrusted code execution for HTTP clients: every session
// produces a densely sequenced event stream (NDJSON over HTTP), tool calls
// are dispatched against a local registry or a remote runtime over a
// WebSocket link, and sessions are bounded by TTLs, tool-call caps, and
// output limits.
//
// # Basic Usage
//
// Start the broker:
//
//	enclave serve --config enclave.yaml
//
// Run a script one-shot and print its event stream:
//
//	enclave exec script.txt
//
// Dump the configuration schema:
//
//	enclave schema
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// exitError carries a process exit code through cobra's error return. A nil
// Err means the exit is deliberate (signal-driven) and nothing should be
// printed.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error { return e.Err }

// exitCode maps an Execute error to the process exit code: exitError wins,
// anything else is 1.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func main() {
	// Default logger until serve/exec install the configured one.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) && ee.Err == nil {
			os.Exit(ee.Code)
		}
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enclave",
		Short: "Enclave - streaming sandbox broker",
		Long: `Enclave brokers untrusted code execution with sequenced event streams.

Clients create sessions over HTTP and read NDJSON event streams; tool calls
are served by the broker's registry or forwarded to a remote runtime over a
duplex WebSocket. Event payloads can be sealed with AES-GCM per session.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error; errors are
		// reported once through the logger in main.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildExecCmd(),
		buildSchemaCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enclave %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			return nil
		},
	}
}
