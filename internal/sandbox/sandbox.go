// Package sandbox defines the adapter seam between the broker and whatever
// executes untrusted code, plus a scripted reference adapter used by tests,
// examples, and the exec subcommand.
//
// The broker depends only on the Adapter interface. Real isolation backends
// live behind it; the broker never assumes one.
package sandbox

import (
	"context"
	"time"

	"github.com/agentfront/enclave/pkg/wire"
)

// ToolHandler is supplied by the session. It blocks until the broker has a
// result for the call; errors carry stable codes via *wire.CodedError.
type ToolHandler func(ctx context.Context, name string, args map[string]any) (any, error)

// ExecutionContext carries the per-execution limits and hooks.
type ExecutionContext struct {
	// Timeout bounds the execution. 0 means no adapter-level deadline.
	Timeout time.Duration

	// MaxIterations caps interpreter steps. 0 means unlimited.
	MaxIterations int

	// MaxToolCalls is advisory here. The broker enforces the session cap
	// inside ToolHandler; adapters only report counts in Stats.
	MaxToolCalls int

	// MaxStdoutBytes caps produced output. Exceeding it is fatal to the
	// execution. 0 means unlimited.
	MaxStdoutBytes int64

	// ToolHandler services tool invocations. May be called sequentially or
	// concurrently depending on the sandbox; the broker side is safe for
	// either.
	ToolHandler ToolHandler

	// Globals seed the execution environment.
	Globals map[string]any
}

// Stats summarizes one execution.
type Stats struct {
	Duration       time.Duration
	ToolCallCount  int
	IterationCount int
	StdoutBytes    int64
	StartTime      time.Time
	EndTime        time.Time
}

// SafeError is the only error shape that crosses the sandbox boundary: a
// name, a message, and a stable code. No host stacks, no internals.
type SafeError struct {
	Name    string    `json:"name"`
	Message string    `json:"message"`
	Code    wire.Code `json:"code"`
}

func (e *SafeError) Error() string {
	return e.Name + ": " + e.Message
}

// NewSafeError builds a SafeError with the conventional name for the code.
func NewSafeError(code wire.Code, message string) *SafeError {
	return &SafeError{Name: errorName(code), Message: message, Code: code}
}

func errorName(code wire.Code) string {
	switch code {
	case wire.CodeExecutionTimeout:
		return "TimeoutError"
	case wire.CodeExecutionAborted:
		return "AbortError"
	case wire.CodeUnknownTool, wire.CodeValidationError, wire.CodeSecretError,
		wire.CodeToolTimeout, wire.CodeRuntimeDisconnected:
		return "ToolError"
	default:
		return "ExecutionError"
	}
}

// ExecutionResult is the outcome of one code execution. Success with a
// Value, or a SafeError; never both.
type ExecutionResult struct {
	Success bool
	Value   any
	Error   *SafeError
	Stdout  string
	Stats   Stats
}

// Adapter executes untrusted code.
//
// Execute returns a non-nil result for every execution the adapter could
// run, including failed ones; the error return is reserved for adapter
// infrastructure faults (a dead remote channel, a disposed adapter).
// Dispose releases adapter resources; Execute after Dispose errors.
type Adapter interface {
	Execute(ctx context.Context, code string, ec *ExecutionContext) (*ExecutionResult, error)
	Dispose()
}
