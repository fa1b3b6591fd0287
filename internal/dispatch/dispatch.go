// Package dispatch routes tool calls from a running session to whatever can
// answer them: the in-process registry (embedded topology) or the WebSocket
// peer hosting the tools (runtime topology).
//
// Dispatchers only perform calls. The session emits the tool_call and
// tool_result_applied events around Dispatch; the runtime dispatcher
// additionally sends the answerable tool_call frame to its peer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentfront/enclave/pkg/wire"
)

// DefaultMaxResultBytes caps serialized tool results (5 MiB).
const DefaultMaxResultBytes = 5 * 1024 * 1024

// Call is one tool invocation.
type Call struct {
	SessionID string
	CallID    string
	Tool      string
	Args      map[string]any
}

// Dispatcher performs one tool call and blocks until it has an answer.
// Errors are *wire.CodedError; the code decides whether the failure returns
// to user code or kills the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) (any, error)
}

// checkResultSize enforces the serialized result cap shared by both
// dispatcher modes.
func checkResultSize(tool string, value any, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return wire.Errorf(wire.CodeExecutionError, "%s result not serializable: %v", tool, err)
	}
	if int64(len(raw)) > maxBytes {
		return wire.NewError(wire.CodeExecutionError,
			fmt.Sprintf("%s result of %d bytes exceeds limit of %d", tool, len(raw), maxBytes))
	}
	return nil
}
