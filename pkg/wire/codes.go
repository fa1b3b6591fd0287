package wire

// Code is a stable error code. Codes are the contract; messages are
// informational and may change.
type Code string

const (
	// CodeInvalidRequest marks malformed or missing request fields.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeNotFound marks an unknown session ID.
	CodeNotFound Code = "NOT_FOUND"

	// CodeServiceUnavailable marks a disposed or shutting-down broker.
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"

	// CodeInvalidFilter marks a rejected filter configuration.
	CodeInvalidFilter Code = "INVALID_FILTER"

	// CodeMaxSessions marks the concurrent-session cap.
	CodeMaxSessions Code = "MAX_SESSIONS"

	// CodeUnknownTool marks a call to a tool that is not registered.
	CodeUnknownTool Code = "UNKNOWN_TOOL"

	// CodeValidationError marks tool arguments that failed their schema.
	CodeValidationError Code = "VALIDATION_ERROR"

	// CodeSecretError marks a missing required secret.
	CodeSecretError Code = "SECRET_ERROR"

	// CodeExecutionError marks a tool handler or sandbox failure.
	CodeExecutionError Code = "EXECUTION_ERROR"

	// CodeToolTimeout marks a runtime that did not answer a tool call in
	// time.
	CodeToolTimeout Code = "TOOL_TIMEOUT"

	// CodeRuntimeDisconnected marks a runtime channel that died with the
	// call outstanding.
	CodeRuntimeDisconnected Code = "RUNTIME_DISCONNECTED"

	// CodeMaxToolCallsExceeded marks the per-session tool call cap.
	CodeMaxToolCallsExceeded Code = "MAX_TOOL_CALLS_EXCEEDED"

	// CodeSessionCancelled marks client cancel, TTL expiry, or broker
	// dispose.
	CodeSessionCancelled Code = "SESSION_CANCELLED"

	// CodeExecutionTimeout marks a sandbox execution deadline.
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"

	// CodeExecutionAborted marks an abort signal honoured by the sandbox.
	CodeExecutionAborted Code = "EXECUTION_ABORTED"

	// CodeUnsupportedProtocol marks a protocol version mismatch on
	// connect.
	CodeUnsupportedProtocol Code = "UNSUPPORTED_PROTOCOL"

	// CodeStreamGap marks a replay request older than the buffer's
	// low-water mark.
	CodeStreamGap Code = "STREAM_GAP"
)
