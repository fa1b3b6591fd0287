package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a control frame on the runtime WebSocket channel.
// Sequenced events travel on the same channel as bare envelopes; a message
// with a "seq" field is an Event, anything else is a Frame.
type FrameType string

const (
	// FrameExecute submits code for a new session (client → runtime).
	FrameExecute FrameType = "execute"

	// FrameToolResult answers an outstanding tool call (client → runtime).
	FrameToolResult FrameType = "tool_result"

	// FrameCancel cancels a session (client → runtime).
	FrameCancel FrameType = "cancel"

	// FrameToolCall asks the peer to execute a tool (runtime → client).
	// It duplicates the sequenced tool_call event so the peer can answer.
	FrameToolCall FrameType = "tool_call"

	// FrameError reports a channel-level failure (runtime → client).
	FrameError FrameType = "error"
)

// Frame is a control message on the runtime channel. Fields are populated
// per frame type; absent fields are omitted on the wire.
type Frame struct {
	Type            FrameType `json:"type"`
	ProtocolVersion int       `json:"protocolVersion,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`

	// execute
	Code   string          `json:"code,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`

	// tool_call / tool_result
	CallID   string         `json:"callId,omitempty"`
	ToolName string         `json:"toolName,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Success  bool           `json:"success,omitempty"`
	Value    any            `json:"value,omitempty"`

	// tool_result failures and error frames both carry the detail here.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorFrame builds a channel-level error frame.
func ErrorFrame(sessionID string, code Code, message string) *Frame {
	return &Frame{
		Type:      FrameError,
		SessionID: sessionID,
		Error:     &ErrorDetail{Code: code, Message: message},
	}
}

// DecodeMessage parses one runtime-channel message. Exactly one of the
// returns is non-nil: an envelope when the message carries a seq field, a
// frame otherwise.
func DecodeMessage(data []byte) (*Event, *Frame, error) {
	var probe struct {
		Seq *int64 `json:"seq"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("parse channel message: %w", err)
	}
	if probe.Seq != nil {
		ev, err := UnmarshalLine(data)
		if err != nil {
			return nil, nil, err
		}
		return ev, nil, nil
	}
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, nil, fmt.Errorf("parse channel frame: %w", err)
	}
	if fr.Type == "" {
		return nil, nil, fmt.Errorf("channel frame missing type")
	}
	return nil, &fr, nil
}
