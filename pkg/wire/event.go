// Package wire defines the broker's protocol surface: the sequenced event
// envelope streamed to clients, the error code vocabulary, and the frame
// types exchanged on the runtime WebSocket channel.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is stamped on every event envelope. A receiver whose known
// version does not match must reject the stream with UNSUPPORTED_PROTOCOL.
const ProtocolVersion = 1

// EventType identifies the kind of event on a session stream.
type EventType string

const (
	// EventSessionInit is the first event of every session. Its payload
	// carries the cancel URL, the expiry deadline, and whether the stream
	// is encrypted.
	EventSessionInit EventType = "session_init"

	// EventToolCall records that user code invoked a tool.
	EventToolCall EventType = "tool_call"

	// EventToolResultApplied acknowledges that a tool result was handed
	// back into user code, successful or not.
	EventToolResultApplied EventType = "tool_result_applied"

	// EventHeartbeat is an empty-payload liveness event emitted at a fixed
	// interval while the session is active.
	EventHeartbeat EventType = "heartbeat"

	// EventError reports a session-level error. Non-recoverable errors are
	// followed by a final event.
	EventError EventType = "error"

	// EventFinal is the last event on every stream, exactly once.
	EventFinal EventType = "final"

	// EventEncrypted wraps another event, AES-GCM sealed with the
	// session key. Sequence numbering applies to this outer envelope.
	EventEncrypted EventType = "encrypted"
)

// KnownEventType reports whether t is one of the defined event types.
func KnownEventType(t EventType) bool {
	switch t {
	case EventSessionInit, EventToolCall, EventToolResultApplied,
		EventHeartbeat, EventError, EventFinal, EventEncrypted:
		return true
	}
	return false
}

// Event is the single wire object. Within a session, Seq starts at 1 and
// increases by exactly 1 per emitted event; (SessionID, Seq) uniquely
// identifies an event for replay.
type Event struct {
	ProtocolVersion int       `json:"protocolVersion"`
	SessionID       string    `json:"sessionId"`
	Seq             int64     `json:"seq"`
	Type            EventType `json:"type"`
	Payload         any       `json:"payload"`
}

// EncryptionInfo describes the session's encryption mode inside the
// session_init payload.
type EncryptionInfo struct {
	Enabled bool   `json:"enabled"`
	KID     string `json:"kid,omitempty"`
}

// SessionInitPayload is the payload of a session_init event. ExpiresAt is
// ISO-8601.
type SessionInitPayload struct {
	CancelURL  string         `json:"cancelUrl"`
	ExpiresAt  string         `json:"expiresAt"`
	Encryption EncryptionInfo `json:"encryption"`
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	CallID   string         `json:"callId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

// ToolResultAppliedPayload is the payload of a tool_result_applied event.
type ToolResultAppliedPayload struct {
	CallID string `json:"callId"`
}

// HeartbeatPayload is intentionally empty; it marshals to {}.
type HeartbeatPayload struct{}

// ErrorDetail is the {code,message} pair carried by final events and HTTP
// error bodies.
type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// FinalStats summarizes a finished session.
type FinalStats struct {
	DurationMs    int64 `json:"durationMs"`
	ToolCallCount int   `json:"toolCallCount"`
	StdoutBytes   int64 `json:"stdoutBytes"`
}

// FinalPayload is the payload of the final event.
type FinalPayload struct {
	OK     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
	Stats  FinalStats   `json:"stats"`
}

// EncryptedPayload is the payload of an encrypted envelope.
type EncryptedPayload struct {
	KID           string `json:"kid"`
	NonceB64      string `json:"nonceB64"`
	CiphertextB64 string `json:"ciphertextB64"`
}

// ToMap returns the event as the generic JSON shape filters traverse.
func ToMap(ev *Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return m, nil
}

// DecodePayload converts an event payload (typically map[string]any after a
// wire round trip) into a typed payload struct.
func DecodePayload(ev *Event, dst any) error {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}

// MarshalLine serializes an event as one NDJSON line, newline included.
func MarshalLine(ev *Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append(raw, '\n'), nil
}

// UnmarshalLine parses one NDJSON line into an event.
func UnmarshalLine(line []byte) (*Event, error) {
	line = bytes.TrimRight(line, "\r\n")
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("parse event line: %w", err)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return &ev, nil
}
