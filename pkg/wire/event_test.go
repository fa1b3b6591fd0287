package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalLineRoundTrip(t *testing.T) {
	events := []*Event{
		{
			ProtocolVersion: ProtocolVersion,
			SessionID:       "s_abc123",
			Seq:             1,
			Type:            EventSessionInit,
			Payload: SessionInitPayload{
				CancelURL: "/sessions/s_abc123",
				ExpiresAt: "2024-01-01T00:01:00Z",
				Encryption: EncryptionInfo{
					Enabled: false,
				},
			},
		},
		{
			ProtocolVersion: ProtocolVersion,
			SessionID:       "s_abc123",
			Seq:             2,
			Type:            EventToolCall,
			Payload: ToolCallPayload{
				CallID:   "c_xyz",
				ToolName: "getCurrentTime",
				Args:     map[string]any{},
			},
		},
		{
			ProtocolVersion: ProtocolVersion,
			SessionID:       "s_abc123",
			Seq:             3,
			Type:            EventHeartbeat,
			Payload:         HeartbeatPayload{},
		},
		{
			ProtocolVersion: ProtocolVersion,
			SessionID:       "s_abc123",
			Seq:             4,
			Type:            EventFinal,
			Payload: FinalPayload{
				OK:     true,
				Result: float64(3),
				Stats:  FinalStats{DurationMs: 12, ToolCallCount: 1},
			},
		},
	}

	for _, ev := range events {
		line, err := MarshalLine(ev)
		if err != nil {
			t.Fatalf("MarshalLine(%s): %v", ev.Type, err)
		}
		if !strings.HasSuffix(string(line), "\n") {
			t.Errorf("line for %s does not end in newline", ev.Type)
		}
		if strings.Count(string(line), "\n") != 1 {
			t.Errorf("line for %s contains embedded newlines", ev.Type)
		}

		got, err := UnmarshalLine(line)
		if err != nil {
			t.Fatalf("UnmarshalLine(%s): %v", ev.Type, err)
		}
		if got.ProtocolVersion != ev.ProtocolVersion {
			t.Errorf("protocolVersion = %d, want %d", got.ProtocolVersion, ev.ProtocolVersion)
		}
		if got.SessionID != ev.SessionID {
			t.Errorf("sessionId = %q, want %q", got.SessionID, ev.SessionID)
		}
		if got.Seq != ev.Seq {
			t.Errorf("seq = %d, want %d", got.Seq, ev.Seq)
		}
		if got.Type != ev.Type {
			t.Errorf("type = %q, want %q", got.Type, ev.Type)
		}

		// Serialize again: parse ∘ serialize must be identity on the line.
		again, err := MarshalLine(got)
		if err != nil {
			t.Fatalf("MarshalLine(round trip %s): %v", ev.Type, err)
		}
		var a, b map[string]any
		if err := json.Unmarshal(line, &a); err != nil {
			t.Fatalf("unmarshal original: %v", err)
		}
		if err := json.Unmarshal(again, &b); err != nil {
			t.Fatalf("unmarshal round trip: %v", err)
		}
		if len(a) != len(b) {
			t.Errorf("round trip changed field count: %d vs %d", len(a), len(b))
		}
	}
}

func TestHeartbeatPayloadIsObject(t *testing.T) {
	line, err := MarshalLine(&Event{
		ProtocolVersion: ProtocolVersion,
		SessionID:       "s_x",
		Seq:             1,
		Type:            EventHeartbeat,
		Payload:         HeartbeatPayload{},
	})
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !strings.Contains(string(line), `"payload":{}`) {
		t.Errorf("heartbeat payload not an empty object: %s", line)
	}
}

func TestUnmarshalLineNilPayload(t *testing.T) {
	ev, err := UnmarshalLine([]byte(`{"protocolVersion":1,"sessionId":"s_x","seq":1,"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("UnmarshalLine: %v", err)
	}
	if ev.Payload == nil {
		t.Error("payload should be normalized to an empty object")
	}
}

func TestDecodePayload(t *testing.T) {
	line := []byte(`{"protocolVersion":1,"sessionId":"s_x","seq":5,"type":"final",` +
		`"payload":{"ok":false,"error":{"code":"UNKNOWN_TOOL","message":"tool not registered: nope"},` +
		`"stats":{"durationMs":7,"toolCallCount":1,"stdoutBytes":0}}}`)
	ev, err := UnmarshalLine(line)
	if err != nil {
		t.Fatalf("UnmarshalLine: %v", err)
	}

	var fin FinalPayload
	if err := DecodePayload(ev, &fin); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if fin.OK {
		t.Error("ok = true, want false")
	}
	if fin.Error == nil || fin.Error.Code != CodeUnknownTool {
		t.Errorf("error = %+v, want code %s", fin.Error, CodeUnknownTool)
	}
	if fin.Stats.ToolCallCount != 1 {
		t.Errorf("toolCallCount = %d, want 1", fin.Stats.ToolCallCount)
	}
}

func TestToMap(t *testing.T) {
	ev := &Event{
		ProtocolVersion: ProtocolVersion,
		SessionID:       "s_x",
		Seq:             2,
		Type:            EventToolCall,
		Payload: ToolCallPayload{
			CallID:   "c_1",
			ToolName: "addNumbers",
			Args:     map[string]any{"a": 10, "b": 20},
		},
	}
	m, err := ToMap(ev)
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	if m["type"] != "tool_call" {
		t.Errorf("type = %v, want tool_call", m["type"])
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want map", m["payload"])
	}
	if payload["toolName"] != "addNumbers" {
		t.Errorf("toolName = %v, want addNumbers", payload["toolName"])
	}
}

func TestKnownEventType(t *testing.T) {
	for _, typ := range []EventType{
		EventSessionInit, EventToolCall, EventToolResultApplied,
		EventHeartbeat, EventError, EventFinal, EventEncrypted,
	} {
		if !KnownEventType(typ) {
			t.Errorf("KnownEventType(%q) = false, want true", typ)
		}
	}
	if KnownEventType("bogus") {
		t.Error("KnownEventType(bogus) = true, want false")
	}
}
