package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

func dialRuntime(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runtime"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendTestFrame(t *testing.T, conn *websocket.Conn, fr *wire.Frame) {
	t.Helper()
	raw, err := json.Marshal(fr)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readChannel reads one message off the runtime channel. Exactly one of the
// returns is non-nil.
func readChannel(t *testing.T, conn *websocket.Conn) (*wire.Event, *wire.Frame) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read channel: %v", err)
	}
	ev, fr, err := wire.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode channel message: %v", err)
	}
	return ev, fr
}

func TestServer_Runtime_ExecuteStreamsEnvelopes(t *testing.T) {
	manager := newTestManager(t, nil)
	ts := newTestServer(t, manager, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_exec_1",
		Code:            "return {\"v\": 7}",
	})

	var events []*wire.Event
	for {
		ev, fr := readChannel(t, conn)
		if fr != nil {
			t.Fatalf("unexpected frame: %+v", fr)
		}
		events = append(events, ev)
		if ev.Type == wire.EventFinal {
			break
		}
	}

	assertDense(t, events, 1)
	assertEventTypes(t, events, wire.EventSessionInit, wire.EventFinal)
	final := finalOf(t, events)
	if !final.OK {
		t.Fatalf("final not ok: %+v", final.Error)
	}
	result, _ := final.Result.(map[string]any)
	if result["v"] != float64(7) {
		t.Errorf("result = %v, want v:7", final.Result)
	}

	sess, err := manager.Get("s_rt_exec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Mode() != session.ModeRuntime {
		t.Errorf("mode = %q, want %q", sess.Mode(), session.ModeRuntime)
	}
}

func TestServer_Runtime_ToolCallRoundtrip(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_tool_1",
		Code:            "call r = peerTool {\"x\": 1}\nreturn $r",
	})

	var events []*wire.Event
	var toolCall *wire.Frame
	for {
		ev, fr := readChannel(t, conn)
		if fr != nil {
			if fr.Type != wire.FrameToolCall {
				t.Fatalf("unexpected frame type %q", fr.Type)
			}
			toolCall = fr
			if toolCall.ToolName != "peerTool" {
				t.Errorf("toolName = %q, want peerTool", toolCall.ToolName)
			}
			if toolCall.Args["x"] != float64(1) {
				t.Errorf("args = %v, want x:1", toolCall.Args)
			}
			if toolCall.CallID == "" {
				t.Error("tool_call frame missing callId")
			}
			sendTestFrame(t, conn, &wire.Frame{
				Type:      wire.FrameToolResult,
				SessionID: toolCall.SessionID,
				CallID:    toolCall.CallID,
				Success:   true,
				Value:     map[string]any{"answer": 42},
			})
			continue
		}
		events = append(events, ev)
		if ev.Type == wire.EventFinal {
			break
		}
	}

	if toolCall == nil {
		t.Fatal("no tool_call frame observed")
	}
	assertDense(t, events, 1)
	assertEventTypes(t, events,
		wire.EventSessionInit, wire.EventToolCall, wire.EventToolResultApplied, wire.EventFinal)

	final := finalOf(t, events)
	if !final.OK {
		t.Fatalf("final not ok: %+v", final.Error)
	}
	result, _ := final.Result.(map[string]any)
	if result["answer"] != float64(42) {
		t.Errorf("result = %v, want answer:42", final.Result)
	}
}

func TestServer_Runtime_ToolResultFailure(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_toolfail_1",
		Code:            "call r = peerTool {}\nreturn $r",
	})

	var final *wire.FinalPayload
	for final == nil {
		ev, fr := readChannel(t, conn)
		if fr != nil && fr.Type == wire.FrameToolCall {
			sendTestFrame(t, conn, &wire.Frame{
				Type:      wire.FrameToolResult,
				SessionID: fr.SessionID,
				CallID:    fr.CallID,
				Success:   false,
				Error:     &wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "peer tool broke"},
			})
			continue
		}
		if ev != nil && ev.Type == wire.EventFinal {
			var fp wire.FinalPayload
			if err := wire.DecodePayload(ev, &fp); err != nil {
				t.Fatalf("decode final: %v", err)
			}
			final = &fp
		}
	}

	if final.OK {
		t.Fatal("final ok despite failed tool")
	}
	if final.Error == nil || final.Error.Code != wire.CodeExecutionError {
		t.Errorf("final error = %+v, want EXECUTION_ERROR", final.Error)
	}
}

func TestServer_Runtime_UnsupportedProtocol(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion + 1,
		SessionID:       "s_rt_proto_1",
		Code:            "return 1",
	})

	ev, fr := readChannel(t, conn)
	if ev != nil || fr == nil || fr.Type != wire.FrameError {
		t.Fatalf("got ev=%v fr=%v, want error frame", ev, fr)
	}
	if fr.Error == nil || fr.Error.Code != wire.CodeUnsupportedProtocol {
		t.Fatalf("error = %+v, want UNSUPPORTED_PROTOCOL", fr.Error)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Fatalf("read after error frame = %v, want close 1002", err)
	}
}

func TestServer_Runtime_FrameValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	t.Run("undecodable message", func(t *testing.T) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, fr := readChannel(t, conn)
		if fr == nil || fr.Type != wire.FrameError || fr.Error.Code != wire.CodeInvalidRequest {
			t.Fatalf("got %+v, want INVALID_REQUEST error frame", fr)
		}
	})

	t.Run("execute without code", func(t *testing.T) {
		sendTestFrame(t, conn, &wire.Frame{
			Type:            wire.FrameExecute,
			ProtocolVersion: wire.ProtocolVersion,
			SessionID:       "s_rt_nocode_1",
		})
		_, fr := readChannel(t, conn)
		if fr == nil || fr.Type != wire.FrameError || fr.Error.Code != wire.CodeInvalidRequest {
			t.Fatalf("got %+v, want INVALID_REQUEST error frame", fr)
		}
	})

	t.Run("channel survives rejected frames", func(t *testing.T) {
		sendTestFrame(t, conn, &wire.Frame{
			Type:            wire.FrameExecute,
			ProtocolVersion: wire.ProtocolVersion,
			SessionID:       "s_rt_after_1",
			Code:            "return true",
		})
		for {
			ev, _ := readChannel(t, conn)
			if ev != nil && ev.Type == wire.EventFinal {
				break
			}
		}
	})
}

func TestServer_Runtime_DuplicateSession(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	execute := &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_dup_1",
		Code:            "sleep 10s\nreturn 1",
	}
	sendTestFrame(t, conn, execute)

	ev, _ := readChannel(t, conn)
	if ev == nil || ev.Type != wire.EventSessionInit {
		t.Fatalf("first message = %v, want session_init", ev)
	}

	sendTestFrame(t, conn, execute)
	_, fr := readChannel(t, conn)
	if fr == nil || fr.Type != wire.FrameError || fr.Error.Code != wire.CodeInvalidRequest {
		t.Fatalf("got %+v, want INVALID_REQUEST error frame", fr)
	}
}

func TestServer_Runtime_CancelFrame(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_cancel_1",
		Code:            "sleep 10s\nreturn 1",
	})

	ev, _ := readChannel(t, conn)
	if ev == nil || ev.Type != wire.EventSessionInit {
		t.Fatalf("first message = %v, want session_init", ev)
	}

	sendTestFrame(t, conn, &wire.Frame{Type: wire.FrameCancel, SessionID: "s_rt_cancel_1"})

	var events []*wire.Event
	events = append(events, ev)
	for {
		ev, fr := readChannel(t, conn)
		if fr != nil {
			t.Fatalf("unexpected frame: %+v", fr)
		}
		events = append(events, ev)
		if ev.Type == wire.EventFinal {
			break
		}
	}

	assertDense(t, events, 1)
	assertEventTypes(t, events, wire.EventSessionInit, wire.EventError, wire.EventFinal)
	final := finalOf(t, events)
	if final.OK || final.Error == nil || final.Error.Code != wire.CodeSessionCancelled {
		t.Fatalf("final = %+v, want SESSION_CANCELLED", final)
	}
}

// Dropping the socket cancels idle sessions started over it.
func TestServer_Runtime_DisconnectCancelsSession(t *testing.T) {
	manager := newTestManager(t, nil)
	ts := newTestServer(t, manager, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_drop_1",
		Code:            "sleep 10s\nreturn 1",
	})
	ev, _ := readChannel(t, conn)
	if ev == nil || ev.Type != wire.EventSessionInit {
		t.Fatalf("first message = %v, want session_init", ev)
	}

	conn.Close()

	sess, err := manager.Get("s_rt_drop_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitTerminal(t, sess)

	events, err := sess.Snapshot(1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	final := finalOf(t, events)
	if final.OK || final.Error == nil || final.Error.Code != wire.CodeSessionCancelled {
		t.Fatalf("final = %+v, want SESSION_CANCELLED", final)
	}
}

// Dropping the socket mid tool call fails the call, and the session
// terminates through RUNTIME_DISCONNECTED rather than a generic cancel.
func TestServer_Runtime_DisconnectFailsPendingToolCall(t *testing.T) {
	manager := newTestManager(t, nil)
	ts := newTestServer(t, manager, nil)
	conn := dialRuntime(t, ts)

	sendTestFrame(t, conn, &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       "s_rt_pending_1",
		Code:            "call r = peerTool {}\nreturn $r",
	})

	for {
		_, fr := readChannel(t, conn)
		if fr != nil && fr.Type == wire.FrameToolCall {
			break
		}
	}
	conn.Close()

	sess, err := manager.Get("s_rt_pending_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitTerminal(t, sess)

	events, err := sess.Snapshot(1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	final := finalOf(t, events)
	if final.OK || final.Error == nil || final.Error.Code != wire.CodeRuntimeDisconnected {
		t.Fatalf("final = %+v, want RUNTIME_DISCONNECTED", final)
	}
}

func waitTerminal(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !sess.State().Terminal() {
		if time.Now().After(deadline) {
			t.Fatalf("session %s did not terminate", sess.ID())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
