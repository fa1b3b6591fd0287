package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/seal"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

const addAndReturn = "call sum = addNumbers {\"a\": 2, \"b\": 3}\nreturn {\"sum\": $sum}"

func TestServer_CreateSession_StreamsToFinal(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: "return {\"done\": true}"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}
	sessionID := resp.Header.Get("X-Session-ID")
	if sessionID == "" {
		t.Error("X-Session-ID header missing")
	}

	events := readStream(t, resp.Body)
	assertDense(t, events, 1)
	assertEventTypes(t, events, wire.EventSessionInit, wire.EventFinal)
	if events[0].SessionID != sessionID {
		t.Errorf("envelope session id %q != header %q", events[0].SessionID, sessionID)
	}

	final := finalOf(t, events)
	if !final.OK {
		t.Fatalf("final not ok: %+v", final.Error)
	}
	result, _ := final.Result.(map[string]any)
	if result["done"] != true {
		t.Errorf("final result = %v, want done:true", final.Result)
	}
}

func TestServer_CreateSession_ToolEvents(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: addAndReturn})
	defer resp.Body.Close()

	events := readStream(t, resp.Body)
	assertDense(t, events, 1)
	assertEventTypes(t, events,
		wire.EventSessionInit, wire.EventToolCall, wire.EventToolResultApplied, wire.EventFinal)

	var call wire.ToolCallPayload
	if err := wire.DecodePayload(events[1], &call); err != nil {
		t.Fatalf("decode tool_call payload: %v", err)
	}
	if call.ToolName != "addNumbers" {
		t.Errorf("toolName = %q, want addNumbers", call.ToolName)
	}
	if call.CallID == "" {
		t.Error("tool_call missing callId")
	}

	final := finalOf(t, events)
	result, _ := final.Result.(map[string]any)
	if result["sum"] != float64(5) {
		t.Errorf("final result = %v, want sum:5", final.Result)
	}
	if final.Stats.ToolCallCount != 1 {
		t.Errorf("stats.toolCallCount = %d, want 1", final.Stats.ToolCallCount)
	}
}

func TestServer_CreateSession_Validation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	tests := []struct {
		name     string
		body     string
		wantCode wire.Code
	}{
		{"malformed json", `{"code": `, wire.CodeInvalidRequest},
		{"missing code", `{}`, wire.CodeInvalidRequest},
		{"blank code", `{"code": "   "}`, wire.CodeInvalidRequest},
		{"bad session id", `{"code": "return 1", "sessionId": "not-a-session"}`, wire.CodeInvalidRequest},
		{"bad filter mode", `{"code": "return 1", "filter": {"mode": "sometimes"}}`, wire.CodeInvalidFilter},
		{"bad encryption key", `{"code": "return 1", "config": {"encryption": {"keyB64": "!!!"}}}`, wire.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST /sessions: %v", err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if got := decodeError(t, resp); got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
		})
	}
}

func TestServer_CreateSession_FilterSuppressesToolEvents(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	filter := json.RawMessage(`{
		"mode": "exclude",
		"rules": [{"types": ["tool_call", "tool_result_applied"]}]
	}`)
	resp := postSession(t, ts, createSessionRequest{Code: addAndReturn, Filter: filter})
	defer resp.Body.Close()

	events := readStream(t, resp.Body)
	assertEventTypes(t, events, wire.EventSessionInit, wire.EventFinal)

	// Suppression skips delivery, never sequencing: the final keeps seq 4.
	if events[0].Seq != 1 || events[1].Seq != 4 {
		t.Errorf("seqs = %d,%d, want 1,4", events[0].Seq, events[1].Seq)
	}
}

func TestServer_CreateSession_ClientSessionID(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{
		Code:      "return 1",
		SessionID: "s_fixed_http_1",
	})
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Session-ID"); got != "s_fixed_http_1" {
		t.Errorf("X-Session-ID = %q, want s_fixed_http_1", got)
	}
	events := readStream(t, resp.Body)
	if events[0].SessionID != "s_fixed_http_1" {
		t.Errorf("envelope session id = %q", events[0].SessionID)
	}
}

func TestServer_CreateSession_MaxSessions(t *testing.T) {
	manager := newTestManager(t, func(cfg *session.ManagerConfig) {
		cfg.MaxSessions = 1
	})
	ts := newTestServer(t, manager, nil)

	if _, err := manager.Create(session.Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := postSession(t, ts, createSessionRequest{Code: "return 1"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := decodeError(t, resp); got.Code != wire.CodeMaxSessions {
		t.Errorf("code = %s, want MAX_SESSIONS", got.Code)
	}
}

func TestServer_CreateSession_EncryptedStream(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	resp := postSession(t, ts, createSessionRequest{
		Code: addAndReturn,
		Config: &sessionConfig{
			Encryption: &sealConfig{KeyB64: base64.StdEncoding.EncodeToString(key), KID: "k1"},
		},
	})
	defer resp.Body.Close()

	events := readStream(t, resp.Body)
	assertDense(t, events, 1)
	assertEventTypes(t, events,
		wire.EventSessionInit, wire.EventEncrypted, wire.EventEncrypted, wire.EventEncrypted)

	var initPayload wire.SessionInitPayload
	if err := wire.DecodePayload(events[0], &initPayload); err != nil {
		t.Fatalf("decode session_init: %v", err)
	}
	if !initPayload.Encryption.Enabled || initPayload.Encryption.KID != "k1" {
		t.Errorf("session_init encryption = %+v, want enabled kid k1", initPayload.Encryption)
	}

	opener, err := seal.New(seal.Config{Key: key, KID: "k1"})
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	last, err := opener.OpenEvent(events[len(events)-1])
	if err != nil {
		t.Fatalf("OpenEvent: %v", err)
	}
	if last.Type != wire.EventFinal {
		t.Fatalf("inner type = %s, want final", last.Type)
	}
	if last.Seq != events[len(events)-1].Seq {
		t.Errorf("inner seq %d != outer seq %d", last.Seq, events[len(events)-1].Seq)
	}
	var fp wire.FinalPayload
	if err := wire.DecodePayload(last, &fp); err != nil {
		t.Fatalf("decode inner final: %v", err)
	}
	if !fp.OK {
		t.Errorf("final not ok: %+v", fp.Error)
	}
}

func TestServer_StreamSession_Resume(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: addAndReturn})
	full := readStream(t, resp.Body)
	resp.Body.Close()
	assertDense(t, full, 1)
	sessionID := resp.Header.Get("X-Session-ID")

	resumed, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?fromSeq=3", ts.URL, sessionID))
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resumed.Body.Close()
	if resumed.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resumed.StatusCode)
	}
	if got := resumed.Header.Get("X-Session-ID"); got != sessionID {
		t.Errorf("X-Session-ID = %q, want %q", got, sessionID)
	}

	tail := readStream(t, resumed.Body)
	assertDense(t, tail, 3)
	if len(tail) != 2 {
		t.Fatalf("got %d resumed events, want 2", len(tail))
	}
	if tail[len(tail)-1].Type != wire.EventFinal {
		t.Errorf("resumed stream does not end in final")
	}
	// The union of the first read through seq 2 and the resume from seq 3
	// is exactly the full stream.
	if full[2].Seq != tail[0].Seq {
		t.Errorf("resume starts at seq %d, want %d", tail[0].Seq, full[2].Seq)
	}
}

func TestServer_StreamSession_FromSeqPastEnd(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: "return 1"})
	readStream(t, resp.Body)
	resp.Body.Close()
	sessionID := resp.Header.Get("X-Session-ID")

	resumed, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?fromSeq=99", ts.URL, sessionID))
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resumed.Body.Close()
	if resumed.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resumed.StatusCode)
	}
	if events := readStream(t, resumed.Body); len(events) != 0 {
		t.Errorf("got %d events past the end, want 0", len(events))
	}
}

func TestServer_StreamSession_Errors(t *testing.T) {
	manager := newTestManager(t, nil)
	ts := newTestServer(t, manager, nil)

	t.Run("unknown session", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sessions/s_missing/stream")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		if got := decodeError(t, resp); got.Code != wire.CodeNotFound {
			t.Errorf("code = %s, want NOT_FOUND", got.Code)
		}
	})

	t.Run("invalid fromSeq", func(t *testing.T) {
		resp := postSession(t, ts, createSessionRequest{Code: "return 1"})
		readStream(t, resp.Body)
		resp.Body.Close()
		id := resp.Header.Get("X-Session-ID")

		bad, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?fromSeq=abc", ts.URL, id))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if bad.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", bad.StatusCode)
		}
		if got := decodeError(t, bad); got.Code != wire.CodeInvalidRequest {
			t.Errorf("code = %s, want INVALID_REQUEST", got.Code)
		}
	})

	t.Run("invalid filter query", func(t *testing.T) {
		resp := postSession(t, ts, createSessionRequest{Code: "return 1"})
		readStream(t, resp.Body)
		resp.Body.Close()
		id := resp.Header.Get("X-Session-ID")

		q := url.Values{"filter": {`{"mode": "sometimes"}`}}
		bad, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?%s", ts.URL, id, q.Encode()))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if bad.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", bad.StatusCode)
		}
		if got := decodeError(t, bad); got.Code != wire.CodeInvalidFilter {
			t.Errorf("code = %s, want INVALID_FILTER", got.Code)
		}
	})
}

func TestServer_StreamSession_ReplayGap(t *testing.T) {
	manager := newTestManager(t, func(cfg *session.ManagerConfig) {
		cfg.Limits.MaxBufferedEvents = 2
	})
	ts := newTestServer(t, manager, nil)

	resp := postSession(t, ts, createSessionRequest{Code: addAndReturn})
	readStream(t, resp.Body)
	resp.Body.Close()
	sessionID := resp.Header.Get("X-Session-ID")

	gone, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?fromSeq=1", ts.URL, sessionID))
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	if gone.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", gone.StatusCode)
	}
	if got := decodeError(t, gone); got.Code != wire.CodeStreamGap {
		t.Errorf("code = %s, want STREAM_GAP", got.Code)
	}

	// The retained tail is still streamable.
	ok, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?fromSeq=3", ts.URL, sessionID))
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", ok.StatusCode)
	}
	tail := readStream(t, ok.Body)
	assertDense(t, tail, 3)
}

func TestServer_StreamSession_FilterQuery(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: addAndReturn})
	readStream(t, resp.Body)
	resp.Body.Close()
	sessionID := resp.Header.Get("X-Session-ID")

	q := url.Values{"filter": {`{"mode": "exclude", "rules": [{"types": ["tool_call", "tool_result_applied"]}]}`}}
	resumed, err := http.Get(fmt.Sprintf("%s/sessions/%s/stream?%s", ts.URL, sessionID, q.Encode()))
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resumed.Body.Close()

	events := readStream(t, resumed.Body)
	assertEventTypes(t, events, wire.EventSessionInit, wire.EventFinal)
}

// A dropped replay consumer only detaches the observer; the session keeps
// running and its primary stream finishes normally.
func TestServer_StreamSession_ObserverDisconnectDoesNotCancel(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{
		Code:      "sleep 300ms\nreturn {\"ok\": true}",
		SessionID: "s_observer_1",
	})
	done := make(chan []*wire.Event, 1)
	go func() {
		done <- drainStream(resp.Body)
	}()

	observer, err := http.Get(ts.URL + "/sessions/s_observer_1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	// Drop the observer mid-session.
	observer.Body.Close()

	select {
	case events := <-done:
		final := finalOf(t, events)
		if !final.OK {
			t.Fatalf("session did not finish ok after observer left: %+v", final.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("primary stream did not finish")
	}
}

// Killing the POST stream cancels the session, and the terminal events stay
// replayable for a later resume.
func TestServer_CreateSession_ClientDisconnectCancels(t *testing.T) {
	manager := newTestManager(t, nil)
	ts := newTestServer(t, manager, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"code": "sleep 10s\nreturn 1", "sessionId": "s_disconnect_1"}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/sessions", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}

	// Wait for the session to exist, then walk away.
	sess, err := manager.Get("s_disconnect_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !sess.State().Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("session did not terminate after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resumed, err := http.Get(ts.URL + "/sessions/s_disconnect_1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resumed.Body.Close()
	events := readStream(t, resumed.Body)
	final := finalOf(t, events)
	if final.OK {
		t.Fatal("final ok after cancellation")
	}
	if final.Error == nil || final.Error.Code != wire.CodeSessionCancelled {
		t.Errorf("final error = %+v, want SESSION_CANCELLED", final.Error)
	}
}

func TestServer_ListAndGetSessions(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{Code: "return 1", SessionID: "s_listed_1"})
	readStream(t, resp.Body)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer listResp.Body.Close()
	var list listSessionsResponse
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Sessions) != 1 {
		t.Fatalf("list = %+v, want one session", list)
	}
	if list.Sessions[0].SessionID != "s_listed_1" {
		t.Errorf("listed id = %q", list.Sessions[0].SessionID)
	}

	getResp, err := http.Get(ts.URL + "/sessions/s_listed_1")
	if err != nil {
		t.Fatalf("GET /sessions/{id}: %v", err)
	}
	defer getResp.Body.Close()
	var info session.Info
	if err := json.NewDecoder(getResp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.SessionID != "s_listed_1" {
		t.Errorf("info id = %q", info.SessionID)
	}
	if !info.State.Terminal() {
		t.Errorf("state = %s, want terminal", info.State)
	}
}

func TestServer_DeleteSession(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postSession(t, ts, createSessionRequest{
		Code:      "sleep 10s\nreturn 1",
		SessionID: "s_deleted_1",
	})
	done := make(chan []*wire.Event, 1)
	go func() {
		done <- drainStream(resp.Body)
	}()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/s_deleted_1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", delResp.StatusCode)
	}
	var del deleteSessionResponse
	if err := json.NewDecoder(delResp.Body).Decode(&del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !del.Success || del.SessionID != "s_deleted_1" {
		t.Errorf("delete response = %+v", del)
	}

	select {
	case events := <-done:
		final := finalOf(t, events)
		if final.OK {
			t.Fatal("final ok after delete")
		}
		if final.Error == nil || final.Error.Code != wire.CodeSessionCancelled {
			t.Errorf("final error = %+v, want SESSION_CANCELLED", final.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after delete")
	}

	t.Run("unknown id", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/s_missing", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		resp.Body.Close()
	})
}
