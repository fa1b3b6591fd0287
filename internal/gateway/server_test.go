package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/internal/tools"
	"github.com/agentfront/enclave/pkg/wire"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(testLogger(), nil)
	register := func(def tools.Definition) {
		t.Helper()
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}

	register(tools.Definition{
		Name: "addNumbers",
		ArgsSchema: map[string]any{
			"type":     "object",
			"required": []any{"a", "b"},
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, call *tools.CallContext) (any, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return a + b, nil
		},
	})
	register(tools.Definition{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any, call *tools.CallContext) (any, error) {
			return args, nil
		},
	})
	register(tools.Definition{
		Name: "alwaysFails",
		Handler: func(ctx context.Context, args map[string]any, call *tools.CallContext) (any, error) {
			return nil, errors.New("tool intentionally failed")
		},
	})
	return reg
}

func newTestManager(t *testing.T, mutate func(*session.ManagerConfig)) *session.Manager {
	t.Helper()
	cfg := session.ManagerConfig{
		Registry: newTestRegistry(t),
		Limits: session.Limits{
			SessionTTL:        time.Minute,
			ExecutionTimeout:  10 * time.Second,
			HeartbeatInterval: -1,
		},
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := session.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Dispose)
	return m
}

// newTestServer builds a gateway over the manager (a fresh one when nil)
// and serves it from an httptest server.
func newTestServer(t *testing.T, manager *session.Manager, mutate func(*Config)) *httptest.Server {
	t.Helper()
	if manager == nil {
		manager = newTestManager(t, nil)
	}
	cfg := Config{Manager: manager, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postSession(t *testing.T, ts *httptest.Server, req createSessionRequest) *http.Response {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	return resp
}

// readStream consumes an NDJSON body to EOF and parses every line.
func readStream(t *testing.T, body io.Reader) []*wire.Event {
	t.Helper()
	var events []*wire.Event
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := wire.UnmarshalLine(line)
		if err != nil {
			t.Fatalf("parse stream line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

// drainStream is readStream without the testing hooks, safe to run off the
// test goroutine. Undecodable lines are dropped and the body is closed.
func drainStream(body io.ReadCloser) []*wire.Event {
	defer body.Close()
	var events []*wire.Event
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if ev, err := wire.UnmarshalLine(line); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// assertDense checks that seq runs densely from fromSeq and that every
// envelope carries the protocol version and a consistent session id.
func assertDense(t *testing.T, events []*wire.Event, fromSeq int64) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	sessionID := events[0].SessionID
	for i, ev := range events {
		if want := fromSeq + int64(i); ev.Seq != want {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, want)
		}
		if ev.ProtocolVersion != wire.ProtocolVersion {
			t.Errorf("events[%d].ProtocolVersion = %d, want %d", i, ev.ProtocolVersion, wire.ProtocolVersion)
		}
		if ev.SessionID != sessionID {
			t.Errorf("events[%d].SessionID = %q, want %q", i, ev.SessionID, sessionID)
		}
	}
}

func assertEventTypes(t *testing.T, events []*wire.Event, want ...wire.EventType) {
	t.Helper()
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(events), typesOf(events), len(want), want)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %s, want %s", i, ev.Type, want[i])
		}
	}
}

func typesOf(events []*wire.Event) []wire.EventType {
	out := make([]wire.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func finalOf(t *testing.T, events []*wire.Event) *wire.FinalPayload {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type != wire.EventFinal {
		t.Fatalf("last event type = %s, want final", last.Type)
	}
	var fp wire.FinalPayload
	if err := wire.DecodePayload(last, &fp); err != nil {
		t.Fatalf("decode final payload: %v", err)
	}
	return &fp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	defer resp.Body.Close()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestNewServer_RequiresManager(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("NewServer without manager did not error")
	}
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want %q", body["status"], "ok")
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, nil, func(cfg *Config) {
		cfg.Metrics = observability.NewMetrics(reg)
		cfg.Gatherer = reg
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), "# HELP") {
		t.Error("metrics exposition missing HELP lines")
	}
}

func TestServer_MetricsAbsentWithoutMetrics(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	manager := newTestManager(t, nil)
	srv, err := NewServer(Config{
		Listen:  "127.0.0.1:0",
		Manager: manager,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code wire.Code
		want int
	}{
		{wire.CodeInvalidRequest, http.StatusBadRequest},
		{wire.CodeInvalidFilter, http.StatusBadRequest},
		{wire.CodeValidationError, http.StatusBadRequest},
		{wire.CodeNotFound, http.StatusNotFound},
		{wire.CodeStreamGap, http.StatusGone},
		{wire.CodeMaxSessions, http.StatusTooManyRequests},
		{wire.CodeServiceUnavailable, http.StatusServiceUnavailable},
		{wire.CodeExecutionError, http.StatusInternalServerError},
		{wire.CodeRuntimeDisconnected, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteError_UncodedError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("plain failure"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != wire.CodeExecutionError {
		t.Errorf("code = %s, want %s", body.Code, wire.CodeExecutionError)
	}
	if strings.Contains(body.Message, "plain failure") {
		t.Errorf("uncoded error message leaked to client: %q", body.Message)
	}
}
