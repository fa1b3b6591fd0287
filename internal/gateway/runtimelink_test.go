package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/backoff"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

func fastBackoff() backoff.Policy {
	return backoff.Policy{Initial: 20 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2}
}

func wsEndpoint(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/runtime"
}

// newTestLink dials the endpoint and waits for the channel to come up.
func newTestLink(t *testing.T, endpointURL string) *RuntimeLink {
	t.Helper()
	link, err := NewRuntimeLink(RuntimeLinkConfig{
		URL:     endpointURL,
		Backoff: fastBackoff(),
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRuntimeLink: %v", err)
	}
	link.Start()
	t.Cleanup(link.Close)
	waitFor(t, "link to connect", link.Connected)
	return link
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRuntimeLink_Validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"http scheme", "http://localhost:8787/runtime"},
		{"empty", ""},
		{"garbage", "://nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRuntimeLink(RuntimeLinkConfig{URL: tt.url}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// Full runtime topology: code submitted to the linked broker executes on the
// endpoint while tool calls are answered by the broker's own registry.
func TestRuntimeLink_EndToEnd(t *testing.T) {
	endpointManager := newTestManager(t, nil)
	endpoint := newTestServer(t, endpointManager, nil)

	link := newTestLink(t, wsEndpoint(endpoint))
	brokerManager := newTestManager(t, nil)
	broker := newTestServer(t, brokerManager, func(cfg *Config) {
		cfg.Link = link
	})

	resp := postSession(t, broker, createSessionRequest{
		Code:      addAndReturn,
		SessionID: "s_link_e2e_1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	events := readStream(t, resp.Body)
	assertDense(t, events, 1)
	assertEventTypes(t, events,
		wire.EventSessionInit, wire.EventToolCall, wire.EventToolResultApplied, wire.EventFinal)

	final := finalOf(t, events)
	if !final.OK {
		t.Fatalf("final not ok: %+v", final.Error)
	}
	result, _ := final.Result.(map[string]any)
	if result["sum"] != float64(5) {
		t.Errorf("result = %v, want sum:5", final.Result)
	}

	// Both sides ran a session under the same id, labeled as the runtime
	// topology.
	local, err := brokerManager.Get("s_link_e2e_1")
	if err != nil {
		t.Fatalf("broker Get: %v", err)
	}
	if local.Mode() != session.ModeRuntime {
		t.Errorf("broker session mode = %q, want %q", local.Mode(), session.ModeRuntime)
	}
	remote, err := endpointManager.Get("s_link_e2e_1")
	if err != nil {
		t.Fatalf("endpoint Get: %v", err)
	}
	if remote.Mode() != session.ModeRuntime {
		t.Errorf("endpoint session mode = %q, want %q", remote.Mode(), session.ModeRuntime)
	}
	waitTerminal(t, remote)
}

// Runtime execution failures surface through the linked broker's final
// event with the remote error code.
func TestRuntimeLink_RemoteFailurePropagates(t *testing.T) {
	endpoint := newTestServer(t, nil, nil)
	link := newTestLink(t, wsEndpoint(endpoint))
	broker := newTestServer(t, nil, func(cfg *Config) {
		cfg.Link = link
	})

	resp := postSession(t, broker, createSessionRequest{Code: "fail remote exploded"})
	defer resp.Body.Close()

	events := readStream(t, resp.Body)
	final := finalOf(t, events)
	if final.OK {
		t.Fatal("final ok for failing script")
	}
	if final.Error == nil || final.Error.Code != wire.CodeExecutionError {
		t.Fatalf("final error = %+v, want EXECUTION_ERROR", final.Error)
	}
	if !strings.Contains(final.Error.Message, "remote exploded") {
		t.Errorf("error message %q does not carry the remote failure", final.Error.Message)
	}
}

func TestRuntimeLink_DisconnectedReturns503(t *testing.T) {
	link, err := NewRuntimeLink(RuntimeLinkConfig{
		URL:     "ws://127.0.0.1:1/runtime",
		Backoff: fastBackoff(),
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRuntimeLink: %v", err)
	}
	link.Start()
	t.Cleanup(link.Close)

	broker := newTestServer(t, nil, func(cfg *Config) {
		cfg.Link = link
	})

	resp := postSession(t, broker, createSessionRequest{Code: "return 1"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got := decodeError(t, resp); got.Code != wire.CodeServiceUnavailable {
		t.Errorf("code = %s, want SERVICE_UNAVAILABLE", got.Code)
	}
}

// Cancelling the broker-side session propagates a cancel frame so the
// endpoint's mirror session terminates too.
func TestRuntimeLink_CancelPropagates(t *testing.T) {
	endpointManager := newTestManager(t, nil)
	endpoint := newTestServer(t, endpointManager, nil)
	link := newTestLink(t, wsEndpoint(endpoint))
	brokerManager := newTestManager(t, nil)
	broker := newTestServer(t, brokerManager, func(cfg *Config) {
		cfg.Link = link
	})

	resp := postSession(t, broker, createSessionRequest{
		Code:      "sleep 10s\nreturn 1",
		SessionID: "s_link_cancel_1",
	})
	done := make(chan []*wire.Event, 1)
	go func() {
		done <- drainStream(resp.Body)
	}()

	remote, err := endpointManager.Get("s_link_cancel_1")
	for err != nil {
		time.Sleep(10 * time.Millisecond)
		remote, err = endpointManager.Get("s_link_cancel_1")
	}

	req, err := http.NewRequest(http.MethodDelete, broker.URL+"/sessions/s_link_cancel_1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()

	select {
	case events := <-done:
		final := finalOf(t, events)
		if final.OK || final.Error == nil || final.Error.Code != wire.CodeSessionCancelled {
			t.Fatalf("final = %+v, want SESSION_CANCELLED", final)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broker stream did not end after delete")
	}

	waitTerminal(t, remote)
}

// The link redials after the endpoint goes away and comes back.
func TestRuntimeLink_Reconnect(t *testing.T) {
	endpoint := newTestServer(t, nil, nil)
	addr := endpoint.Listener.Addr().String()

	link := newTestLink(t, "ws://"+addr+"/runtime")
	broker := newTestServer(t, nil, func(cfg *Config) {
		cfg.Link = link
	})

	endpoint.Close()
	waitFor(t, "link to notice the disconnect", func() bool { return !link.Connected() })

	resp := postSession(t, broker, createSessionRequest{Code: "return 1"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status while down = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("rebind %s: %v", addr, err)
	}
	revived := httptest.NewUnstartedServer(nil)
	revived.Listener.Close()
	revived.Listener = listener

	manager := newTestManager(t, nil)
	srv, err := NewServer(Config{Manager: manager, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	revived.Config.Handler = srv.Handler()
	revived.Start()
	t.Cleanup(revived.Close)

	waitFor(t, "link to reconnect", link.Connected)

	resp = postSession(t, broker, createSessionRequest{Code: "return {\"back\": true}"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after reconnect = %d, want 200", resp.StatusCode)
	}
	final := finalOf(t, readStream(t, resp.Body))
	if !final.OK {
		t.Fatalf("final not ok after reconnect: %+v", final.Error)
	}
}

// A dead channel mid execution surfaces RUNTIME_DISCONNECTED on the broker
// session.
func TestRuntimeLink_DisconnectFailsInFlight(t *testing.T) {
	endpointManager := newTestManager(t, nil)
	endpoint := newTestServer(t, endpointManager, nil)
	link := newTestLink(t, wsEndpoint(endpoint))
	brokerManager := newTestManager(t, nil)
	broker := newTestServer(t, brokerManager, func(cfg *Config) {
		cfg.Link = link
	})

	resp := postSession(t, broker, createSessionRequest{
		Code:      "sleep 10s\nreturn 1",
		SessionID: "s_link_dead_1",
	})
	done := make(chan []*wire.Event, 1)
	go func() {
		done <- drainStream(resp.Body)
	}()

	// Wait for the execute to land on the endpoint, then kill it.
	var remote *session.Session
	waitFor(t, "remote session", func() bool {
		var err error
		remote, err = endpointManager.Get("s_link_dead_1")
		return err == nil
	})
	_ = remote
	endpoint.Close()

	select {
	case events := <-done:
		final := finalOf(t, events)
		if final.OK {
			t.Fatal("final ok after endpoint death")
		}
		if final.Error == nil || final.Error.Code != wire.CodeRuntimeDisconnected {
			t.Fatalf("final = %+v, want RUNTIME_DISCONNECTED", final)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broker stream did not end after endpoint death")
	}
}
