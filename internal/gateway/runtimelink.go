package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfront/enclave/internal/backoff"
	"github.com/agentfront/enclave/internal/dispatch"
	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/sandbox"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

// wsDialTimeout bounds the WebSocket handshake when dialing a runtime.
const wsDialTimeout = 10 * time.Second

// remoteInboxSize buffers per-execution inbound traffic. Overflow fails the
// execution rather than stalling the whole link.
const remoteInboxSize = 256

// linkMsg is one routed message for a remote execution: an event envelope or
// a control frame, never both.
type linkMsg struct {
	ev *wire.Event
	fr *wire.Frame
}

// remoteExecution tracks one in-flight execute on the link.
type remoteExecution struct {
	sessionID string
	inbox     chan linkMsg

	failed   chan struct{}
	failOnce sync.Once
	failErr  error
}

func (e *remoteExecution) fail(err error) {
	e.failOnce.Do(func() {
		e.failErr = err
		close(e.failed)
	})
}

// RuntimeLinkConfig configures the outbound runtime channel.
type RuntimeLinkConfig struct {
	// URL is the remote runtime endpoint, ws:// or wss://. Required.
	URL string

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer

	// Backoff overrides the reconnect policy.
	Backoff backoff.Policy

	// ReadLimit caps inbound message size. 0 means the dispatch default
	// result cap plus envelope slack.
	ReadLimit int64

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// RuntimeLink is the client half of the runtime topology: it dials a remote
// runtime's /runtime endpoint, keeps the connection alive with jittered
// reconnects, and hands out RemoteAdapters that execute code on the peer.
//
// Executions do not survive a reconnect; everything in flight when the
// socket dies fails with RUNTIME_DISCONNECTED and the owning sessions
// terminate through that error.
type RuntimeLink struct {
	url       string
	dialer    *websocket.Dialer
	policy    backoff.Policy
	readLimit int64
	logger    *observability.Logger
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	connDown  chan struct{}
	sessions  map[string]*remoteExecution
	connected bool
	closed    bool
}

// NewRuntimeLink validates the configuration and builds a link. The dial
// loop does not run until Start.
func NewRuntimeLink(cfg RuntimeLinkConfig) (*RuntimeLink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("runtime url %q must use ws or wss", cfg.URL)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	}
	policy := cfg.Backoff
	if policy.Initial == 0 {
		policy = backoff.Reconnect()
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = dispatch.DefaultMaxResultBytes + wsReadSlack
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RuntimeLink{
		url:       cfg.URL,
		dialer:    dialer,
		policy:    policy,
		readLimit: readLimit,
		logger:    logger,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*remoteExecution),
	}, nil
}

// Start launches the dial loop.
func (l *RuntimeLink) Start() {
	l.wg.Add(1)
	go l.run()
}

// Close stops the dial loop, drops the connection, and fails everything in
// flight. It blocks until the loop exits.
func (l *RuntimeLink) Close() {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		conn.Close()
	}
	l.wg.Wait()
}

// Connected reports whether the link currently has a live channel.
func (l *RuntimeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

// Adapter returns a sandbox adapter that executes on the remote runtime as
// the given session. Limits should be the session's effective limits; they
// travel in the execute frame so the remote enforces the same budgets.
func (l *RuntimeLink) Adapter(sessionID string, limits session.Limits) *RemoteAdapter {
	return &RemoteAdapter{link: l, sessionID: sessionID, limits: limits}
}

func (l *RuntimeLink) run() {
	defer l.wg.Done()

	attempt := 0
	for {
		if l.ctx.Err() != nil {
			return
		}
		conn, resp, err := l.dialer.DialContext(l.ctx, l.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			attempt++
			l.logger.Warn(l.ctx, "runtime dial failed",
				"url", l.url, "attempt", attempt, "error", err)
			if werr := l.policy.Wait(l.ctx, attempt); werr != nil {
				return
			}
			continue
		}

		attempt = 0
		l.logger.Info(l.ctx, "runtime link connected", "url", l.url)
		if l.metrics != nil {
			l.metrics.RuntimeConnections.Inc()
		}
		l.serve(conn)
		if l.metrics != nil {
			l.metrics.RuntimeConnections.Dec()
		}
		if l.ctx.Err() != nil {
			return
		}
		l.logger.Warn(l.ctx, "runtime link disconnected", "url", l.url)

		// One base delay before redialing keeps a flapping endpoint from
		// turning into a tight loop.
		if err := l.policy.Wait(l.ctx, 1); err != nil {
			return
		}
	}
}

// serve pumps one connection until it dies, then fails every in-flight
// execution. The registering Execute removes its own map entry when it
// returns, so teardown only snapshots.
func (l *RuntimeLink) serve(conn *websocket.Conn) {
	send := make(chan []byte, wsSendQueue)
	down := make(chan struct{})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.send = send
	l.connDown = down
	l.connected = true
	l.mu.Unlock()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case msg := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					return
				}
			case <-down:
				return
			}
		}
	}()

	conn.SetReadLimit(l.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(message string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(message),
			time.Now().Add(wsWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		l.route(data)
	}

	l.mu.Lock()
	l.connected = false
	l.conn = nil
	l.send = nil
	l.connDown = nil
	execs := make([]*remoteExecution, 0, len(l.sessions))
	for _, exec := range l.sessions {
		execs = append(execs, exec)
	}
	l.mu.Unlock()

	close(down)
	<-writeDone
	conn.Close()

	for _, exec := range execs {
		exec.fail(wire.NewError(wire.CodeRuntimeDisconnected, "runtime channel disconnected"))
	}
}

// route delivers one inbound message to the execution it belongs to.
func (l *RuntimeLink) route(data []byte) {
	ev, fr, err := wire.DecodeMessage(data)
	if err != nil {
		l.logger.Warn(l.ctx, "undecodable runtime message", "error", err)
		return
	}
	sessionID := ""
	if ev != nil {
		sessionID = ev.SessionID
	} else {
		sessionID = fr.SessionID
	}

	l.mu.Lock()
	exec, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		l.logger.Debug(l.ctx, "message for unknown remote execution",
			"session_id", sessionID)
		return
	}

	select {
	case exec.inbox <- linkMsg{ev: ev, fr: fr}:
	default:
		exec.fail(wire.NewError(wire.CodeExecutionError, "remote event backlog overflow"))
	}
}

func (l *RuntimeLink) register(exec *remoteExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return wire.NewError(wire.CodeServiceUnavailable, "runtime link closed")
	}
	if !l.connected {
		return wire.NewError(wire.CodeRuntimeDisconnected, "runtime channel disconnected")
	}
	if _, exists := l.sessions[exec.sessionID]; exists {
		return wire.Errorf(wire.CodeInvalidRequest,
			"session %s already active on runtime link", exec.sessionID)
	}
	l.sessions[exec.sessionID] = exec
	return nil
}

func (l *RuntimeLink) deregister(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// sendFrame queues one frame on the live channel, blocking until queued,
// the channel dies, or a context ends.
func (l *RuntimeLink) sendFrame(ctx context.Context, fr *wire.Frame) error {
	raw, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return wire.NewError(wire.CodeRuntimeDisconnected, "runtime channel disconnected")
	}
	send, down := l.send, l.connDown
	l.mu.Unlock()

	select {
	case send <- raw:
		return nil
	case <-down:
		return wire.NewError(wire.CodeRuntimeDisconnected, "runtime channel disconnected")
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return wire.NewError(wire.CodeServiceUnavailable, "runtime link closed")
	}
}

// trySendFrame queues a frame without blocking. Used for best-effort
// traffic such as cancel on the way out.
func (l *RuntimeLink) trySendFrame(fr *wire.Frame) {
	raw, err := json.Marshal(fr)
	if err != nil {
		return
	}
	l.mu.Lock()
	send := l.send
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return
	}
	select {
	case send <- raw:
	default:
	}
}

// RemoteAdapter is a sandbox.Adapter whose execution happens on the peer at
// the other end of a RuntimeLink. Tool calls flow backwards: the peer sends
// tool_call frames and this side answers them through the session's handler,
// so the tools themselves stay local.
type RemoteAdapter struct {
	link      *RuntimeLink
	sessionID string
	limits    session.Limits
	disposed  atomic.Bool
}

// Execute submits the code to the peer and consumes the mirrored stream
// until the final event arrives. Progress envelopes are discarded; the
// local session emits its own.
func (a *RemoteAdapter) Execute(ctx context.Context, code string, ec *sandbox.ExecutionContext) (*sandbox.ExecutionResult, error) {
	if a.disposed.Load() {
		return nil, wire.NewError(wire.CodeExecutionError, "remote adapter disposed")
	}

	exec := &remoteExecution{
		sessionID: a.sessionID,
		inbox:     make(chan linkMsg, remoteInboxSize),
		failed:    make(chan struct{}),
	}
	if err := a.link.register(exec); err != nil {
		return nil, err
	}
	defer a.link.deregister(a.sessionID)

	rawCfg, err := json.Marshal(a.remoteConfig(ec))
	if err != nil {
		return nil, fmt.Errorf("marshal remote config: %w", err)
	}
	frame := &wire.Frame{
		Type:            wire.FrameExecute,
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       a.sessionID,
		Code:            code,
		Config:          rawCfg,
	}
	if err := a.link.sendFrame(ctx, frame); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			a.link.trySendFrame(&wire.Frame{Type: wire.FrameCancel, SessionID: a.sessionID})
			return &sandbox.ExecutionResult{
				Success: false,
				Error:   sandbox.NewSafeError(wire.CodeExecutionAborted, "execution aborted"),
			}, nil
		case <-exec.failed:
			return nil, exec.failErr
		case msg := <-exec.inbox:
			if msg.ev != nil {
				if msg.ev.Type == wire.EventFinal {
					return remoteFinalResult(msg.ev)
				}
				continue
			}
			switch msg.fr.Type {
			case wire.FrameToolCall:
				go a.answerToolCall(ctx, ec, msg.fr)
			case wire.FrameError:
				code, message := wire.CodeExecutionError, "remote channel error"
				if msg.fr.Error != nil {
					code, message = msg.fr.Error.Code, msg.fr.Error.Message
				}
				return nil, wire.NewError(code, message)
			default:
				a.link.logger.Debug(ctx, "unexpected frame on remote execution",
					"session_id", a.sessionID, "type", string(msg.fr.Type))
			}
		}
	}
}

// Dispose marks the adapter unusable. The link outlives its adapters, so
// there is nothing to release beyond the flag.
func (a *RemoteAdapter) Dispose() {
	a.disposed.Store(true)
}

// remoteConfig builds the execute-frame config from the session's effective
// limits. Heartbeats are disabled remotely; the local session already emits
// them, and mirrored ones would be discarded anyway.
func (a *RemoteAdapter) remoteConfig(ec *sandbox.ExecutionContext) *sessionConfig {
	return &sessionConfig{
		SessionTTLMs:        durationMs(a.limits.SessionTTL),
		ExecutionTimeoutMs:  durationMs(a.limits.ExecutionTimeout),
		ToolTimeoutMs:       durationMs(a.limits.ToolTimeout),
		HeartbeatIntervalMs: -1,
		MaxToolCalls:        a.limits.MaxToolCalls,
		MaxIterations:       a.limits.MaxIterations,
		MaxStdoutBytes:      a.limits.MaxStdoutBytes,
		MaxToolResultBytes:  a.limits.MaxToolResultBytes,
		Globals:             ec.Globals,
	}
}

// answerToolCall services one tool_call frame through the session's handler
// and reports the outcome back as a tool_result frame. Runs concurrently so
// a slow tool does not stall the event loop.
func (a *RemoteAdapter) answerToolCall(ctx context.Context, ec *sandbox.ExecutionContext, fr *wire.Frame) {
	value, err := ec.ToolHandler(ctx, fr.ToolName, fr.Args)

	reply := &wire.Frame{
		Type:      wire.FrameToolResult,
		SessionID: a.sessionID,
		CallID:    fr.CallID,
	}
	if err != nil {
		reply.Error = &wire.ErrorDetail{Code: wire.CodeOf(err), Message: wire.MessageOf(err)}
	} else {
		reply.Success = true
		reply.Value = value
	}
	if serr := a.link.sendFrame(ctx, reply); serr != nil {
		a.link.logger.Debug(ctx, "tool_result send failed",
			"session_id", a.sessionID, "call_id", fr.CallID, "error", serr)
	}
}

func remoteFinalResult(ev *wire.Event) (*sandbox.ExecutionResult, error) {
	var fp wire.FinalPayload
	if err := wire.DecodePayload(ev, &fp); err != nil {
		return nil, wire.WrapError(wire.CodeExecutionError, "malformed remote final event", err)
	}
	res := &sandbox.ExecutionResult{
		Success: fp.OK,
		Value:   fp.Result,
		Stats: sandbox.Stats{
			Duration:      time.Duration(fp.Stats.DurationMs) * time.Millisecond,
			ToolCallCount: fp.Stats.ToolCallCount,
			StdoutBytes:   fp.Stats.StdoutBytes,
		},
	}
	if !fp.OK {
		code, message := wire.CodeExecutionError, "remote execution failed"
		if fp.Error != nil {
			code, message = fp.Error.Code, fp.Error.Message
		}
		res.Error = sandbox.NewSafeError(code, message)
	}
	return res, nil
}

// durationMs converts a limit duration to wire milliseconds, preserving the
// negative "disabled" convention.
func durationMs(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Millisecond)
}
