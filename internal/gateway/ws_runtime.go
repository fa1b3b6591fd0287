package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfront/enclave/internal/dispatch"
	"github.com/agentfront/enclave/internal/event"
	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

const (
	// wsPingInterval is the server's ping cadence on runtime channels.
	wsPingInterval = 15 * time.Second

	// wsPongWait is how long a peer may stay silent before the read side
	// gives up. Refreshed by pongs and by any inbound message.
	wsPongWait = 45 * time.Second

	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// wsSendQueue is the per-connection outbound buffer. A peer that falls
	// this far behind is considered dead and the connection is closed.
	wsSendQueue = 64

	// wsReadSlack is added to maxToolResultBytes when sizing the read
	// limit, covering the frame envelope around a maximal tool result.
	wsReadSlack = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	// The runtime channel is broker-to-broker infrastructure; browser
	// origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// runtimeEntry pairs a session created over the channel with the dispatcher
// that forwards its tool calls back to the peer.
type runtimeEntry struct {
	sess       *session.Session
	dispatcher *dispatch.Runtime
}

// runtimeConn is one accepted runtime channel: the peer submits code with
// execute frames and answers the tool calls of the sessions it started.
type runtimeConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger

	// slots caps pending tool calls across every session on this
	// connection.
	slots *dispatch.Slots

	mu          sync.Mutex
	sessions    map[string]*runtimeEntry
	closed      bool
	closeCode   int
	closeReason string

	teardownOnce sync.Once
}

// handleRuntime upgrades GET /runtime and serves the connection until the
// peer goes away.
func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn(r.Context(), "runtime upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc := &runtimeConn{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, wsSendQueue),
		ctx:      ctx,
		cancel:   cancel,
		logger:   s.logger,
		slots:    dispatch.NewSlots(s.maxPending),
		sessions: make(map[string]*runtimeEntry),
	}

	if s.metrics != nil {
		s.metrics.RuntimeConnections.Inc()
	}
	s.logger.Info(r.Context(), "runtime channel connected", "remote", r.RemoteAddr)

	go rc.writeLoop()
	rc.readLoop()
	rc.teardown()

	if s.metrics != nil {
		s.metrics.RuntimeConnections.Dec()
	}
	s.logger.Info(r.Context(), "runtime channel closed", "remote", r.RemoteAddr)
}

func (rc *runtimeConn) readLoop() {
	limit := rc.server.manager.Limits().MaxToolResultBytes
	if limit <= 0 {
		limit = dispatch.DefaultMaxResultBytes
	}
	rc.conn.SetReadLimit(limit + wsReadSlack)
	_ = rc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = rc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		rc.handleMessage(data)
	}
}

// writeLoop owns all writes: queued frames, the ping ticker, and the close
// frame once the send queue is closed. Closing the connection on exit
// unblocks the read side promptly.
func (rc *runtimeConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer rc.conn.Close()

	for {
		select {
		case msg, ok := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				code, reason := rc.closeVerdict()
				_ = rc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := rc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rc.ctx.Done():
			return
		}
	}
}

func (rc *runtimeConn) closeVerdict() (int, string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return rc.closeCode, rc.closeReason
}

// enqueue queues one outbound message. A full queue means the peer stopped
// consuming; the connection is shut down rather than silently dropping
// runtime traffic.
func (rc *runtimeConn) enqueue(msg []byte) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return wire.NewError(wire.CodeRuntimeDisconnected, "runtime channel closed")
	}
	select {
	case rc.send <- msg:
		rc.mu.Unlock()
		return nil
	default:
		rc.beginCloseLocked(websocket.CloseGoingAway, "send queue overflow")
		rc.mu.Unlock()
		rc.logger.Warn(rc.ctx, "runtime send queue overflow")
		return wire.NewError(wire.CodeRuntimeDisconnected, "runtime send queue overflow")
	}
}

func (rc *runtimeConn) enqueueFrame(fr *wire.Frame) error {
	raw, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return rc.enqueue(raw)
}

func (rc *runtimeConn) enqueueEvent(ev *wire.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return rc.enqueue(raw)
}

// beginClose closes the send queue so the write loop emits a close frame
// with the given code after draining queued messages.
func (rc *runtimeConn) beginClose(code int, reason string) {
	rc.mu.Lock()
	rc.beginCloseLocked(code, reason)
	rc.mu.Unlock()
}

func (rc *runtimeConn) beginCloseLocked(code int, reason string) {
	if rc.closed {
		return
	}
	rc.closed = true
	rc.closeCode = code
	rc.closeReason = reason
	close(rc.send)
}

func (rc *runtimeConn) handleMessage(data []byte) {
	ev, fr, err := wire.DecodeMessage(data)
	if err != nil {
		rc.logger.Warn(rc.ctx, "undecodable runtime message", "error", err)
		_ = rc.enqueueFrame(wire.ErrorFrame("", wire.CodeInvalidRequest, "undecodable message"))
		return
	}
	if ev != nil {
		// Peers send frames; sequenced envelopes only flow outward.
		rc.logger.Debug(rc.ctx, "ignoring inbound event envelope", "seq", ev.Seq)
		return
	}

	switch fr.Type {
	case wire.FrameExecute:
		rc.handleExecute(fr)
	case wire.FrameToolResult:
		rc.handleToolResult(fr)
	case wire.FrameCancel:
		rc.handleCancel(fr)
	default:
		_ = rc.enqueueFrame(wire.ErrorFrame(fr.SessionID, wire.CodeInvalidRequest,
			fmt.Sprintf("unsupported frame type %q", fr.Type)))
	}
}

// handleExecute creates a session whose sandbox runs locally and whose tool
// calls are answered by the peer, then relays the session's whole event
// stream back over the channel.
func (rc *runtimeConn) handleExecute(fr *wire.Frame) {
	if fr.ProtocolVersion != wire.ProtocolVersion {
		_ = rc.enqueueFrame(wire.ErrorFrame(fr.SessionID, wire.CodeUnsupportedProtocol,
			fmt.Sprintf("protocol version %d not supported", fr.ProtocolVersion)))
		rc.beginClose(websocket.CloseProtocolError, string(wire.CodeUnsupportedProtocol))
		return
	}
	if fr.Code == "" {
		_ = rc.enqueueFrame(wire.ErrorFrame(fr.SessionID, wire.CodeInvalidRequest, "code is required"))
		return
	}

	var cfg *sessionConfig
	if len(fr.Config) > 0 {
		cfg = &sessionConfig{}
		if err := json.Unmarshal(fr.Config, cfg); err != nil {
			_ = rc.enqueueFrame(wire.ErrorFrame(fr.SessionID, wire.CodeInvalidRequest,
				fmt.Sprintf("invalid config: %v", err)))
			return
		}
	}

	rc.mu.Lock()
	if _, exists := rc.sessions[fr.SessionID]; exists {
		rc.mu.Unlock()
		_ = rc.enqueueFrame(wire.ErrorFrame(fr.SessionID, wire.CodeInvalidRequest,
			fmt.Sprintf("session %s already exists on this channel", fr.SessionID)))
		return
	}
	rc.mu.Unlock()

	req := createSessionRequest{SessionID: fr.SessionID, Config: cfg}
	opts, err := req.options()
	if err != nil {
		rc.sendCodedError(fr.SessionID, err)
		return
	}

	limits := opts.Limits.Merged(rc.server.manager.Limits())
	dispatcher := dispatch.NewRuntime(dispatch.RuntimeConfig{
		Send:           rc.enqueueFrame,
		Timeout:        limits.ToolTimeout,
		Slots:          rc.slots,
		MaxResultBytes: limits.MaxToolResultBytes,
		Logger:         rc.logger,
		Metrics:        rc.server.metrics,
	})
	opts.Dispatcher = dispatcher

	sess, err := rc.server.manager.Create(opts)
	if err != nil {
		rc.sendCodedError(fr.SessionID, err)
		return
	}

	sub, err := sess.Subscribe(1, 0)
	if err != nil {
		rc.sendCodedError(sess.ID(), err)
		sess.Cancel("runtime subscribe failed")
		return
	}

	entry := &runtimeEntry{sess: sess, dispatcher: dispatcher}
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		sub.Cancel()
		sess.Cancel("runtime channel closed")
		return
	}
	rc.sessions[sess.ID()] = entry
	rc.mu.Unlock()

	go rc.relay(sess.ID(), sub)
	go func() {
		// The channel teardown, not the connection context, owns
		// cancellation: a death mid tool call must surface as
		// RUNTIME_DISCONNECTED rather than a generic cancel.
		_, _ = sess.Execute(context.Background(), fr.Code)
	}()
}

// relay forwards every event of one session to the peer as its bare
// envelope. The answerable tool_call frames travel separately through the
// dispatcher's sender. The entry is dropped once the stream ends, which
// happens after the final event since the sequencer drains before closing.
func (rc *runtimeConn) relay(sessionID string, sub *event.Subscription) {
	defer sub.Cancel()
	defer rc.dropSession(sessionID)

	for _, ev := range sub.Replay {
		if err := rc.enqueueEvent(ev); err != nil {
			return
		}
	}
	for ev := range sub.Events() {
		if err := rc.enqueueEvent(ev); err != nil {
			return
		}
	}
	if sub.Dropped() {
		rc.logger.Warn(rc.ctx, "runtime relay overflowed, stream truncated",
			"session_id", sessionID)
	}
}

func (rc *runtimeConn) sendCodedError(sessionID string, err error) {
	code := wire.CodeOf(err)
	_ = rc.enqueueFrame(wire.ErrorFrame(sessionID, code, wire.MessageOf(err)))
}

func (rc *runtimeConn) handleToolResult(fr *wire.Frame) {
	rc.mu.Lock()
	entry, ok := rc.sessions[fr.SessionID]
	rc.mu.Unlock()
	if !ok {
		rc.logger.Debug(rc.ctx, "tool_result for unknown session", "session_id", fr.SessionID)
		return
	}
	detail := fr.Error
	if !fr.Success && detail == nil {
		detail = &wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "tool failed without detail"}
	}
	if !entry.dispatcher.Resolve(fr.CallID, fr.Value, detail) {
		// The deadline or the teardown already settled this call.
		rc.logger.Debug(rc.ctx, "tool_result lost the completion race",
			"session_id", fr.SessionID, "call_id", fr.CallID)
	}
}

func (rc *runtimeConn) handleCancel(fr *wire.Frame) {
	rc.mu.Lock()
	entry, ok := rc.sessions[fr.SessionID]
	rc.mu.Unlock()
	if !ok {
		rc.logger.Debug(rc.ctx, "cancel for unknown session", "session_id", fr.SessionID)
		return
	}
	entry.sess.Cancel("cancelled by peer")
}

func (rc *runtimeConn) dropSession(sessionID string) {
	rc.mu.Lock()
	delete(rc.sessions, sessionID)
	rc.mu.Unlock()
}

// teardown runs once when the connection dies: every pending tool call
// fails with RUNTIME_DISCONNECTED, every session still mid call terminates
// through that failure, and everything else is cancelled outright. Session
// sandboxes are disposed by their finishers.
func (rc *runtimeConn) teardown() {
	rc.teardownOnce.Do(func() {
		rc.beginClose(websocket.CloseGoingAway, "runtime channel closed")

		rc.mu.Lock()
		entries := make([]*runtimeEntry, 0, len(rc.sessions))
		for _, entry := range rc.sessions {
			entries = append(entries, entry)
		}
		rc.sessions = make(map[string]*runtimeEntry)
		rc.mu.Unlock()

		for _, entry := range entries {
			pending := entry.dispatcher.PendingCount()
			entry.dispatcher.FailAll(wire.CodeRuntimeDisconnected, "runtime channel closed")
			if pending == 0 {
				entry.sess.Cancel("runtime channel closed")
			}
		}

		rc.cancel()
		rc.conn.Close()
	})
}
