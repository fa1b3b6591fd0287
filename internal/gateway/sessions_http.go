package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentfront/enclave/internal/event"
	"github.com/agentfront/enclave/internal/eventfilter"
	"github.com/agentfront/enclave/internal/ident"
	"github.com/agentfront/enclave/internal/seal"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	Code      string          `json:"code"`
	SessionID string          `json:"sessionId,omitempty"`
	Config    *sessionConfig  `json:"config,omitempty"`
	Filter    json.RawMessage `json:"filter,omitempty"`
}

// sessionConfig carries per-session overrides. Durations are milliseconds;
// zero means the broker default and negative disables where the limit
// supports it (TTL, heartbeat).
type sessionConfig struct {
	SessionTTLMs        int64          `json:"sessionTtlMs,omitempty"`
	ExecutionTimeoutMs  int64          `json:"executionTimeoutMs,omitempty"`
	ToolTimeoutMs       int64          `json:"toolTimeoutMs,omitempty"`
	HeartbeatIntervalMs int64          `json:"heartbeatIntervalMs,omitempty"`
	MaxToolCalls        int            `json:"maxToolCalls,omitempty"`
	MaxIterations       int            `json:"maxIterations,omitempty"`
	MaxStdoutBytes      int64          `json:"maxStdoutBytes,omitempty"`
	MaxToolResultBytes  int64          `json:"maxToolResultBytes,omitempty"`
	Globals             map[string]any `json:"globals,omitempty"`
	Encryption          *sealConfig    `json:"encryption,omitempty"`
}

// sealConfig enables the per-session encryption overlay.
type sealConfig struct {
	KeyB64 string `json:"keyB64"`
	KID    string `json:"kid,omitempty"`
}

func (c *sessionConfig) limits() session.Limits {
	if c == nil {
		return session.Limits{}
	}
	return session.Limits{
		SessionTTL:         time.Duration(c.SessionTTLMs) * time.Millisecond,
		ExecutionTimeout:   time.Duration(c.ExecutionTimeoutMs) * time.Millisecond,
		ToolTimeout:        time.Duration(c.ToolTimeoutMs) * time.Millisecond,
		HeartbeatInterval:  time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		MaxToolCalls:       c.MaxToolCalls,
		MaxIterations:      c.MaxIterations,
		MaxStdoutBytes:     c.MaxStdoutBytes,
		MaxToolResultBytes: c.MaxToolResultBytes,
	}
}

// options translates the request into manager creation options.
func (r *createSessionRequest) options() (session.Options, error) {
	opts := session.Options{
		ID:     r.SessionID,
		Limits: r.Config.limits(),
	}
	if r.Config == nil {
		return opts, nil
	}
	opts.Globals = r.Config.Globals
	if enc := r.Config.Encryption; enc != nil {
		key, err := base64.StdEncoding.DecodeString(enc.KeyB64)
		if err != nil {
			return opts, wire.Errorf(wire.CodeInvalidRequest, "invalid encryption key: %v", err)
		}
		opts.Seal = &seal.Config{Key: key, KID: enc.KID}
	}
	return opts, nil
}

// parseFilter compiles an optional filter configuration. Match-time errors
// go to the logger and count as non-match.
func (s *Server) parseFilter(ctx context.Context, raw json.RawMessage) (*eventfilter.Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filter, err := eventfilter.Parse(raw, func(err error) {
		s.logger.Warn(ctx, "filter evaluation error", "error", err)
	})
	if err != nil {
		return nil, wire.Errorf(wire.CodeInvalidFilter, "invalid filter: %v", err)
	}
	return filter, nil
}

// handleCreateSession creates a session, starts execution, and streams its
// events as NDJSON until the final event. The response carries the session
// id in X-Session-ID before the first line.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, wire.Errorf(wire.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, wire.NewError(wire.CodeInvalidRequest, "code is required"))
		return
	}

	filter, err := s.parseFilter(r.Context(), req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}

	opts, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}

	// With a runtime link the code executes on the remote peer; the session
	// id is minted here so the adapter can tag its frames.
	var remote *RemoteAdapter
	if s.link != nil {
		if !s.link.Connected() {
			writeError(w, wire.NewError(wire.CodeServiceUnavailable, "runtime channel disconnected"))
			return
		}
		if opts.ID == "" {
			opts.ID = ident.NewSessionID()
		}
		remote = s.link.Adapter(opts.ID, opts.Limits.Merged(s.manager.Limits()))
		opts.Adapter = remote
		opts.Mode = session.ModeRuntime
	}

	sess, err := s.manager.Create(opts)
	if err != nil {
		if remote != nil {
			remote.Dispose()
		}
		writeError(w, err)
		return
	}

	sub, err := sess.Subscribe(1, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		// Client disconnect cancels through the request context; the
		// finisher emits the terminal events either way.
		_, _ = sess.Execute(r.Context(), req.Code)
	}()

	w.Header().Set("X-Session-ID", sess.ID())
	s.streamEvents(w, r, filter, sub)
}

// handleStreamSession re-attaches a client to a live or terminal session:
// replay from fromSeq, then live events until final. Disconnecting an
// observer stream never cancels the session.
func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	fromSeq := int64(1)
	if raw := r.URL.Query().Get("fromSeq"); raw != "" {
		fromSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, wire.Errorf(wire.CodeInvalidRequest, "invalid fromSeq %q", raw))
			return
		}
	}

	filter, err := s.parseFilter(r.Context(), json.RawMessage(r.URL.Query().Get("filter")))
	if err != nil {
		writeError(w, err)
		return
	}

	sub, err := sess.Subscribe(fromSeq, 0)
	if err != nil {
		if errors.Is(err, event.ErrStreamGap) {
			writeError(w, wire.Errorf(wire.CodeStreamGap, "replay unavailable: %v", err))
			return
		}
		writeError(w, err)
		return
	}

	w.Header().Set("X-Session-ID", sess.ID())
	s.streamEvents(w, r, filter, sub)
}

// streamEvents writes replay then live events as NDJSON, flushing per line.
// The loop ends when the subscription channel closes: the session emitted
// its final event, or this subscriber was dropped on queue overflow.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, filter *eventfilter.Filter, sub *event.Subscription) {
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	write := func(ev *wire.Event) bool {
		if filter != nil && !filter.ShouldSend(ev) {
			return true
		}
		line, err := wire.MarshalLine(ev)
		if err != nil {
			s.logger.Error(r.Context(), "event not serializable", "seq", ev.Seq, "error", err)
			return false
		}
		if _, err := w.Write(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for _, ev := range sub.Replay {
		if !write(ev) {
			return
		}
	}
	for ev := range sub.Events() {
		if !write(ev) {
			return
		}
	}
	if sub.Dropped() {
		s.logger.Warn(r.Context(), "stream subscriber dropped on overflow", "path", r.URL.Path)
	}
}

// listSessionsResponse is the GET /sessions body.
type listSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: infos, Total: len(infos)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// deleteSessionResponse is the DELETE /sessions/{id} body.
type deleteSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Terminate(id, "session terminated by client"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteSessionResponse{Success: true, SessionID: id})
}
