// Package session implements the broker's central entity: one code
// submission executing in a sandbox, emitting a dense sequence-numbered
// event stream until exactly one final event, plus the manager that owns
// every live session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentfront/enclave/internal/dispatch"
	"github.com/agentfront/enclave/internal/event"
	"github.com/agentfront/enclave/internal/ident"
	"github.com/agentfront/enclave/internal/infra"
	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/sandbox"
	"github.com/agentfront/enclave/internal/seal"
	"github.com/agentfront/enclave/pkg/wire"
)

// isoMillis renders timestamps the way the wire contract expects ISO-8601:
// UTC with millisecond precision.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Topology labels used in metrics and session listings.
const (
	ModeEmbedded = "embedded"
	ModeRuntime  = "runtime"
)

// Config assembles one session. The manager fills it; tests may build it
// directly.
type Config struct {
	// ID is the session identifier, required and already validated.
	ID string

	// Mode labels the topology (ModeEmbedded or ModeRuntime).
	Mode string

	// Limits is the resolved per-session limit snapshot.
	Limits Limits

	// Globals seed the sandbox environment.
	Globals map[string]any

	// Sealer enables the encryption overlay when non-nil.
	Sealer *seal.Sealer

	// Adapter executes the submitted code. Required.
	Adapter sandbox.Adapter

	// Dispatcher performs tool calls. Required.
	Dispatcher dispatch.Dispatcher

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Info is the session summary returned by the HTTP listing endpoints.
type Info struct {
	SessionID     string `json:"sessionId"`
	Mode          string `json:"mode"`
	State         State  `json:"state"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
	Seq           int64  `json:"seq"`
	ToolCallCount int    `json:"toolCallCount"`
}

// Session is a single code-submission lifecycle. All terminal paths funnel
// through one finisher, so every stream carries exactly one final event.
type Session struct {
	id        string
	mode      string
	createdAt time.Time
	expiresAt time.Time
	limits    Limits
	globals   map[string]any

	sequencer  *event.Sequencer
	adapter    sandbox.Adapter
	dispatcher dispatch.Dispatcher
	sealer     *seal.Sealer
	heartbeat  *infra.HeartbeatRunner
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	// abortCtx is the session's abort handle: Cancel, TTL, fatal tool
	// errors, and caller-context death all cancel it.
	abortCtx    context.Context
	abortCancel context.CancelFunc
	ttlTimer    *time.Timer
	doneCh      chan struct{}
	logCtx      context.Context

	mu        sync.Mutex
	state     State
	executed  bool
	finished  bool
	cause     *wire.ErrorDetail // first recorded fatal cause, wins over sandbox outcome
	toolCalls int
	pending   int
	startedAt time.Time
	final     *wire.FinalPayload
}

// New builds a session in the starting state and arms its TTL timer.
func New(cfg Config) (*Session, error) {
	if !ident.ValidSessionID(cfg.ID) {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "invalid session id %q", cfg.ID)
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("session %s: sandbox adapter is required", cfg.ID)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("session %s: dispatcher is required", cfg.ID)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEmbedded
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	limits := cfg.Limits.Merged(DefaultLimits())
	now := time.Now()

	s := &Session{
		id:         cfg.ID,
		mode:       cfg.Mode,
		createdAt:  now,
		expiresAt:  now.Add(limits.SessionTTL),
		limits:     limits,
		globals:    cfg.Globals,
		adapter:    cfg.Adapter,
		dispatcher: cfg.Dispatcher,
		sealer:     cfg.Sealer,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		doneCh:     make(chan struct{}),
		state:      StateStarting,
	}
	s.logCtx = observability.AddSessionID(context.Background(), s.id)
	s.abortCtx, s.abortCancel = context.WithCancel(context.Background())

	s.sequencer = event.NewSequencer(event.SequencerConfig{
		SessionID:   s.id,
		Sealer:      cfg.Sealer,
		MaxBuffered: limits.MaxBufferedEvents,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})

	s.heartbeat = infra.NewHeartbeatRunner(infra.HeartbeatConfig{
		Interval: limits.HeartbeatInterval,
		OnBeat: func(ctx context.Context) error {
			_, err := s.sequencer.Emit(wire.EventHeartbeat, wire.HeartbeatPayload{})
			return err
		},
		OnError: func(err error) {
			if !errors.Is(err, event.ErrClosed) {
				s.logger.Debug(s.logCtx, "heartbeat emit failed", "error", err)
			}
		},
	})

	if limits.SessionTTL > 0 {
		s.ttlTimer = time.AfterFunc(limits.SessionTTL, func() {
			s.Cancel("session ttl expired")
		})
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mode returns the topology label.
func (s *Session) Mode() string { return s.mode }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt returns the TTL deadline.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Expired reports whether the TTL deadline has passed at the given time.
func (s *Session) Expired(now time.Time) bool { return now.After(s.expiresAt) }

// Limits returns the session's limit snapshot.
func (s *Session) Limits() Limits { return s.limits }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seq returns the last assigned sequence number.
func (s *Session) Seq() int64 { return s.sequencer.Seq() }

// ToolCallCount returns the number of tool_call events emitted so far.
func (s *Session) ToolCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCalls
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Final returns the terminal final payload, or nil while non-terminal.
func (s *Session) Final() *wire.FinalPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Subscribe attaches a stream consumer: buffered events with seq >= fromSeq
// as replay, then live events. See event.Sequencer.Subscribe.
func (s *Session) Subscribe(fromSeq int64, queueSize int) (*event.Subscription, error) {
	return s.sequencer.Subscribe(fromSeq, queueSize)
}

// Snapshot returns a coherent copy of the buffered events with seq >= fromSeq.
func (s *Session) Snapshot(fromSeq int64) ([]*wire.Event, error) {
	return s.sequencer.Snapshot(fromSeq)
}

// Info returns the session summary.
func (s *Session) Info() Info {
	s.mu.Lock()
	state := s.state
	toolCalls := s.toolCalls
	s.mu.Unlock()
	return Info{
		SessionID:     s.id,
		Mode:          s.mode,
		State:         state,
		CreatedAt:     s.createdAt.UTC().Format(isoMillis),
		ExpiresAt:     s.expiresAt.UTC().Format(isoMillis),
		Seq:           s.sequencer.Seq(),
		ToolCallCount: toolCalls,
	}
}

// Execute runs code in the sandbox and blocks until the session is terminal.
// It returns the final payload; the error return is reserved for misuse (a
// second call, or a session already cancelled before execution), which emits
// nothing.
func (s *Session) Execute(ctx context.Context, code string) (*wire.FinalPayload, error) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return nil, wire.NewError(wire.CodeInvalidRequest, "session already executed")
	}
	if s.finished || s.cause != nil || s.state != StateStarting {
		state := s.state
		s.mu.Unlock()
		return nil, wire.Errorf(wire.CodeInvalidRequest, "session is %s", state)
	}
	s.executed = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = observability.AddSessionID(ctx, s.id)
	ctx, span := s.tracer.TraceSessionExecute(ctx, s.id, s.mode)
	defer span.End()

	// Caller-context death counts as broker-observed cancellation.
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel("request cancelled")
		case <-s.doneCh:
		}
	}()

	execCtx, execCancel := context.WithCancel(s.abortCtx)
	defer execCancel()

	initPayload := wire.SessionInitPayload{
		CancelURL: "/sessions/" + s.id,
		ExpiresAt: s.expiresAt.UTC().Format(isoMillis),
		Encryption: wire.EncryptionInfo{
			Enabled: s.sealer != nil,
		},
	}
	if s.sealer != nil {
		initPayload.Encryption.KID = s.sealer.KID()
	}
	if _, err := s.sequencer.Emit(wire.EventSessionInit, initPayload); err != nil {
		// Closed sequencer: the session was cancelled before it started.
		return s.finish(nil, nil), nil
	}

	if s.limits.HeartbeatInterval > 0 {
		s.heartbeat.Start(execCtx)
	}

	s.mu.Lock()
	if err := s.transitionLocked(StateRunning); err != nil {
		s.mu.Unlock()
		return s.finish(nil, nil), nil
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "session executing",
		"mode", s.mode,
		"codeBytes", len(code),
	)

	res, adapterErr := s.adapter.Execute(execCtx, code, &sandbox.ExecutionContext{
		Timeout:        s.limits.ExecutionTimeout,
		MaxIterations:  s.limits.MaxIterations,
		MaxToolCalls:   s.limits.MaxToolCalls,
		MaxStdoutBytes: s.limits.MaxStdoutBytes,
		Globals:        s.globals,
		ToolHandler:    s.handleToolCall,
	})

	final := s.finish(res, adapterErr)
	if !final.OK && final.Error != nil {
		s.tracer.RecordError(span, wire.NewError(final.Error.Code, final.Error.Message))
	}
	return final, nil
}

// handleToolCall is the sandbox's tool-handler callback. It enforces the
// per-session call cap, emits tool_call and tool_result_applied around the
// dispatch, and distinguishes recoverable failures (returned to user code)
// from fatal ones (recorded and aborting the session).
func (s *Session) handleToolCall(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.Lock()
	if s.finished || s.cause != nil {
		s.mu.Unlock()
		return nil, wire.NewError(wire.CodeSessionCancelled, "session is terminating")
	}
	if s.toolCalls >= s.limits.MaxToolCalls {
		detail := &wire.ErrorDetail{
			Code:    wire.CodeMaxToolCallsExceeded,
			Message: fmt.Sprintf("tool call limit of %d exceeded", s.limits.MaxToolCalls),
		}
		s.recordCauseLocked(detail)
		s.mu.Unlock()
		s.abortCancel()
		return nil, wire.NewError(detail.Code, detail.Message)
	}
	s.toolCalls++
	s.pending++
	if s.state == StateRunning {
		_ = s.transitionLocked(StateWaitingForTool)
	}
	s.mu.Unlock()

	callID := ident.NewCallID()
	callCtx := observability.AddCallID(observability.AddSessionID(ctx, s.id), callID)

	if _, err := s.sequencer.Emit(wire.EventToolCall, wire.ToolCallPayload{
		CallID:   callID,
		ToolName: name,
		Args:     args,
	}); err != nil {
		s.settleToolCall(true)
		if errors.Is(err, event.ErrClosed) {
			return nil, wire.NewError(wire.CodeSessionCancelled, "session is terminating")
		}
		s.recordCause(&wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "event sealing failed"})
		s.abortCancel()
		return nil, wire.WrapError(wire.CodeExecutionError, "event sealing failed", err)
	}

	value, callErr := s.dispatcher.Dispatch(callCtx, dispatch.Call{
		SessionID: s.id,
		CallID:    callID,
		Tool:      name,
		Args:      args,
	})

	// tool_result_applied is emitted whether the call succeeded or failed.
	if _, err := s.sequencer.Emit(wire.EventToolResultApplied, wire.ToolResultAppliedPayload{
		CallID: callID,
	}); err != nil && !errors.Is(err, event.ErrClosed) {
		s.recordCause(&wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "event sealing failed"})
		s.abortCancel()
	}

	s.settleToolCall(false)

	if callErr != nil {
		code := wire.CodeOf(callErr)
		s.logger.Warn(callCtx, "tool call failed",
			"tool", name,
			"code", string(code),
			"recoverable", wire.Recoverable(code),
		)
		if !wire.Recoverable(code) {
			s.recordCause(&wire.ErrorDetail{Code: code, Message: wire.MessageOf(callErr)})
			s.abortCancel()
		}
	}
	return value, callErr
}

// settleToolCall reverses the pending bookkeeping after a dispatch settles.
// rollback also undoes the call-count reservation when the tool_call event
// was never emitted, keeping stats.toolCallCount equal to emitted events.
func (s *Session) settleToolCall(rollback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rollback {
		s.toolCalls--
	}
	s.pending--
	if s.pending == 0 && s.state == StateWaitingForTool {
		_ = s.transitionLocked(StateRunning)
	}
}

// Cancel requests cancellation: the abort handle fires, and the stream ends
// with error plus final carrying SESSION_CANCELLED. Idempotent; returns true
// only for the call that initiated cancellation.
func (s *Session) Cancel(reason string) bool {
	if reason == "" {
		reason = "session cancelled"
	}
	s.mu.Lock()
	if s.finished || s.cause != nil || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.cause = &wire.ErrorDetail{Code: wire.CodeSessionCancelled, Message: reason}
	executing := s.executed
	s.mu.Unlock()

	s.abortCancel()
	if !executing {
		// No execution loop will run the finisher; do it here.
		s.finish(nil, nil)
	}
	return true
}

// finish is the single terminal path. The first caller wins; later calls
// return the recorded final payload.
func (s *Session) finish(res *sandbox.ExecutionResult, adapterErr error) *wire.FinalPayload {
	s.mu.Lock()
	if s.finished {
		final := s.final
		s.mu.Unlock()
		return final
	}
	s.finished = true
	cause := s.cause
	toolCalls := s.toolCalls
	startedAt := s.startedAt
	s.mu.Unlock()

	s.heartbeat.Stop()
	if s.ttlTimer != nil {
		s.ttlTimer.Stop()
	}
	s.abortCancel()

	stats := wire.FinalStats{ToolCallCount: toolCalls}
	if res != nil {
		stats.DurationMs = res.Stats.Duration.Milliseconds()
		stats.StdoutBytes = res.Stats.StdoutBytes
	} else if !startedAt.IsZero() {
		stats.DurationMs = time.Since(startedAt).Milliseconds()
	}

	final := &wire.FinalPayload{Stats: stats}
	switch {
	case cause != nil:
		final.Error = cause
	case adapterErr != nil:
		final.Error = &wire.ErrorDetail{
			Code:    wire.CodeOf(adapterErr),
			Message: wire.MessageOf(adapterErr),
		}
	case res != nil && !res.Success:
		detail := &wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "execution failed"}
		if res.Error != nil {
			detail.Code = res.Error.Code
			detail.Message = res.Error.Message
		}
		final.Error = detail
	case res != nil:
		final.OK = true
		final.Result = res.Value
	default:
		final.Error = &wire.ErrorDetail{Code: wire.CodeSessionCancelled, Message: "session cancelled"}
	}

	if !final.OK && final.Error != nil {
		if _, err := s.sequencer.Emit(wire.EventError, wire.ErrorPayload{
			Code:        final.Error.Code,
			Message:     final.Error.Message,
			Recoverable: false,
		}); err != nil && !errors.Is(err, event.ErrClosed) {
			s.logger.Warn(s.logCtx, "terminal error event dropped", "error", err)
		}
	}

	if _, err := s.sequencer.Emit(wire.EventFinal, final); err != nil {
		// Sealing died on the terminal event. The stream still must end
		// with a final, so deliver a plaintext one without the result.
		degraded := &wire.FinalPayload{
			Error: &wire.ErrorDetail{Code: wire.CodeExecutionError, Message: "event sealing failed"},
			Stats: stats,
		}
		if _, perr := s.sequencer.EmitPlaintext(wire.EventFinal, degraded); perr != nil {
			s.logger.Error(s.logCtx, "final event dropped", "error", perr)
		}
		final = degraded
	}

	to := StateFailed
	switch {
	case final.OK:
		to = StateCompleted
	case final.Error != nil && final.Error.Code == wire.CodeSessionCancelled:
		to = StateCancelled
	}

	s.mu.Lock()
	if err := s.transitionLocked(to); err != nil {
		// Terminal always wins; a missing edge is an accounting bug, not
		// a reason to stay live.
		s.logger.Warn(s.logCtx, "forced terminal transition", "error", err)
		s.state = to
	}
	s.final = final
	s.mu.Unlock()

	s.sequencer.Close()
	close(s.doneCh)
	s.adapter.Dispose()

	if s.metrics != nil {
		s.metrics.SessionEnded(string(to), time.Since(s.createdAt).Seconds())
	}
	errCode := ""
	if final.Error != nil {
		errCode = string(final.Error.Code)
	}
	s.logger.Info(s.logCtx, "session finished",
		"state", string(to),
		"ok", final.OK,
		"code", errCode,
		"toolCalls", stats.ToolCallCount,
		"durationMs", stats.DurationMs,
	)
	return final
}

// recordCause stores the first fatal cause; later causes lose.
func (s *Session) recordCause(detail *wire.ErrorDetail) {
	s.mu.Lock()
	s.recordCauseLocked(detail)
	s.mu.Unlock()
}

func (s *Session) recordCauseLocked(detail *wire.ErrorDetail) {
	if s.cause == nil && !s.finished {
		s.cause = detail
	}
}

// transitionLocked moves the state along a declared edge. Call with s.mu
// held.
func (s *Session) transitionLocked(to State) error {
	if !ValidTransition(s.state, to) {
		return fmt.Errorf("invalid session state transition %s to %s", s.state, to)
	}
	s.state = to
	return nil
}
