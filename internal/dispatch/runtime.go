package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/pkg/wire"
)

const (
	// DefaultToolTimeout bounds how long a peer may take to answer a call.
	DefaultToolTimeout = 30 * time.Second

	// DefaultMaxPending caps outstanding calls per runtime connection.
	DefaultMaxPending = 32
)

// Sender pushes one frame to the runtime peer. Implementations serialize
// writes; a returned error means the channel is unusable.
type Sender func(*wire.Frame) error

// Slots caps outstanding calls across every dispatcher sharing it. The
// runtime endpoint hands one instance to all dispatchers on a connection,
// making the cap per connection rather than per session.
type Slots struct {
	mu    sync.Mutex
	used  int
	limit int
}

// NewSlots builds a shared cap. limit <= 0 means DefaultMaxPending.
func NewSlots(limit int) *Slots {
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	return &Slots{limit: limit}
}

// Limit returns the configured cap.
func (s *Slots) Limit() int { return s.limit }

func (s *Slots) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.limit {
		return false
	}
	s.used++
	return true
}

func (s *Slots) release() {
	s.mu.Lock()
	s.used--
	s.mu.Unlock()
}

type pendingResult struct {
	value any
	err   error
}

// Runtime answers tool calls by forwarding them as frames to the WebSocket
// peer and correlating tool_result frames back by callId.
//
// Every pending entry completes exactly once: removal from the table is the
// commit point, and whichever of result frame, deadline, abort, or channel
// close removes the entry decides the outcome.
type Runtime struct {
	mu      sync.Mutex
	pending map[string]chan pendingResult
	closed  *wire.ErrorDetail

	send           Sender
	timeout        time.Duration
	slots          *Slots
	maxResultBytes int64

	logger  *observability.Logger
	metrics *observability.Metrics
}

// RuntimeConfig configures a runtime dispatcher, one per session.
type RuntimeConfig struct {
	// Send transmits frames to the peer. Required.
	Send Sender

	// Timeout is the per-call answer deadline. 0 means DefaultToolTimeout.
	Timeout time.Duration

	// Slots shares a pending-call cap with the other dispatchers on the
	// same connection. Nil means a private cap of MaxPending.
	Slots *Slots

	// MaxPending sizes the private cap when Slots is nil. 0 means
	// DefaultMaxPending.
	MaxPending int

	// MaxResultBytes caps the serialized result. 0 means
	// DefaultMaxResultBytes; negative means unlimited.
	MaxResultBytes int64

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewRuntime creates a dispatcher bound to one runtime connection.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultToolTimeout
	}
	slots := cfg.Slots
	if slots == nil {
		slots = NewSlots(cfg.MaxPending)
	}
	maxBytes := cfg.MaxResultBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxResultBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Runtime{
		pending:        make(map[string]chan pendingResult),
		send:           cfg.Send,
		timeout:        timeout,
		slots:          slots,
		maxResultBytes: maxBytes,
		logger:         logger,
		metrics:        cfg.Metrics,
	}
}

// Dispatch sends the answerable tool_call frame and blocks until the peer
// answers, the deadline passes (TOOL_TIMEOUT), the context aborts
// (EXECUTION_ABORTED), or the channel dies (RUNTIME_DISCONNECTED).
func (d *Runtime) Dispatch(ctx context.Context, call Call) (any, error) {
	ch := make(chan pendingResult, 1)

	d.mu.Lock()
	if d.closed != nil {
		detail := d.closed
		d.mu.Unlock()
		return nil, wire.NewError(detail.Code, detail.Message)
	}
	if !d.slots.acquire() {
		d.mu.Unlock()
		// Recoverable: the script may retry once earlier calls settle.
		return nil, wire.Errorf(wire.CodeExecutionError,
			"pending tool call limit of %d reached", d.slots.Limit())
	}
	d.pending[call.CallID] = ch
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.PendingToolCalls.Inc()
	}

	frame := &wire.Frame{
		Type:      wire.FrameToolCall,
		SessionID: call.SessionID,
		CallID:    call.CallID,
		ToolName:  call.Tool,
		Args:      call.Args,
	}
	if err := d.send(frame); err != nil {
		if d.take(call.CallID) != nil {
			return nil, wire.Errorf(wire.CodeRuntimeDisconnected,
				"send tool_call: %v", err)
		}
		// FailAll beat us to the entry; report its verdict.
		res := <-ch
		return res.value, res.err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return d.finish(call, res)
	case <-timer.C:
		if d.take(call.CallID) != nil {
			return nil, wire.Errorf(wire.CodeToolTimeout,
				"%s did not answer within %s", call.Tool, d.timeout)
		}
		return d.finish(call, <-ch)
	case <-ctx.Done():
		if d.take(call.CallID) != nil {
			return nil, wire.NewError(wire.CodeExecutionAborted, "tool call aborted")
		}
		return d.finish(call, <-ch)
	}
}

func (d *Runtime) finish(call Call, res pendingResult) (any, error) {
	if res.err != nil {
		return nil, res.err
	}
	if err := checkResultSize(call.Tool, res.value, d.maxResultBytes); err != nil {
		return nil, err
	}
	return res.value, nil
}

// take removes and returns the pending entry, or nil if something else
// already completed it. Removal is the commit point and frees the slot.
func (d *Runtime) take(callID string) chan pendingResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.pending[callID]
	if !ok {
		return nil
	}
	delete(d.pending, callID)
	d.slots.release()
	if d.metrics != nil {
		d.metrics.PendingToolCalls.Dec()
	}
	return ch
}

// Resolve completes a pending call from a tool_result frame. Unknown or
// already-completed callIds return false; late answers are dropped.
func (d *Runtime) Resolve(callID string, value any, detail *wire.ErrorDetail) bool {
	ch := d.take(callID)
	if ch == nil {
		return false
	}
	if detail != nil {
		ch <- pendingResult{err: wire.NewError(detail.Code, detail.Message)}
	} else {
		ch <- pendingResult{value: value}
	}
	return true
}

// FailAll completes every pending call with the given code and marks the
// dispatcher closed; later dispatches fail immediately with the same code.
func (d *Runtime) FailAll(code wire.Code, message string) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan pendingResult)
	d.closed = &wire.ErrorDetail{Code: code, Message: message}
	d.mu.Unlock()

	for callID, ch := range pending {
		ch <- pendingResult{err: wire.NewError(code, message)}
		d.slots.release()
		if d.metrics != nil {
			d.metrics.PendingToolCalls.Dec()
		}
		d.logger.Debug(context.Background(), "pending tool call failed",
			"call_id", callID, "code", string(code))
	}
}

// PendingCount returns the number of outstanding calls.
func (d *Runtime) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
