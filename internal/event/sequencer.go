// Package event implements the per-session event sequencer: monotonic seq
// assignment, the replay buffer, and subscriber fan-out with bounded queues.
//
// All subscribers observe events in emission order. A subscriber whose queue
// overflows is dropped (its channel closed) without disturbing the session's
// event production or the other subscribers.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/seal"
	"github.com/agentfront/enclave/pkg/wire"
)

const (
	// DefaultMaxBuffered bounds the replay buffer. Oldest events are
	// evicted past this point and the low-water mark advances.
	DefaultMaxBuffered = 10_000

	// DefaultQueueSize is the per-subscriber live queue depth.
	DefaultQueueSize = 256
)

var (
	// ErrClosed means the sequencer already emitted its terminal event.
	ErrClosed = errors.New("event: sequencer closed")

	// ErrStreamGap means the requested replay start predates the buffer's
	// low-water mark. Surfaced to clients as STREAM_GAP.
	ErrStreamGap = errors.New("event: requested seq evicted from replay buffer")
)

// SequencerConfig configures a per-session sequencer.
type SequencerConfig struct {
	// SessionID is stamped on every emitted event.
	SessionID string

	// Sealer, when set, wraps outward events into encrypted envelopes.
	// session_init and heartbeat events stay plaintext so clients can
	// bootstrap and observe liveness without the key.
	Sealer *seal.Sealer

	// MaxBuffered bounds the replay buffer. 0 means DefaultMaxBuffered;
	// negative means unbounded.
	MaxBuffered int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Sequencer assigns dense sequence numbers, keeps the replay buffer, and
// fans events out to subscribers.
type Sequencer struct {
	mu        sync.Mutex
	sessionID string
	sealer    *seal.Sealer
	maxBuffer int

	seq      int64
	buffer   []*wire.Event
	lowWater int64 // seq of the first buffered event; 0 while empty
	evicted  bool

	subs   map[int64]*Subscription
	nextID int64
	closed bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSequencer creates a sequencer for one session.
func NewSequencer(cfg SequencerConfig) *Sequencer {
	maxBuffer := cfg.MaxBuffered
	if maxBuffer == 0 {
		maxBuffer = DefaultMaxBuffered
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Sequencer{
		sessionID: cfg.SessionID,
		sealer:    cfg.Sealer,
		maxBuffer: maxBuffer,
		subs:      make(map[int64]*Subscription),
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// sealable reports whether the encryption overlay applies to this type.
func sealable(t wire.EventType) bool {
	switch t {
	case wire.EventSessionInit, wire.EventHeartbeat:
		return false
	}
	return true
}

// Emit assigns the next sequence number, stamps the envelope constants,
// seals the event when the session is encrypted, appends it to the replay
// buffer, and enqueues it to every live subscriber, in that order.
//
// A seal failure consumes no sequence number; the caller decides whether to
// terminate the session and may fall back to EmitPlaintext.
func (s *Sequencer) Emit(t wire.EventType, payload any) (*wire.Event, error) {
	return s.emit(t, payload, s.sealer != nil && sealable(t))
}

// EmitPlaintext emits without the encryption overlay regardless of the
// session's sealer. Used for the terminal final after a seal failure, with
// any sensitive result stripped by the caller.
func (s *Sequencer) EmitPlaintext(t wire.EventType, payload any) (*wire.Event, error) {
	return s.emit(t, payload, false)
}

func (s *Sequencer) emit(t wire.EventType, payload any, sealed bool) (*wire.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	ev := &wire.Event{
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       s.sessionID,
		Seq:             s.seq + 1,
		Type:            t,
		Payload:         payload,
	}

	outward := ev
	if sealed {
		wrapped, err := s.sealer.SealEvent(ev)
		if err != nil {
			return nil, fmt.Errorf("seal %s event: %w", t, err)
		}
		outward = wrapped
		if s.sealer.RotationNeeded() {
			s.logger.Warn(context.Background(), "session key approaching nonce ceiling",
				"session_id", s.sessionID, "seals", s.sealer.SealCount())
		}
	}

	s.seq = ev.Seq
	s.append(outward)
	if s.metrics != nil {
		s.metrics.EventEmitted(string(t))
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- outward:
		default:
			// Queue full: drop this subscriber only. Buffered events
			// are still drained by the receiver before it sees EOF.
			sub.dropped.Store(true)
			delete(s.subs, id)
			close(sub.ch)
			if s.metrics != nil {
				s.metrics.SubscriberDrops.Inc()
				s.metrics.StreamSubscribers.Dec()
			}
			s.logger.Warn(context.Background(), "subscriber dropped on queue overflow",
				"session_id", s.sessionID, "seq", ev.Seq)
		}
	}

	return outward, nil
}

func (s *Sequencer) append(ev *wire.Event) {
	s.buffer = append(s.buffer, ev)
	if s.lowWater == 0 {
		s.lowWater = ev.Seq
	}
	if s.maxBuffer > 0 && len(s.buffer) > s.maxBuffer {
		excess := len(s.buffer) - s.maxBuffer
		s.buffer = s.buffer[excess:]
		s.lowWater = s.buffer[0].Seq
		s.evicted = true
	}
}

// Subscription is one attached consumer: a replay slice captured at
// subscribe time plus a bounded live channel for everything after.
type Subscription struct {
	// Replay holds the buffered events with seq >= fromSeq, in order.
	Replay []*wire.Event

	ch      chan *wire.Event
	id      int64
	seq     *Sequencer
	dropped atomic.Bool
	once    sync.Once
}

// Events returns the live channel. It closes after the sequencer closes
// (the terminal event was emitted and drained) or when this subscriber is
// dropped on overflow; Dropped distinguishes the two.
func (sub *Subscription) Events() <-chan *wire.Event {
	return sub.ch
}

// Dropped reports whether the subscriber was evicted on queue overflow.
func (sub *Subscription) Dropped() bool {
	return sub.dropped.Load()
}

// Cancel detaches the subscriber. Safe to call multiple times and after the
// sequencer closed.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.seq.unsubscribe(sub.id)
	})
}

// Subscribe attaches a consumer starting at fromSeq. Values below 1 are
// treated as 1. queueSize <= 0 uses DefaultQueueSize. Subscribing to a
// closed sequencer returns the replay slice and an already-closed channel.
func (s *Sequencer) Subscribe(fromSeq int64, queueSize int) (*Subscription, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replay, err := s.sliceLocked(fromSeq)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Replay: replay,
		ch:     make(chan *wire.Event, queueSize),
		seq:    s,
	}
	if s.closed {
		close(sub.ch)
		return sub, nil
	}

	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
	}
	return sub, nil
}

func (s *Sequencer) unsubscribe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
		if s.metrics != nil {
			s.metrics.StreamSubscribers.Dec()
		}
	}
}

// Snapshot returns a copy of the buffered events with seq >= fromSeq.
func (s *Sequencer) Snapshot(fromSeq int64) ([]*wire.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sliceLocked(fromSeq)
}

// sliceLocked returns the buffered suffix starting at fromSeq. The caller
// holds s.mu. Requests below the low-water mark fail once eviction has
// happened; before any eviction every emitted event is still buffered.
func (s *Sequencer) sliceLocked(fromSeq int64) ([]*wire.Event, error) {
	if s.evicted && fromSeq < s.lowWater {
		return nil, fmt.Errorf("%w: have seq >= %d, requested %d", ErrStreamGap, s.lowWater, fromSeq)
	}
	if len(s.buffer) == 0 {
		return nil, nil
	}
	// Buffer is dense, so the offset is arithmetic.
	start := fromSeq - s.buffer[0].Seq
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.buffer)) {
		return nil, nil
	}
	out := make([]*wire.Event, len(s.buffer)-int(start))
	copy(out, s.buffer[start:])
	return out, nil
}

// Close stops emission and closes every subscriber channel. Buffered events
// are still delivered before receivers see EOF. Later subscribes get replay
// plus an immediately-closed channel. Idempotent.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
		if s.metrics != nil {
			s.metrics.StreamSubscribers.Dec()
		}
	}
}

// Seq returns the last assigned sequence number, 0 before the first emit.
func (s *Sequencer) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// LowWater returns the lowest sequence number still in the replay buffer,
// 0 while the buffer is empty.
func (s *Sequencer) LowWater() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowWater
}

// SubscriberCount returns the number of attached subscribers.
func (s *Sequencer) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
