package session

import (
	"time"

	"github.com/agentfront/enclave/internal/event"
)

// Default per-session limits.
const (
	DefaultSessionTTL         = 60 * time.Second
	DefaultExecutionTimeout   = 55 * time.Second
	DefaultToolTimeout        = 30 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultMaxToolCalls       = 50
	DefaultMaxStdoutBytes     = 256 * 1024
	DefaultMaxToolResultBytes = 5 * 1024 * 1024
	DefaultMaxBufferedEvents  = event.DefaultMaxBuffered
)

// Limits is a session's resource snapshot, fixed at creation.
type Limits struct {
	// SessionTTL bounds the session's total lifetime from creation.
	SessionTTL time.Duration

	// ExecutionTimeout bounds a single sandbox execution.
	ExecutionTimeout time.Duration

	// ToolTimeout bounds one remote tool call in runtime mode.
	ToolTimeout time.Duration

	// HeartbeatInterval is the gap between heartbeat events while the
	// session is non-terminal.
	HeartbeatInterval time.Duration

	// MaxToolCalls caps tool calls per session. Exceeding it is fatal.
	MaxToolCalls int

	// MaxIterations caps sandbox interpreter steps. 0 means no cap.
	MaxIterations int

	// MaxStdoutBytes caps captured sandbox stdout.
	MaxStdoutBytes int64

	// MaxToolResultBytes caps one serialized tool result.
	MaxToolResultBytes int64

	// MaxBufferedEvents bounds the replay buffer. 0 means the default,
	// negative means unbounded.
	MaxBufferedEvents int
}

// DefaultLimits returns the recommended defaults.
func DefaultLimits() Limits {
	return Limits{
		SessionTTL:         DefaultSessionTTL,
		ExecutionTimeout:   DefaultExecutionTimeout,
		ToolTimeout:        DefaultToolTimeout,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		MaxToolCalls:       DefaultMaxToolCalls,
		MaxStdoutBytes:     DefaultMaxStdoutBytes,
		MaxToolResultBytes: DefaultMaxToolResultBytes,
		MaxBufferedEvents:  DefaultMaxBufferedEvents,
	}
}

// Merged returns l with every zero field taken from base. Negative fields
// survive the merge, which is how heartbeats and TTLs are disabled.
func (l Limits) Merged(base Limits) Limits {
	if l.SessionTTL == 0 {
		l.SessionTTL = base.SessionTTL
	}
	if l.ExecutionTimeout == 0 {
		l.ExecutionTimeout = base.ExecutionTimeout
	}
	if l.ToolTimeout == 0 {
		l.ToolTimeout = base.ToolTimeout
	}
	if l.HeartbeatInterval == 0 {
		l.HeartbeatInterval = base.HeartbeatInterval
	}
	if l.MaxToolCalls == 0 {
		l.MaxToolCalls = base.MaxToolCalls
	}
	if l.MaxIterations == 0 {
		l.MaxIterations = base.MaxIterations
	}
	if l.MaxStdoutBytes == 0 {
		l.MaxStdoutBytes = base.MaxStdoutBytes
	}
	if l.MaxToolResultBytes == 0 {
		l.MaxToolResultBytes = base.MaxToolResultBytes
	}
	if l.MaxBufferedEvents == 0 {
		l.MaxBufferedEvents = base.MaxBufferedEvents
	}
	return l
}
