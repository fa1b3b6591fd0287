// Package infra carries the small process-level runners the broker shares
// across components: periodic heartbeats and coordinated shutdown.
package infra

import (
	"context"
	"sync"
	"time"
)

// HeartbeatConfig configures a heartbeat runner.
type HeartbeatConfig struct {
	// Interval is the time between beats.
	Interval time.Duration

	// InitialDelay is the delay before the first beat. Defaults to
	// Interval.
	InitialDelay time.Duration

	// OnBeat runs on every tick. Required.
	OnBeat func(ctx context.Context) error

	// OnError receives beat failures. Optional.
	OnError func(err error)
}

// HeartbeatRunner emits periodic beats until stopped. A session uses one to
// emit heartbeat events while non-terminal; Stop is safe to call from the
// finisher even when the runner never started.
type HeartbeatRunner struct {
	config  HeartbeatConfig
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewHeartbeatRunner creates a runner. It does nothing until Start.
func NewHeartbeatRunner(config HeartbeatConfig) *HeartbeatRunner {
	if config.InitialDelay == 0 {
		config.InitialDelay = config.Interval
	}
	return &HeartbeatRunner{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start launches the beat loop. Starting a running runner is a no-op.
func (r *HeartbeatRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.run(ctx, stopCh)
}

// Stop halts the loop. Idempotent.
func (r *HeartbeatRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

// IsRunning reports whether the loop is active.
func (r *HeartbeatRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunOnce executes a single beat immediately, outside the loop.
func (r *HeartbeatRunner) RunOnce(ctx context.Context) error {
	return r.beat(ctx)
}

func (r *HeartbeatRunner) run(ctx context.Context, stopCh chan struct{}) {
	select {
	case <-time.After(r.config.InitialDelay):
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	}

	if r.beatOrStop(ctx, stopCh) {
		return
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.beatOrStop(ctx, stopCh) {
				return
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// beatOrStop runs one beat unless the runner stopped while the tick was
// pending. Returns true when the loop should exit.
func (r *HeartbeatRunner) beatOrStop(ctx context.Context, stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
	}
	_ = r.beat(ctx)
	return false
}

func (r *HeartbeatRunner) beat(ctx context.Context) error {
	if r.config.OnBeat == nil {
		return nil
	}
	err := r.config.OnBeat(ctx)
	if err != nil && r.config.OnError != nil {
		r.config.OnError(err)
	}
	return err
}
