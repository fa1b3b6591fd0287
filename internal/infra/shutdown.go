package infra

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentfront/enclave/internal/observability"
)

// ShutdownPhase orders shutdown work. Earlier phases run first.
type ShutdownPhase int

const (
	// PhasePreShutdown stops accepting new work (HTTP listener, new
	// sessions).
	PhasePreShutdown ShutdownPhase = iota
	// PhaseServices stops background services (session manager, reaper).
	PhaseServices
	// PhaseConnections closes external connections (runtime link, tracer
	// exporter).
	PhaseConnections
	// PhaseCleanup performs final cleanup.
	PhaseCleanup
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhasePreShutdown:
		return "pre-shutdown"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs one component's cleanup. The context is cancelled
// when the shutdown budget is spent.
type ShutdownFunc func(ctx context.Context) error

// ShutdownHandler is a registered cleanup step.
type ShutdownHandler struct {
	Name    string
	Phase   ShutdownPhase
	Func    ShutdownFunc
	Timeout time.Duration // 0 = coordinator default
}

// ShutdownResult records one handler's outcome.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Error    error
}

// ShutdownCoordinator runs registered handlers in phase order, handlers
// within a phase concurrently. Shutdown happens at most once.
type ShutdownCoordinator struct {
	mu             sync.Mutex
	handlers       [phaseCount][]ShutdownHandler
	defaultTimeout time.Duration
	logger         *observability.Logger
	shutdownOnce   sync.Once
	shutdownCh     chan struct{}
	shuttingDown   atomic.Bool
	signal         os.Signal
	results        []ShutdownResult
}

// NewShutdownCoordinator creates a coordinator. defaultTimeout <= 0 means
// 30s; a nil logger gets the default.
func NewShutdownCoordinator(defaultTimeout time.Duration, logger *observability.Logger) *ShutdownCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &ShutdownCoordinator{
		defaultTimeout: defaultTimeout,
		logger:         logger,
		shutdownCh:     make(chan struct{}),
	}
}

// Register adds a handler. Out-of-range phases land in cleanup.
func (c *ShutdownCoordinator) Register(handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler.Phase < 0 || handler.Phase >= phaseCount {
		handler.Phase = PhaseCleanup
	}
	c.handlers[handler.Phase] = append(c.handlers[handler.Phase], handler)
}

// RegisterFunc registers a bare function.
func (c *ShutdownCoordinator) RegisterFunc(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.Register(ShutdownHandler{Name: name, Phase: phase, Func: fn})
}

// OnSignal arranges a graceful shutdown on the given signals (default
// SIGINT/SIGTERM). The returned channel closes when shutdown completed; the
// signal that fired is readable from Signal afterwards.
func (c *ShutdownCoordinator) OnSignal(signals ...os.Signal) <-chan struct{} {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		c.mu.Lock()
		c.signal = sig
		c.mu.Unlock()
		c.logger.Info(context.Background(), "received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.defaultTimeout)
		defer cancel()
		c.Shutdown(ctx)
		close(done)
	}()
	return done
}

// Signal returns the OS signal that triggered shutdown, if any.
func (c *ShutdownCoordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Shutdown runs every phase once and records the results. Concurrent and
// repeated calls return the recorded results.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) []ShutdownResult {
	c.shutdownOnce.Do(func() {
		c.shuttingDown.Store(true)
		close(c.shutdownCh)

		c.logger.Info(ctx, "starting graceful shutdown")
		start := time.Now()
		var results []ShutdownResult

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()
			if len(handlers) == 0 {
				continue
			}

			results = append(results, c.runPhase(ctx, handlers)...)
			if ctx.Err() != nil {
				c.logger.Warn(ctx, "shutdown budget spent", "phase", phase.String())
				break
			}
		}

		c.logger.Info(ctx, "graceful shutdown complete", "duration", time.Since(start).String())
		c.mu.Lock()
		c.results = results
		c.mu.Unlock()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

func (c *ShutdownCoordinator) runPhase(ctx context.Context, handlers []ShutdownHandler) []ShutdownResult {
	results := make([]ShutdownResult, len(handlers))
	var wg sync.WaitGroup
	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h ShutdownHandler) {
			defer wg.Done()
			results[idx] = c.runHandler(ctx, h)
		}(i, handler)
	}
	wg.Wait()
	return results
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, handler ShutdownHandler) ShutdownResult {
	result := ShutdownResult{Name: handler.Name, Phase: handler.Phase}
	start := time.Now()

	timeout := handler.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.Func(handlerCtx)
	}()

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Error = err
		if err != nil {
			c.logger.Warn(ctx, "shutdown handler error",
				"handler", handler.Name, "phase", handler.Phase.String(), "error", err)
		}
	case <-handlerCtx.Done():
		result.Duration = time.Since(start)
		result.Error = handlerCtx.Err()
		c.logger.Warn(ctx, "shutdown handler timed out",
			"handler", handler.Name, "phase", handler.Phase.String(), "timeout", timeout.String())
	}
	return result
}

// IsShuttingDown reports whether shutdown has begun.
func (c *ShutdownCoordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done closes when shutdown begins.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.shutdownCh
}
