package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentfront/enclave/internal/dispatch"
	"github.com/agentfront/enclave/internal/ident"
	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/sandbox"
	"github.com/agentfront/enclave/internal/seal"
	"github.com/agentfront/enclave/internal/tools"
	"github.com/agentfront/enclave/pkg/wire"
)

// Manager-level defaults.
const (
	DefaultMaxSessions     = 100
	DefaultCleanupSchedule = "@every 60s"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// MaxSessions caps concurrently held sessions. 0 means the default.
	MaxSessions int

	// Limits are the defaults applied to new sessions; per-session
	// overrides merge on top.
	Limits Limits

	// CleanupSchedule drives the reaper: a cron expression or descriptor
	// such as "@every 60s" (the default).
	CleanupSchedule string

	// Registry backs embedded tool dispatch. Required.
	Registry *tools.Registry

	// AdapterFactory builds a sandbox per session when no override is
	// given. Defaults to the scripted adapter.
	AdapterFactory func() sandbox.Adapter

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Options customize one session at creation.
type Options struct {
	// ID is an optional client-supplied session identifier. It must match
	// the session id format and be unused.
	ID string

	// Limits overrides; zero fields take the manager defaults.
	Limits Limits

	// Globals seed the sandbox environment.
	Globals map[string]any

	// Seal enables the encryption overlay with the given key material.
	Seal *seal.Config

	// Adapter overrides the manager's adapter factory.
	Adapter sandbox.Adapter

	// Dispatcher overrides embedded dispatch (runtime topology).
	Dispatcher dispatch.Dispatcher

	// Mode labels the topology. Defaults to ModeEmbedded, or ModeRuntime
	// when a dispatcher override is supplied.
	Mode string
}

// Manager owns the SessionID to Session mapping, enforces the session cap,
// and runs the reaper that cancels expired sessions and removes expired
// terminal ones.
type Manager struct {
	maxSessions int
	limits      Limits
	registry    *tools.Registry
	adapters    func() sandbox.Adapter
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	now         func() time.Time
	schedule    cron.Schedule

	mu       sync.RWMutex
	sessions map[string]*Session
	disposed bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager validates the configuration and builds a manager. The reaper
// does not run until Start.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session manager requires a tool registry")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	schedule, err := cronParser.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	if cfg.AdapterFactory == nil {
		cfg.AdapterFactory = func() sandbox.Adapter { return sandbox.NewScripted() }
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		maxSessions: cfg.MaxSessions,
		limits:      cfg.Limits.Merged(DefaultLimits()),
		registry:    cfg.Registry,
		adapters:    cfg.AdapterFactory,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
		schedule:    schedule,
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
	}, nil
}

// Limits returns the manager's default limit snapshot.
func (m *Manager) Limits() Limits { return m.limits }

// Create builds, registers, and returns a new session in the starting state.
func (m *Manager) Create(opts Options) (*Session, error) {
	var sealer *seal.Sealer
	if opts.Seal != nil {
		var err error
		sealer, err = seal.New(*opts.Seal)
		if err != nil {
			return nil, wire.WrapError(wire.CodeInvalidRequest, "invalid encryption config", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return nil, wire.NewError(wire.CodeServiceUnavailable, "broker is shutting down")
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, wire.Errorf(wire.CodeMaxSessions, "session limit of %d reached", m.maxSessions)
	}

	id := opts.ID
	if id == "" {
		id = ident.NewSessionID()
	} else {
		if !ident.ValidSessionID(id) {
			return nil, wire.Errorf(wire.CodeInvalidRequest, "invalid session id %q", id)
		}
		if _, exists := m.sessions[id]; exists {
			return nil, wire.Errorf(wire.CodeInvalidRequest, "session %s already exists", id)
		}
	}

	limits := opts.Limits.Merged(m.limits)

	adapter := opts.Adapter
	if adapter == nil {
		adapter = m.adapters()
	}

	mode := opts.Mode
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.NewEmbedded(dispatch.EmbeddedConfig{
			Registry:       m.registry,
			MaxResultBytes: limits.MaxToolResultBytes,
			Tracer:         m.tracer,
		})
		if mode == "" {
			mode = ModeEmbedded
		}
	} else if mode == "" {
		mode = ModeRuntime
	}

	sess, err := New(Config{
		ID:         id,
		Mode:       mode,
		Limits:     limits,
		Globals:    opts.Globals,
		Sealer:     sealer,
		Adapter:    adapter,
		Dispatcher: dispatcher,
		Logger:     m.logger,
		Metrics:    m.metrics,
		Tracer:     m.tracer,
	})
	if err != nil {
		if opts.Adapter == nil {
			adapter.Dispose()
		}
		return nil, err
	}

	m.sessions[id] = sess
	if m.metrics != nil {
		m.metrics.SessionStarted(mode)
	}
	m.logger.Info(observability.AddSessionID(context.Background(), id), "session created",
		"mode", mode,
		"ttl", limits.SessionTTL.String(),
		"total", len(m.sessions),
	)
	return sess, nil
}

// Get returns the session or a NOT_FOUND error.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(wire.CodeNotFound, "session %s not found", id)
	}
	return sess, nil
}

// List returns every held session, ordered by creation time then id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// ListActive returns the non-terminal sessions, in List order.
func (m *Manager) ListActive() []*Session {
	all := m.List()
	out := all[:0]
	for _, sess := range all {
		if !sess.State().Terminal() {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of held sessions, terminal included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Terminate cancels the session with the given reason. Unknown ids are
// NOT_FOUND. The session stays listed until the reaper removes it.
func (m *Manager) Terminate(id, reason string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "session terminated"
	}
	sess.Cancel(reason)
	return nil
}

// ExecuteAndWait creates a session, executes code, feeds every event to
// onEvent (when non-nil) in order, waits for the stream to drain, and
// removes the session. This is the one-shot path behind the exec command.
func (m *Manager) ExecuteAndWait(ctx context.Context, code string, opts Options, onEvent func(*wire.Event)) (*wire.FinalPayload, error) {
	sess, err := m.Create(opts)
	if err != nil {
		return nil, err
	}

	var drained chan struct{}
	if onEvent != nil {
		sub, subErr := sess.Subscribe(1, 0)
		if subErr == nil {
			drained = make(chan struct{})
			go func() {
				defer close(drained)
				for _, ev := range sub.Replay {
					onEvent(ev)
				}
				for ev := range sub.Events() {
					onEvent(ev)
				}
			}()
		}
	}

	final, err := sess.Execute(ctx, code)
	if drained != nil {
		<-drained
	}
	m.remove(sess.ID())
	return final, err
}

// Cleanup runs one reaper sweep: expired non-terminal sessions are
// cancelled, expired terminal ones removed. Returns the number removed.
func (m *Manager) Cleanup() int {
	now := m.now()
	removed := 0
	for _, sess := range m.List() {
		if !sess.Expired(now) {
			continue
		}
		if !sess.State().Terminal() {
			// Cancelled now, removed on a later sweep so subscribers
			// can still replay the tail.
			sess.Cancel("session ttl expired")
			continue
		}
		m.remove(sess.ID())
		removed++
	}
	if removed > 0 {
		m.logger.Debug(context.Background(), "reaper removed sessions", "count", removed)
	}
	return removed
}

// Start launches the reaper on its schedule. Starting twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the reaper and waits for it. Idempotent.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		now := m.now()
		next := m.schedule.Next(now)
		if next.IsZero() {
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			m.Cleanup()
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Dispose cancels every live session, clears the map, stops the reaper, and
// rejects further creates with SERVICE_UNAVAILABLE.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Cancel("broker disposed")
	}
	m.Stop()
	m.logger.Info(context.Background(), "session manager disposed", "cancelled", len(sessions))
}

// Disposed reports whether Dispose has run.
func (m *Manager) Disposed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disposed
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
