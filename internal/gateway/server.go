// Package gateway is the broker's transport layer: the NDJSON streaming
// HTTP endpoint, the runtime WebSocket endpoint (server half), and the
// runtime link (client half of the same protocol).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/internal/session"
	"github.com/agentfront/enclave/pkg/wire"
)

// DefaultListen is the bind address used when none is configured.
const DefaultListen = "127.0.0.1:8787"

// Config assembles the HTTP server.
type Config struct {
	// Listen is the bind address. Empty means DefaultListen.
	Listen string

	// CORSOrigins are the allowed origins. Empty means allow all.
	CORSOrigins []string

	// Manager owns the sessions. Required.
	Manager *session.Manager

	// Link, when set, routes code execution to a remote runtime: sessions
	// created over HTTP get a remote sandbox adapter bound to it.
	Link *RuntimeLink

	// MaxPendingToolCalls caps outstanding tool calls per runtime
	// connection, shared across its sessions. 0 means the dispatch
	// default.
	MaxPendingToolCalls int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Gatherer backs /metrics. Nil means the Prometheus default gatherer.
	// The route is mounted only when Metrics is set.
	Gatherer prometheus.Gatherer
}

// Server is the broker's HTTP front. Binding is separated from serving so
// the CLI can map bind failures to their own exit code.
type Server struct {
	listen     string
	origins    []string
	manager    *session.Manager
	link       *RuntimeLink
	maxPending int
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	httpServer *http.Server

	mu           sync.Mutex
	listener     net.Listener
	started      bool
	shutdown     bool
	runtimeConns map[*runtimeConn]struct{}
}

// NewServer validates the configuration and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	s := &Server{
		listen:     cfg.Listen,
		origins:    cfg.CORSOrigins,
		manager:    cfg.Manager,
		link:       cfg.Link,
		maxPending: cfg.MaxPendingToolCalls,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStreamSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /runtime", s.handleRuntime)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if cfg.Metrics != nil {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	handler := corsHeaders(s.origins)(logRequests(s.logger)(mux))
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware-wrapped route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and begins serving in the background. A
// bind failure is returned to the caller; serve failures after a successful
// bind are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("gateway: server already started")
	}

	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.listen, err)
	}
	s.listener = listener
	s.started = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server stopped", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address after Start, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline. Live NDJSON streams end when their sessions are
// cancelled; dispose the manager first to drain them promptly.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// httpStatus maps stable error codes onto HTTP status codes.
func httpStatus(code wire.Code) int {
	switch code {
	case wire.CodeInvalidRequest, wire.CodeInvalidFilter, wire.CodeValidationError:
		return http.StatusBadRequest
	case wire.CodeNotFound:
		return http.StatusNotFound
	case wire.CodeStreamGap:
		return http.StatusGone
	case wire.CodeMaxSessions:
		return http.StatusTooManyRequests
	case wire.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error shape shared by every non-streaming failure.
type errorBody struct {
	Code    wire.Code `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as {code, message} with the mapped status. Errors
// without a stable code become a 500.
func writeError(w http.ResponseWriter, err error) {
	var coded *wire.CodedError
	if !errors.As(err, &coded) {
		coded = wire.NewError(wire.CodeExecutionError, "internal error")
	}
	writeJSON(w, httpStatus(coded.Code), errorBody{Code: coded.Code, Message: coded.Message})
}
