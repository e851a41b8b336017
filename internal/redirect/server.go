// Package redirect implements the plaintext HTTP server that upgrades every
// request to HTTPS and serves the local CA certificate at /.ca.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"localhttps/internal/logging"
	"localhttps/internal/observability"
)

// DefaultAddr is the canonical plaintext HTTP address.
const DefaultAddr = ":80"

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateListening
	// StateUnavailable means the port was already taken by another process.
	StateUnavailable
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateUnavailable:
		return "unavailable"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a redirect Server.
type Config struct {
	Addr       string
	CACertPath string
	// TargetPort replaces the port of the Host header in redirect targets.
	// Empty keeps the host as sent; "443" drops the port.
	TargetPort        string
	ReadHeaderTimeout time.Duration
	RequestLogging    bool
}

// Server is one redirect server instance. It is bound at most once; after
// Destroy a new Server must be created.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	state   atomic.Int32

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// New returns a Server in the created state.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  logging.OrDiscard(logger).With(slog.String("component", "redirect")),
		metrics: metrics,
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound address, or nil when the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the configured address and starts serving in the background.
// A port that is already in use is not an error: the server moves to
// StateUnavailable and Listen returns nil.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated {
		return fmt.Errorf("redirect server cannot listen in state %s", st)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			s.state.Store(int32(StateUnavailable))
			s.metrics.RecordRedirectBind(ctx, observability.BindPortInUse)
			s.logger.Info("port is busy, skipping redirect server", slog.String("addr", s.cfg.Addr))
			return nil
		}
		s.metrics.RecordRedirectBind(ctx, observability.BindFailed)
		return fmt.Errorf("failed to bind redirect server on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.done = make(chan struct{})
	s.state.Store(int32(StateListening))
	s.metrics.RecordRedirectBind(ctx, observability.BindListening)
	s.logger.Info("redirect server listening", slog.String("addr", ln.Addr().String()))

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("redirect server stopped", slog.String("error", err.Error()))
		}
	}(s.srv, s.done)

	return nil
}

// Destroy closes the listener and every open connection without waiting for
// in-flight requests to finish. It is safe to call more than once.
func (s *Server) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateDestroyed:
		return nil
	case StateCreated, StateUnavailable:
		s.state.Store(int32(StateDestroyed))
		return nil
	}

	s.state.Store(int32(StateDestroying))
	closeErr := s.srv.Close()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("redirect server did not stop: %w", ctx.Err())
	}

	s.state.Store(int32(StateDestroyed))
	s.listener = nil
	s.logger.Info("redirect server destroyed")
	return closeErr
}
