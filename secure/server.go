// Package secure creates HTTPS servers backed by a locally trusted
// certificate. Starting a server also starts the shared plaintext redirect
// server, and stopping the last one tears it down.
package secure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"localhttps/internal/certstore"
	"localhttps/internal/logging"
	"localhttps/internal/middleware"
	"localhttps/internal/registry"
	"localhttps/internal/truststore"
)

// DefaultAddr is the address Start binds when given an empty one.
const DefaultAddr = ":443"

var (
	ErrAlreadyStarted = errors.New("secure server already started")
	ErrNotStarted     = errors.New("secure server not started")
)

// SetupError reports a failure that prevents serving TLS at all.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("secure server setup failed: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// DefaultSettingsPath is the per-user directory holding the certificate
// bundle, shared with earlier installations.
func DefaultSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".small-tech.org", "auto-encrypt-localhost"), nil
}

// Server is an HTTPS server whose Start and Stop also acquire and release
// the shared redirect server.
type Server struct {
	handler   http.Handler
	tlsConfig *tls.Config
	bundle    certstore.Bundle
	keyPEM    []byte
	certPEM   []byte
	registry  *registry.Registry
	redirect  bool
	hooks     []func(*http.Server)
	logger    *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	acquired bool
	errs     chan error
	done     chan struct{}
}

// CreateServer ensures the certificate bundle exists, registers the local CA
// and returns a server ready to Start. A nil handler serves
// http.DefaultServeMux.
func CreateServer(ctx context.Context, handler http.Handler, opts ...Option) (*Server, error) {
	o := &options{redirect: true}
	for _, opt := range opts {
		opt(o)
	}
	logger := logging.OrDiscard(o.logger)

	settingsPath := o.settingsPath
	if settingsPath == "" {
		dir, err := DefaultSettingsPath()
		if err != nil {
			return nil, &SetupError{Op: "resolve settings path", Err: err}
		}
		settingsPath = dir
	}

	tool := o.tool
	if tool == nil {
		resolved, err := certstore.ResolveTool(ctx, certstore.ToolAuto, o.mkcertBinary, logger)
		if err != nil {
			return nil, &SetupError{Op: "resolve certificate tool", Err: err}
		}
		tool = resolved
	}

	hosts, err := certstore.Hosts(o.extraHosts...)
	if err != nil {
		return nil, &SetupError{Op: "resolve certificate hosts", Err: err}
	}

	store := certstore.New(tool, logger,
		certstore.WithSANPolicy(o.sanPolicy),
		certstore.WithMetrics(o.metrics),
		certstore.WithToolTimeout(o.toolTimeout),
	)
	bundle, err := store.EnsureBundle(ctx, settingsPath, hosts)
	if err != nil {
		return nil, &SetupError{Op: "ensure certificates", Err: err}
	}

	trustStore := o.trustStore
	if trustStore == nil {
		trustStore = truststore.Shared()
	}
	truststore.NewRegistrar(trustStore, logger).RegisterTrust(bundle.RootCAPath)

	keyPEM, err := os.ReadFile(bundle.KeyPath)
	if err != nil {
		return nil, &SetupError{Op: "read private key", Err: err}
	}
	certPEM, err := os.ReadFile(bundle.CertPath)
	if err != nil {
		return nil, &SetupError{Op: "read certificate", Err: err}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &SetupError{Op: "load key pair", Err: err}
	}

	tlsConfig := &tls.Config{}
	if o.tlsConfig != nil {
		tlsConfig = o.tlsConfig.Clone()
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	tlsConfig.Certificates = []tls.Certificate{cert}

	if handler == nil {
		handler = http.DefaultServeMux
	}
	if o.requestLogging {
		handler = middleware.LoggingMiddleware(&logging.Logger{Logger: logger}, "secure")(handler)
	}
	if o.tracing {
		handler = middleware.Tracing("secure")(handler)
	}

	reg := o.registry
	if reg == nil {
		reg = registry.Shared()
	}

	return &Server{
		handler:   handler,
		tlsConfig: tlsConfig,
		bundle:    bundle,
		keyPEM:    keyPEM,
		certPEM:   certPEM,
		registry:  reg,
		redirect:  o.redirect,
		hooks:     o.serverHooks,
		logger:    logger,
	}, nil
}

// Start acquires the shared redirect server, then binds addr and serves TLS
// in the background. No connection is accepted before the redirect server is
// available. An empty addr means DefaultAddr.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}
	if addr == "" {
		addr = DefaultAddr
	}

	if s.redirect {
		if _, err := s.registry.Acquire(ctx, s.bundle.RootCAPath); err != nil {
			return fmt.Errorf("failed to start redirect server: %w", err)
		}
		s.acquired = true
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.releaseRedirect(ctx)
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	for _, hook := range s.hooks {
		hook(srv)
	}

	s.srv = srv
	s.listener = ln
	s.errs = make(chan error, 1)
	s.done = make(chan struct{})

	go func(errs chan error, done chan struct{}) {
		defer close(done)
		defer close(errs)
		if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}(s.errs, s.done)

	s.logger.Info("secure server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop releases the shared redirect server first, tearing it down if this
// was its last user, and then shuts down the HTTPS listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ErrNotStarted
	}

	var errs []error
	if s.acquired {
		s.acquired = false
		if err := s.registry.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to release redirect server: %w", err))
		}
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		errs = append(errs, fmt.Errorf("failed to shut down secure server: %w", err))
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.listener = nil
	s.srv = nil
	s.logger.Info("secure server stopped")
	return errors.Join(errs...)
}

func (s *Server) releaseRedirect(ctx context.Context) {
	if !s.acquired {
		return
	}
	s.acquired = false
	if err := s.registry.Release(ctx); err != nil {
		s.logger.Warn("failed to release redirect server", slog.String("error", err.Error()))
	}
}

// Addr returns the bound HTTPS address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Errors receives a fatal serve error, if any, and is closed when the
// current run ends. It is nil before the first Start.
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// Bundle describes the certificate files on disk.
func (s *Server) Bundle() certstore.Bundle { return s.bundle }

// KeyPEM returns the leaf private key the server was built with.
func (s *Server) KeyPEM() []byte { return append([]byte(nil), s.keyPEM...) }

// CertPEM returns the leaf certificate the server was built with.
func (s *Server) CertPEM() []byte { return append([]byte(nil), s.certPEM...) }
