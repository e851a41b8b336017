// Package registry shares one redirect server between every secure server in
// the process and tears it down when the last one stops.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"localhttps/internal/logging"
	"localhttps/internal/observability"
	"localhttps/internal/redirect"
)

// Config configures the redirect servers the registry creates.
type Config struct {
	Redirect redirect.Config
}

// RedirectServer is the part of *redirect.Server the registry drives.
type RedirectServer interface {
	Listen(ctx context.Context) error
	Destroy(ctx context.Context) error
	State() redirect.State
}

// Factory builds a redirect server serving the CA at caCertPath.
type Factory func(caCertPath string) RedirectServer

// initCall is the in-flight initialization every concurrent Acquire waits on.
type initCall struct {
	done   chan struct{}
	server RedirectServer
	err    error
}

// Registry holds at most one live redirect server and counts its users.
// The server is running iff the count is at least one.
type Registry struct {
	newServer Factory
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu      sync.Mutex
	server  RedirectServer
	refs    int
	pending *initCall
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory replaces the redirect server constructor.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.newServer = f }
}

// New returns an empty registry.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Registry {
	logger = logging.OrDiscard(logger).With(slog.String("component", "registry"))
	r := &Registry{
		logger:  logger,
		metrics: metrics,
	}
	r.newServer = func(caCertPath string) RedirectServer {
		rc := cfg.Redirect
		rc.CACertPath = caCertPath
		return redirect.New(rc, logger, metrics)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	sharedOnce sync.Once
	shared     *Registry
)

// Shared returns the process-wide registry bound to redirect.DefaultAddr.
func Shared() *Registry {
	sharedOnce.Do(func() {
		shared = New(Config{Redirect: redirect.Config{Addr: redirect.DefaultAddr}}, slog.Default(), nil)
	})
	return shared
}

// Acquire returns the shared redirect server, creating and binding it when
// none is running. Concurrent callers during initialization wait for the
// same attempt and get the same outcome. A port-in-use fallback counts as
// success.
func (r *Registry) Acquire(ctx context.Context, caCertPath string) (RedirectServer, error) {
	for {
		r.mu.Lock()

		if r.server != nil {
			r.refs++
			srv := r.server
			r.mu.Unlock()
			r.metrics.AddRegistryReferences(ctx, 1)
			return srv, nil
		}

		if call := r.pending; call != nil {
			r.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.err != nil {
				return nil, call.err
			}
			// Initialized; loop to take a reference. If it was already
			// released and destroyed the loop starts a fresh one.
			continue
		}

		call := &initCall{done: make(chan struct{})}
		r.pending = call
		r.mu.Unlock()

		srv := r.newServer(caCertPath)
		err := srv.Listen(ctx)

		r.mu.Lock()
		r.pending = nil
		call.err = err
		if err == nil {
			call.server = srv
			r.server = srv
			r.refs++
		}
		close(call.done)
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("failed to start redirect server", slog.String("error", err.Error()))
			return nil, err
		}
		r.metrics.AddRegistryReferences(ctx, 1)
		r.logger.Debug("redirect server ready", slog.String("state", srv.State().String()))
		return srv, nil
	}
}

// Release drops one reference. The last release destroys the redirect
// server and clears the registry so the next Acquire starts a new one.
// Releasing with nothing acquired logs and returns nil.
func (r *Registry) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil {
		r.logger.Info("redirect server was never set up, nothing to destroy")
		return nil
	}

	r.refs--
	r.metrics.AddRegistryReferences(ctx, -1)
	if r.refs > 0 {
		return nil
	}

	srv := r.server
	r.server = nil
	r.refs = 0
	if err := srv.Destroy(ctx); err != nil {
		return err
	}
	r.logger.Info("redirect server torn down")
	return nil
}

// Refs returns the number of live references.
func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Current returns the live redirect server, or nil.
func (r *Registry) Current() RedirectServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}
