// Package serverapp wires configuration, observability and the secure server
// into the lifecycle run by cmd/server.
package serverapp

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"localhttps/internal/config"
	"localhttps/internal/logging"
	"localhttps/internal/observability"
	"localhttps/internal/registry"
	"localhttps/internal/truststore"
	"localhttps/secure"
)

// App owns runtime resources for the localhttps server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	tracerProvider *observability.TracerProvider
	metrics        *observability.Metrics

	registry   *registry.Registry
	trustStore *truststore.ProcessTrustStore
	handler    http.Handler
	server     *secure.Server

	teardown teardown

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors <-chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Addr returns the bound HTTPS address, or nil before Start.
func (a *App) Addr() net.Addr {
	a.stateMu.Lock()
	srv := a.server
	a.stateMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

// Server returns the secure server built by Init.
func (a *App) Server() *secure.Server {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.server
}

// Registry returns the redirect registry built by Init, or nil when the
// redirect server is disabled.
func (a *App) Registry() *registry.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.registry
}

// TrustStore returns the pool the local CA was registered in.
func (a *App) TrustStore() *truststore.ProcessTrustStore {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.trustStore
}
