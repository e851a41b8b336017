package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"localhttps/secure"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	td := teardown{}
	success := false
	defer func() {
		if !success {
			if err := td.unwind(context.Background(), a.logger); err != nil {
				a.logger.Warn("partial init not fully released", slog.String("error", err.Error()))
			}
		}
	}()

	if a.loggerProvider != nil {
		td.add("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, metrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		td.add("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		td.add("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tool, err := resolveTool(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to resolve certificate tool: %w", err)
	}

	reg := buildRegistry(a.cfg, a.logger, metrics)
	trustStore := buildTrustStore(a.cfg)
	handler := buildRouter(a.cfg, a.logger, meterProvider)

	a.logger.Info("preparing locally trusted certificate",
		slog.String("settings_path", a.cfg.Certs.SettingsPath),
		slog.String("tool", a.cfg.Certs.Tool),
		slog.Any("extra_hosts", a.cfg.Certs.ExtraHosts),
	)

	srv, err := secure.CreateServer(ctx, handler, secureOptions(a.cfg, a.logger, tool, reg, trustStore, metrics)...)
	if err != nil {
		return fmt.Errorf("failed to initialize secure server: %w", err)
	}
	bundle := srv.Bundle()
	a.logger.Info("certificate bundle ready",
		slog.String("dir", bundle.Dir),
		slog.String("root_ca", bundle.RootCAPath),
		slog.Bool("regenerated", bundle.Regenerated),
	)
	td.add("secure server", func(shutdownCtx context.Context) error {
		if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, secure.ErrNotStarted) {
			return err
		}
		return nil
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.metrics = metrics
	a.tracerProvider = tracerProvider
	a.registry = reg
	a.trustStore = trustStore
	a.handler = handler
	a.server = srv
	a.teardown = td
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
