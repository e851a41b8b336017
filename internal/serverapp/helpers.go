package serverapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"localhttps/internal/certstore"
	"localhttps/internal/config"
	"localhttps/internal/logging"
	"localhttps/internal/observability"
	"localhttps/internal/redirect"
	"localhttps/internal/registry"
	"localhttps/internal/truststore"
	"localhttps/secure"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func otlpExporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:    c.Endpoint,
		Protocol:    c.Protocol,
		Insecure:    c.Insecure,
		TLSCertFile: c.TLSCertFile,
		Headers:     c.Headers,
		Timeout:     c.Timeout,
		Compression: c.Compression,
	}
}

func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Quiet:  cfg.Observability.Logging.Quiet,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     otlpExporterConfig(logsConfig),
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.Metrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, nil, err
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")
	return meterProvider, metrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Bool("insecure", tracesConfig.Insecure),
	)

	tracerProvider, err := observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       otlpExporterConfig(tracesConfig),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

// resolveTool maps certs.tool to a certificate authority tool.
func resolveTool(ctx context.Context, cfg *config.Config, logger *logging.Logger) (certstore.Tool, error) {
	tool, err := certstore.ResolveTool(ctx, cfg.Certs.Tool, cfg.Certs.MkcertBinary, logger.Logger)
	if err != nil {
		return nil, err
	}
	if mk, ok := tool.(*certstore.MkcertTool); ok {
		logger.Info("using mkcert",
			slog.String("binary", mk.Binary()),
			slog.String("version", mk.Version()),
		)
	}
	return tool, nil
}

func buildRegistry(cfg *config.Config, logger *logging.Logger, metrics *observability.Metrics) *registry.Registry {
	if !cfg.Redirect.Enabled {
		return nil
	}
	return registry.New(registry.Config{
		Redirect: redirect.Config{
			Addr:              cfg.Redirect.Addr,
			TargetPort:        cfg.Redirect.TargetPort,
			ReadHeaderTimeout: cfg.Redirect.ReadHeaderTimeout,
			RequestLogging:    cfg.Redirect.RequestLogging,
		},
	}, logger.Logger, metrics)
}

func buildTrustStore(cfg *config.Config) *truststore.ProcessTrustStore {
	if cfg.Certs.TrustDefaultTransport {
		return truststore.NewProcessTrustStore(truststore.WithDefaultTransport())
	}
	return truststore.NewProcessTrustStore()
}

func secureOptions(
	cfg *config.Config,
	logger *logging.Logger,
	tool certstore.Tool,
	reg *registry.Registry,
	trustStore truststore.SystemTrustStore,
	metrics *observability.Metrics,
) []secure.Option {
	opts := []secure.Option{
		secure.WithLogger(logger.Logger),
		secure.WithTrustStore(trustStore),
		secure.WithMetrics(metrics),
		secure.WithSANPolicy(certstore.SANPolicy(cfg.Certs.SANPolicy)),
		secure.WithToolTimeout(cfg.Certs.ToolTimeout),
		secure.WithHTTPServer(func(srv *http.Server) {
			srv.ReadTimeout = cfg.Server.ReadTimeout
			srv.WriteTimeout = cfg.Server.WriteTimeout
			srv.IdleTimeout = cfg.Server.IdleTimeout
		}),
	}
	if cfg.Certs.SettingsPath != "" {
		opts = append(opts, secure.WithSettingsPath(cfg.Certs.SettingsPath))
	}
	if len(cfg.Certs.ExtraHosts) > 0 {
		opts = append(opts, secure.WithExtraHosts(cfg.Certs.ExtraHosts...))
	}
	if tool != nil {
		opts = append(opts, secure.WithTool(tool))
	}
	if reg != nil {
		opts = append(opts, secure.WithRegistry(reg))
	} else {
		opts = append(opts, secure.WithoutRedirect())
	}
	if cfg.Server.RequestLogging {
		opts = append(opts, secure.WithRequestLogging())
	}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, secure.WithTracing())
	}
	return opts
}

func buildRouter(cfg *config.Config, logger *logging.Logger, meterProvider *observability.MeterProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/", helloHandler)
	r.Get("/health", healthHandler)

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return r
}

func logStarted(cfg *config.Config, logger *logging.Logger, addr string) {
	logAttrs := []any{
		slog.String("protocol", "https"),
		slog.String("address", addr),
		slog.String("health_endpoint", "/health"),
		slog.Bool("redirect_enabled", cfg.Redirect.Enabled),
		slog.String("log_level", cfg.Observability.Logging.Level),
		slog.String("log_format", cfg.Observability.Logging.Format),
	}
	if cfg.Redirect.Enabled {
		logAttrs = append(logAttrs,
			slog.String("redirect_address", cfg.Redirect.Addr),
			slog.String("ca_endpoint", redirect.CAPath),
		)
	}
	if cfg.Observability.MetricsEnabled {
		logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
	}

	logger.Info("server started", logAttrs...)
}

func helloHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello from localhost over HTTPS!\n"))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
