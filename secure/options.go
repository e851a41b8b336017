package secure

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"localhttps/internal/certstore"
	"localhttps/internal/observability"
	"localhttps/internal/registry"
	"localhttps/internal/truststore"
)

type options struct {
	settingsPath   string
	extraHosts     []string
	logger         *slog.Logger
	registry       *registry.Registry
	redirect       bool
	tool           certstore.Tool
	mkcertBinary   string
	sanPolicy      certstore.SANPolicy
	toolTimeout    time.Duration
	trustStore     truststore.SystemTrustStore
	tlsConfig      *tls.Config
	metrics        *observability.Metrics
	requestLogging bool
	tracing        bool
	serverHooks    []func(*http.Server)
}

// Option configures CreateServer.
type Option func(*options)

// WithSettingsPath stores the certificate bundle in dir instead of
// DefaultSettingsPath.
func WithSettingsPath(dir string) Option {
	return func(o *options) { o.settingsPath = dir }
}

// WithExtraHosts adds names or addresses to the leaf certificate.
func WithExtraHosts(hosts ...string) Option {
	return func(o *options) { o.extraHosts = append(o.extraHosts, hosts...) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry shares redirect servers through reg instead of registry.Shared.
func WithRegistry(reg *registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithoutRedirect starts the HTTPS listener alone.
func WithoutRedirect() Option {
	return func(o *options) { o.redirect = false }
}

// WithTool sets the certificate authority tool. By default mkcert is used
// when it can be found and the in-process tool otherwise.
func WithTool(tool certstore.Tool) Option {
	return func(o *options) { o.tool = tool }
}

// WithMkcertBinary uses the mkcert binary at path.
func WithMkcertBinary(path string) Option {
	return func(o *options) { o.mkcertBinary = path }
}

func WithSANPolicy(p certstore.SANPolicy) Option {
	return func(o *options) { o.sanPolicy = p }
}

// WithToolTimeout bounds each certificate tool step.
func WithToolTimeout(d time.Duration) Option {
	return func(o *options) { o.toolTimeout = d }
}

// WithTrustStore sets where the local CA is registered. Defaults to the
// process-wide truststore.Shared pool.
func WithTrustStore(store truststore.SystemTrustStore) Option {
	return func(o *options) { o.trustStore = store }
}

// WithTLSConfig is used as the base TLS configuration. Certificates is
// always replaced by the local leaf certificate.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRequestLogging logs every HTTPS request with a request ID.
func WithRequestLogging() Option {
	return func(o *options) { o.requestLogging = true }
}

// WithTracing wraps the handler in an OpenTelemetry server span.
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

// WithHTTPServer runs fn on every http.Server built by Start, for example to
// set timeouts.
func WithHTTPServer(fn func(*http.Server)) Option {
	return func(o *options) { o.serverHooks = append(o.serverHooks, fn) }
}
