package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to create a valid base config
	validConfig := func() *Config {
		return &Config{
			Certs: CertsConfig{
				Tool:        "native",
				SANPolicy:   "tool_version",
				ToolTimeout: time.Minute,
			},
			Server: ServerConfig{
				Addr:            ":8443",
				ReadTimeout:     15 * time.Second,
				WriteTimeout:    15 * time.Second,
				ShutdownTimeout: 30 * time.Second,
			},
			Redirect: RedirectConfig{
				Enabled:           true,
				Addr:              ":8080",
				ReadHeaderTimeout: 10 * time.Second,
			},
			Observability: ObservabilityConfig{
				TraceSampleRatio: 1,
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
				},
				OTLP: OTLPConfig{
					Protocol:    "grpc",
					Compression: "gzip",
				},
			},
		}
	}

	t.Run("valid config passes validation", func(t *testing.T) {
		cfg := validConfig()
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		assert.Empty(t, result.Errors)
		assert.Empty(t, result.Warnings)
	})

	t.Run("unknown certificate tool", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.Tool = "openssl"
		result := cfg.Validate()
		assert.True(t, result.HasErrors())
		assert.Contains(t, result.Error(), "certs.tool")
	})

	t.Run("unknown san policy", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.SANPolicy = "always"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "certs.san_policy")
	})

	t.Run("negative tool timeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.ToolTimeout = -time.Second
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "certs.tool_timeout")
	})

	t.Run("blank extra host", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.ExtraHosts = []string{"dev.test", "  "}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "certs.extra_hosts")
	})

	t.Run("invalid extra host", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.ExtraHosts = []string{"dev.test", "bad host"}
		result := cfg.Validate()
		assert.True(t, result.HasErrors())
		assert.Contains(t, result.Error(), "certs.extra_hosts")
		assert.Contains(t, result.Error(), `"bad host"`)
	})

	t.Run("internationalized and wildcard extra hosts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.ExtraHosts = []string{"café.test", "*.dev.test", "10.0.0.7"}
		result := cfg.Validate()
		assert.False(t, result.HasErrors(), result.Error())
	})

	t.Run("missing mkcert binary is a warning", func(t *testing.T) {
		cfg := validConfig()
		cfg.Certs.Tool = "mkcert"
		cfg.Certs.MkcertBinary = "/nonexistent/mkcert"
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		if assert.Len(t, result.Warnings, 1) {
			assert.Equal(t, "certs.mkcert_binary", result.Warnings[0].Field)
		}
	})

	t.Run("invalid server address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Addr = "localhost"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "server.addr")
	})

	t.Run("zero server timeouts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.ReadTimeout = 0
		cfg.Server.ShutdownTimeout = 0
		result := cfg.Validate()
		assert.Len(t, result.Errors, 2)
		assert.Contains(t, result.Error(), "server.read_timeout")
		assert.Contains(t, result.Error(), "server.shutdown_timeout")
	})

	t.Run("redirect sharing the server address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redirect.Addr = "127.0.0.1:8443"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "redirect.addr")
	})

	t.Run("ephemeral ports never collide", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Addr = "127.0.0.1:0"
		cfg.Redirect.Addr = "127.0.0.1:0"
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
	})

	t.Run("disabled redirect skips its checks", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redirect.Enabled = false
		cfg.Redirect.Addr = ":8443"
		cfg.Redirect.ReadHeaderTimeout = 0
		cfg.Redirect.TargetPort = "8443"
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		assert.Len(t, result.Warnings, 1)
	})

	t.Run("redirect target port out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redirect.TargetPort = "70000"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "redirect.target_port")
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Logging.Level = "trace"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.logging.level")
	})

	t.Run("auto log format is accepted", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Logging.Format = "auto"
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("sample ratio out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.TraceSampleRatio = 1.5
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.trace_sample_ratio")
	})

	t.Run("invalid OTLP protocol", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.OTLP.Protocol = "thrift"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.otlp.protocol")
	})

	t.Run("invalid http endpoint on trace override", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Traces = &OTLPConfig{Protocol: "http/protobuf", Endpoint: "collector"}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.traces.endpoint")
	})

	t.Run("invalid compression", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.OTLP.Compression = "zstd"
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.otlp.compression")
	})

	t.Run("quiet with log export warns", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Logging.Quiet = true
		cfg.Observability.Logging.ExportsEnabled = true
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		assert.Len(t, result.Warnings, 1)
	})
}

func TestValidOTLPEndpoint(t *testing.T) {
	assert.True(t, validOTLPEndpoint("localhost:4318"))
	assert.True(t, validOTLPEndpoint("https://otel.example.com/v1/traces"))
	assert.False(t, validOTLPEndpoint(""))
	assert.False(t, validOTLPEndpoint("otel"))
	assert.False(t, validOTLPEndpoint("http://"))
}

func TestValidationError_Error(t *testing.T) {
	t.Run("with hint", func(t *testing.T) {
		err := ValidationError{Field: "certs.tool", Message: "bad", Hint: "use native"}
		assert.Equal(t, "certs.tool: bad (hint: use native)", err.Error())
	})
	t.Run("without hint", func(t *testing.T) {
		err := ValidationError{Field: "certs.tool", Message: "bad"}
		assert.Equal(t, "certs.tool: bad", err.Error())
	})
}

func TestMergeOTLPConfigs(t *testing.T) {
	base := OTLPConfig{
		Endpoint:    "localhost:4317",
		Protocol:    "grpc",
		Insecure:    true,
		Headers:     map[string]string{"a": "1", "b": "2"},
		Timeout:     10 * time.Second,
		Compression: "gzip",
	}
	obs := ObservabilityConfig{
		OTLP:   base,
		Traces: &OTLPConfig{Endpoint: "http://tempo:4318", Protocol: "http/protobuf", Headers: map[string]string{"b": "3"}},
	}

	traces := obs.GetTracesConfig()
	assert.Equal(t, "http://tempo:4318", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.False(t, traces.Insecure)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, traces.Headers)
	assert.Equal(t, 10*time.Second, traces.Timeout)
	assert.Equal(t, "gzip", traces.Compression)

	assert.Equal(t, base, obs.GetLogsConfig())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, base.Headers, "merge must not mutate the base headers")
}
