package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"localhttps/internal/logging"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LOCALHTTPS_SERVER_ADDR.
const EnvPrefix = "LOCALHTTPS"

// LoadArgs parses args into fs and loads configuration with the following precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Default values
//
// Flags are defined on fs unless it already has them.
func LoadArgs(fs *pflag.FlagSet, args []string) (*Config, error) {
	if fs.Lookup("config") == nil {
		DefineFlags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return loadFromFlagSet(fs)
}

func loadFromFlagSet(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults (lowest priority)
	setDefaults(v)

	// --- Config file ---
	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("localhttps")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/localhttps/")
		v.AddConfigPath("$HOME/.localhttps")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// --- Environment variables ---
	// Canonical keys: dot + snake_case
	// Env vars: LOCALHTTPS_CERTS_SETTINGS_PATH
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// --- Flags binding (highest normal priority) ---
	bindChangedFlagsToViper(fs, v)

	// QUIET silences logging regardless of source.
	if os.Getenv(logging.QuietEnvVar) != "" {
		v.Set("observability.logging.quiet", true)
	}

	// --- Unmarshal (strict) ---
	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := fs.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// DefineFlags defines all command line flags on fs using canonical snake_case keys.
func DefineFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file")
	fs.Bool("version", false, "Print version and exit")

	// Certificate flags
	fs.String("certs.settings_path", "", "Directory holding the CA and localhost certificate")
	fs.String("certs.tool", "", "Certificate tool: auto, mkcert, native")
	fs.String("certs.mkcert_binary", "", "Path to the mkcert binary (default: search PATH)")
	fs.StringSlice("certs.extra_hosts", nil, "Extra hostnames for the certificate (comma-separated or repeated)")
	fs.String("certs.san_policy", "", "When to recreate certificates: tool_version, strict")
	fs.Duration("certs.tool_timeout", 0, "Timeout for each certificate tool step")
	fs.Bool("certs.trust_default_transport", false, "Trust the local CA in http.DefaultTransport")

	// Server flags
	fs.String("server.addr", "", "HTTPS listen address")
	fs.Duration("server.read_timeout", 0, "HTTPS server read timeout")
	fs.Duration("server.write_timeout", 0, "HTTPS server write timeout")
	fs.Duration("server.idle_timeout", 0, "HTTPS server idle timeout")
	fs.Duration("server.shutdown_timeout", 0, "Graceful shutdown timeout")
	fs.Bool("server.request_logging", false, "Log every HTTPS request")

	// Redirect flags
	fs.Bool("redirect.enabled", false, "Run the HTTP to HTTPS redirect server")
	fs.String("redirect.addr", "", "Redirect server listen address")
	fs.String("redirect.target_port", "", "Port used in redirect locations (default: keep Host port)")
	fs.Duration("redirect.read_header_timeout", 0, "Redirect server read header timeout")
	fs.Bool("redirect.request_logging", false, "Log every redirect request")

	// Observability flags
	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection and /metrics")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio between 0 and 1")

	// Logging flags (under observability)
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text, auto)")
	fs.Bool("observability.logging.quiet", false, "Discard all log output")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")

	// Global OTLP flags
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint (host:port or URL)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol: grpc, http/protobuf")
	fs.Bool("observability.otlp.insecure", false, "Disable TLS for OTLP export")
	fs.String("observability.otlp.tls_cert_file", "", "CA certificate for the OTLP endpoint")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression: none, gzip")
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	v.SetDefault("certs.settings_path", "")
	v.SetDefault("certs.tool", "auto")
	v.SetDefault("certs.mkcert_binary", "")
	v.SetDefault("certs.extra_hosts", []string{})
	v.SetDefault("certs.san_policy", "tool_version")
	v.SetDefault("certs.tool_timeout", 2*time.Minute)
	v.SetDefault("certs.trust_default_transport", false)

	v.SetDefault("server.addr", ":443")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_logging", true)

	v.SetDefault("redirect.enabled", true)
	v.SetDefault("redirect.addr", ":80")
	v.SetDefault("redirect.target_port", "")
	v.SetDefault("redirect.read_header_timeout", 10*time.Second)
	v.SetDefault("redirect.request_logging", false)

	v.SetDefault("observability.service_name", "localhttps")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "auto")
	v.SetDefault("observability.logging.quiet", false)
	v.SetDefault("observability.logging.exports_enabled", false)

	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", true)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "none")
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
