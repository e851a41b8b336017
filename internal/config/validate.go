package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"localhttps/internal/certstore"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Certs.validate(result)
	c.Server.validate(result)
	c.Redirect.validate(result)
	c.Observability.validate(result)

	if c.Redirect.Enabled && sameListenAddr(c.Server.Addr, c.Redirect.Addr) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "redirect.addr",
			Message: fmt.Sprintf("redirect server cannot share address %q with the HTTPS server", c.Redirect.Addr),
			Hint:    "pick a different port or set redirect.enabled=false",
		})
	}

	return result
}

func (c *CertsConfig) validate(result *ValidationResult) {
	validTools := map[string]bool{"": true, "auto": true, "mkcert": true, "native": true}
	if !validTools[c.Tool] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "certs.tool",
			Message: fmt.Sprintf("invalid certificate tool %q", c.Tool),
			Hint:    "valid values are: auto, mkcert, native",
		})
	}

	validPolicies := map[string]bool{"": true, "tool_version": true, "strict": true}
	if !validPolicies[c.SANPolicy] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "certs.san_policy",
			Message: fmt.Sprintf("invalid SAN policy %q", c.SANPolicy),
			Hint:    "valid values are: tool_version, strict",
		})
	}

	if c.ToolTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "certs.tool_timeout",
			Message: "tool_timeout cannot be negative",
		})
	}

	for _, host := range c.ExtraHosts {
		if strings.TrimSpace(host) == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "certs.extra_hosts",
				Message: "extra host names cannot be empty",
			})
			continue
		}
		if _, err := certstore.NormalizeHost(host); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "certs.extra_hosts",
				Message: err.Error(),
				Hint:    "use IP addresses or DNS names such as dev.test or *.dev.test",
			})
		}
	}

	if c.Tool == "mkcert" {
		if c.MkcertBinary != "" {
			if _, err := os.Stat(c.MkcertBinary); err != nil {
				result.Warnings = append(result.Warnings, ValidationWarning{
					Field:   "certs.mkcert_binary",
					Message: fmt.Sprintf("mkcert binary %q not found", c.MkcertBinary),
					Hint:    "certificate generation will fail unless the binary exists at startup",
				})
			}
		} else if _, err := exec.LookPath("mkcert"); err != nil {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "certs.tool",
				Message: "mkcert was not found on PATH",
				Hint:    "install mkcert, set certs.mkcert_binary, or use certs.tool=auto",
			})
		}
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if err := validateListenAddr(s.Addr); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.addr",
			Message: err.Error(),
			Hint:    "use host:port or :port",
		})
	}
	validatePositiveDuration(result, "server.read_timeout", s.ReadTimeout)
	validatePositiveDuration(result, "server.write_timeout", s.WriteTimeout)
	validatePositiveDuration(result, "server.shutdown_timeout", s.ShutdownTimeout)
	if s.IdleTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.idle_timeout",
			Message: "idle_timeout cannot be negative",
		})
	}
}

func (r *RedirectConfig) validate(result *ValidationResult) {
	if !r.Enabled {
		if r.TargetPort != "" {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "redirect.target_port",
				Message: "target_port is set but the redirect server is disabled",
				Hint:    "enable redirect.enabled to use it",
			})
		}
		return
	}

	if err := validateListenAddr(r.Addr); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "redirect.addr",
			Message: err.Error(),
			Hint:    "use host:port or :port",
		})
	}
	if r.TargetPort != "" {
		if port, err := strconv.Atoi(r.TargetPort); err != nil || port < 1 || port > 65535 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "redirect.target_port",
				Message: fmt.Sprintf("target port %q is out of valid range (1-65535)", r.TargetPort),
			})
		}
	}
	validatePositiveDuration(result, "redirect.read_header_timeout", r.ReadHeaderTimeout)
}

func validatePositiveDuration(result *ValidationResult, field string, d time.Duration) {
	if d <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s must be greater than 0", field[strings.LastIndex(field, ".")+1:]),
		})
	}
}

func validateListenAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %v", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port %q is out of valid range (0-65535)", port)
	}
	return nil
}

// sameListenAddr reports whether two listen addresses would collide.
// Port 0 never collides since the kernel picks a free port.
func sameListenAddr(a, b string) bool {
	hostA, portA, errA := net.SplitHostPort(a)
	hostB, portB, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil || portA != portB || portA == "0" {
		return false
	}
	return hostA == hostB || hostA == "" || hostB == ""
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	// Log level validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	// Log format validation
	validLogFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text, auto",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v must be between 0 and 1", o.TraceSampleRatio),
		})
	}

	// OTLP protocol validation
	o.OTLP.validate("observability.otlp", result)

	// Signal-specific OTLP validation
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}

	if o.Logging.Quiet && o.Logging.ExportsEnabled {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "observability.logging.exports_enabled",
			Message: "log export is enabled but quiet mode discards all log records",
			Hint:    "unset observability.logging.quiet to export logs",
		})
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" {
		if !validOTLPEndpoint(o.Endpoint) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   prefix + ".endpoint",
				Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
				Hint:    "use host:port or a full URL",
			})
		}
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}

	if o.Timeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".timeout",
			Message: "timeout cannot be negative",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
