package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

// chdirTemp isolates a test from any localhttps.yaml in the working directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	t.Setenv("QUIET", "")
	return dir
}

func TestLoadArgs_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadArgs(newFlagSet(), nil)
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Certs.Tool)
	assert.Equal(t, "tool_version", cfg.Certs.SANPolicy)
	assert.Equal(t, 2*time.Minute, cfg.Certs.ToolTimeout)
	assert.Empty(t, cfg.Certs.ExtraHosts)
	assert.Equal(t, ":443", cfg.Server.Addr)
	assert.True(t, cfg.Redirect.Enabled)
	assert.Equal(t, ":80", cfg.Redirect.Addr)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.Equal(t, "auto", cfg.Observability.Logging.Format)
	assert.Equal(t, 1.0, cfg.Observability.TraceSampleRatio)
	assert.Nil(t, cfg.Observability.Traces)

	assert.False(t, cfg.Validate().HasErrors())
}

func TestLoadArgs_Precedence(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
certs:
  tool: native
  extra_hosts: [dev.test]
server:
  addr: ":9443"
  read_timeout: 5s
redirect:
  addr: ":9080"
observability:
  logging:
    level: debug
  traces:
    endpoint: "http://tempo:4318"
    protocol: http/protobuf
`), 0o600))

	t.Setenv("LOCALHTTPS_SERVER_ADDR", ":7443")
	t.Setenv("LOCALHTTPS_REDIRECT_ADDR", ":7080")
	t.Setenv("LOCALHTTPS_CERTS_EXTRA_HOSTS", "a.test, b.test")

	cfg, err := LoadArgs(newFlagSet(), []string{
		"--config", path,
		"--server.addr", ":6443",
	})
	require.NoError(t, err)

	// flag beats env beats file
	assert.Equal(t, ":6443", cfg.Server.Addr)
	assert.Equal(t, ":7080", cfg.Redirect.Addr)
	assert.Equal(t, []string{"a.test", "b.test"}, cfg.Certs.ExtraHosts)
	// file beats default
	assert.Equal(t, "native", cfg.Certs.Tool)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	require.NotNil(t, cfg.Observability.Traces)
	assert.Equal(t, "http://tempo:4318", cfg.Observability.GetTracesConfig().Endpoint)
}

func TestLoadArgs_DiscoversConfigInWorkingDir(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "localhttps.yaml"), []byte("certs:\n  san_policy: strict\n"), 0o600))

	cfg, err := LoadArgs(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Certs.SANPolicy)
}

func TestLoadArgs_FlagTypes(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadArgs(newFlagSet(), []string{
		"--certs.extra_hosts", "x.test,y.test",
		"--certs.tool_timeout", "30s",
		"--redirect.enabled=false",
		"--observability.trace_sample_ratio", "0.25",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"x.test", "y.test"}, cfg.Certs.ExtraHosts)
	assert.Equal(t, 30*time.Second, cfg.Certs.ToolTimeout)
	assert.False(t, cfg.Redirect.Enabled)
	assert.Equal(t, 0.25, cfg.Observability.TraceSampleRatio)
}

func TestLoadArgs_QuietEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("QUIET", "1")

	cfg, err := LoadArgs(newFlagSet(), nil)
	require.NoError(t, err)
	assert.True(t, cfg.Observability.Logging.Quiet)
}

func TestLoadArgs_UnknownKeyRejected(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: db\n"), 0o600))

	_, err := LoadArgs(newFlagSet(), []string{"--config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config")
}

func TestLoadArgs_MissingExplicitConfig(t *testing.T) {
	chdirTemp(t)

	_, err := LoadArgs(newFlagSet(), []string{"--config", "/nonexistent/localhttps.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadArgs_BadFlag(t *testing.T) {
	chdirTemp(t)

	_, err := LoadArgs(newFlagSet(), []string{"--no-such-flag"})
	assert.Error(t, err)
}
