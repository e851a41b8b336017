package secure

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localhttps/internal/certstore"
	"localhttps/internal/redirect"
	"localhttps/internal/registry"
	"localhttps/internal/truststore"
)

type testEnv struct {
	settings string
	trust    *truststore.ProcessTrustStore
	registry *registry.Registry
}

func newTestEnv(t *testing.T, redirectAddr string) *testEnv {
	t.Helper()
	if redirectAddr == "" {
		redirectAddr = "127.0.0.1:0"
	}
	return &testEnv{
		settings: t.TempDir(),
		trust:    truststore.NewProcessTrustStore(),
		registry: registry.New(registry.Config{Redirect: redirect.Config{Addr: redirectAddr}}, nil, nil),
	}
}

func (e *testEnv) options(extra ...Option) []Option {
	return append([]Option{
		WithSettingsPath(e.settings),
		WithTool(certstore.NewNativeTool()),
		WithTrustStore(e.trust),
		WithRegistry(e.registry),
	}, extra...)
}

func helloHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	})
}

func startServer(t *testing.T, env *testEnv, opts ...Option) *Server {
	t.Helper()
	srv, err := CreateServer(context.Background(), helloHandler(), env.options(opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	return srv
}

func noFollow() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func redirectAddr(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	srv, ok := reg.Current().(*redirect.Server)
	require.True(t, ok)
	require.NotNil(t, srv.Addr())
	return srv.Addr().String()
}

func TestServer_EndToEnd(t *testing.T) {
	env := newTestEnv(t, "")
	srv := startServer(t, env)
	defer srv.Stop(context.Background())

	resp, err := env.trust.Client().Get("https://" + srv.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hello", string(body))

	plain := redirectAddr(t, env.registry)
	resp, err = noFollow().Get("http://" + plain + "/anything?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "https://"+plain+"/anything?x=1", resp.Header.Get("Location"))

	resp, err = noFollow().Get("http://" + plain + redirect.CAPath)
	require.NoError(t, err)
	caBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	onDisk, err := os.ReadFile(srv.Bundle().RootCAPath)
	require.NoError(t, err)
	assert.Equal(t, onDisk, caBody)
}

func TestCreateServer_ExposesKeyAndCertificate(t *testing.T) {
	env := newTestEnv(t, "")
	srv, err := CreateServer(context.Background(), nil, env.options()...)
	require.NoError(t, err)

	key, err := os.ReadFile(srv.Bundle().KeyPath)
	require.NoError(t, err)
	cert, err := os.ReadFile(srv.Bundle().CertPath)
	require.NoError(t, err)

	assert.Equal(t, key, srv.KeyPEM())
	assert.Equal(t, cert, srv.CertPEM())
	assert.True(t, srv.Bundle().Complete())
	assert.Nil(t, srv.Addr())
	assert.Nil(t, srv.Errors())
}

func TestServer_SharedRedirectLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	first := startServer(t, env)
	second := startServer(t, env)

	assert.Equal(t, 2, env.registry.Refs())
	shared := env.registry.Current()
	require.NotNil(t, shared)
	assert.Equal(t, redirect.StateListening, shared.State())

	require.NoError(t, first.Stop(ctx))
	assert.Equal(t, 1, env.registry.Refs())
	assert.Equal(t, redirect.StateListening, shared.State())

	require.NoError(t, second.Stop(ctx))
	assert.Equal(t, 0, env.registry.Refs())
	assert.Nil(t, env.registry.Current())
	assert.Equal(t, redirect.StateDestroyed, shared.State())

	// Restarting builds a fresh redirect server.
	require.NoError(t, first.Start(ctx, "127.0.0.1:0"))
	defer first.Stop(ctx)
	fresh := env.registry.Current()
	require.NotNil(t, fresh)
	assert.NotSame(t, shared, fresh)
	assert.Equal(t, redirect.StateListening, fresh.State())
}

func TestServer_RedirectPortInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	env := newTestEnv(t, occupied.Addr().String())
	srv := startServer(t, env)
	defer srv.Stop(context.Background())

	assert.Equal(t, redirect.StateUnavailable, env.registry.Current().State())

	resp, err := env.trust.Client().Get("https://" + srv.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SecureBindFailureReleasesRedirect(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	env := newTestEnv(t, "")
	srv, err := CreateServer(context.Background(), helloHandler(), env.options()...)
	require.NoError(t, err)

	err = srv.Start(context.Background(), occupied.Addr().String())
	require.Error(t, err)
	assert.Equal(t, 0, env.registry.Refs())
	assert.Nil(t, env.registry.Current())
}

func TestServer_StartStopErrors(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	srv, err := CreateServer(ctx, helloHandler(), env.options()...)
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Stop(ctx), ErrNotStarted)
	require.NoError(t, srv.Start(ctx, "127.0.0.1:0"))
	assert.ErrorIs(t, srv.Start(ctx, "127.0.0.1:0"), ErrAlreadyStarted)
	require.NoError(t, srv.Stop(ctx))
	assert.ErrorIs(t, srv.Stop(ctx), ErrNotStarted)

	_, open := <-srv.Errors()
	assert.False(t, open)
}

func TestServer_WithoutRedirect(t *testing.T) {
	env := newTestEnv(t, "")
	srv := startServer(t, env, WithoutRedirect())
	defer srv.Stop(context.Background())

	assert.Equal(t, 0, env.registry.Refs())
	assert.Nil(t, env.registry.Current())
}

type failingTool struct{ *certstore.NativeTool }

func (failingTool) Name() string    { return "broken" }
func (failingTool) Version() string { return "0" }
func (failingTool) Install(context.Context, string) error {
	return errors.New("no CA for you")
}

func TestCreateServer_ToolFailureIsSetupError(t *testing.T) {
	_, err := CreateServer(context.Background(), nil,
		WithSettingsPath(t.TempDir()),
		WithTool(failingTool{}),
		WithTrustStore(truststore.NewProcessTrustStore()),
	)
	require.Error(t, err)

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "ensure certificates", setupErr.Op)
	assert.ErrorIs(t, err, certstore.ErrToolFailed)
}

func TestCreateServer_InvalidExtraHostIsSetupError(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := CreateServer(context.Background(), nil, env.options(WithExtraHosts("bad host"))...)
	require.Error(t, err)

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "resolve certificate hosts", setupErr.Op)
	assert.ErrorIs(t, err, certstore.ErrInvalidHost)
}

func TestCreateServer_InternationalizedExtraHost(t *testing.T) {
	env := newTestEnv(t, "")
	srv, err := CreateServer(context.Background(), nil, env.options(WithExtraHosts("café.test"))...)
	require.NoError(t, err)

	cert, err := parseLeaf(srv.CertPEM())
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "xn--caf-dma.test")
}

type refusingTrustStore struct{}

func (refusingTrustStore) AddTrustedCA(string) error { return errors.New("denied") }

func TestCreateServer_TrustFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, "")
	opts := append(env.options(), WithTrustStore(refusingTrustStore{}))
	srv, err := CreateServer(context.Background(), nil, opts...)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.CertPEM())
}

func TestCreateServer_ExtraHostsInCertificate(t *testing.T) {
	env := newTestEnv(t, "")
	srv, err := CreateServer(context.Background(), nil, env.options(WithExtraHosts("dev.example.test"))...)
	require.NoError(t, err)

	pool := env.trust.RootCAs()
	cert, err := parseLeaf(srv.CertPEM())
	require.NoError(t, err)
	_, err = cert.Verify(verifyOptions("dev.example.test", pool))
	assert.NoError(t, err)
}
