package redirect

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noFollowClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestServer_ListenServeDestroy(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Addr: "127.0.0.1:0"}, nil, nil)
	assert.Equal(t, StateCreated, s.State())
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Listen(ctx))
	assert.Equal(t, StateListening, s.State())
	addr := s.Addr().String()

	resp, err := noFollowClient().Get("http://" + addr + "/hello?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "https://"+addr+"/hello?x=1", resp.Header.Get("Location"))

	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, StateDestroyed, s.State())
	assert.Nil(t, s.Addr())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// Destroy is idempotent and a destroyed server cannot listen again.
	assert.NoError(t, s.Destroy(ctx))
	assert.Error(t, s.Listen(ctx))
}

func TestServer_PortInUseIsNotFatal(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	s := New(Config{Addr: occupied.Addr().String()}, nil, nil)
	require.NoError(t, s.Listen(context.Background()))
	assert.Equal(t, StateUnavailable, s.State())
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Destroy(context.Background()))
	assert.Equal(t, StateDestroyed, s.State())
}

func TestServer_OtherBindErrorsAreFatal(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:notaport"}, nil, nil)
	err := s.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind redirect server")
	assert.Equal(t, StateCreated, s.State())
}

func TestServer_ListenTwiceFails(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, nil, nil)
	require.NoError(t, s.Listen(context.Background()))
	defer s.Destroy(context.Background())

	assert.Error(t, s.Listen(context.Background()))
}

func TestServer_DestroyDropsOpenConnections(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, nil, nil)
	require.NoError(t, s.Listen(context.Background()))

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Half a request keeps the connection busy.
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Destroy(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bufio.NewReader(conn).ReadByte()
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "state(42)", State(42).String())
}
