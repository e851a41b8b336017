package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localhttps/internal/redirect"
)

type fakeServer struct {
	id        int
	listenErr error
	delay     time.Duration
	state     atomic.Int32
	destroyed atomic.Int32
}

func (f *fakeServer) Listen(context.Context) error {
	time.Sleep(f.delay)
	if f.listenErr != nil {
		return f.listenErr
	}
	f.state.Store(int32(redirect.StateListening))
	return nil
}

func (f *fakeServer) Destroy(context.Context) error {
	f.destroyed.Add(1)
	f.state.Store(int32(redirect.StateDestroyed))
	return nil
}

func (f *fakeServer) State() redirect.State { return redirect.State(f.state.Load()) }

type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeServer
	listenErr error
	delay     time.Duration
}

func (f *fakeFactory) build(string) RedirectServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeServer{id: len(f.created) + 1, listenErr: f.listenErr, delay: f.delay}
	f.created = append(f.created, s)
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestRegistry(f *fakeFactory) *Registry {
	return New(Config{}, nil, nil, WithFactory(f.build))
}

func TestRegistry_RefCounting(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	reg := newTestRegistry(factory)

	first, err := reg.Acquire(ctx, "/ca.pem")
	require.NoError(t, err)
	second, err := reg.Acquire(ctx, "/ca.pem")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 2, reg.Refs())

	require.NoError(t, reg.Release(ctx))
	assert.Equal(t, 1, reg.Refs())
	assert.Equal(t, redirect.StateListening, first.State())
	assert.Same(t, first, reg.Current())

	require.NoError(t, reg.Release(ctx))
	assert.Equal(t, 0, reg.Refs())
	assert.Nil(t, reg.Current())
	assert.Equal(t, redirect.StateDestroyed, first.State())
	assert.Equal(t, int32(1), factory.created[0].destroyed.Load())
}

func TestRegistry_FreshInstanceAfterTeardown(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	reg := newTestRegistry(factory)

	first, err := reg.Acquire(ctx, "/ca.pem")
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx))

	second, err := reg.Acquire(ctx, "/ca.pem")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, redirect.StateListening, second.State())
}

func TestRegistry_ConcurrentAcquireBindsOnce(t *testing.T) {
	factory := &fakeFactory{delay: 50 * time.Millisecond}
	reg := newTestRegistry(factory)

	const callers = 16
	var wg sync.WaitGroup
	servers := make([]RedirectServer, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			servers[i], errs[i] = reg.Acquire(context.Background(), "/ca.pem")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, callers, reg.Refs())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, servers[0], servers[i])
	}
}

func TestRegistry_ConcurrentAcquireSharesFailure(t *testing.T) {
	bindErr := errors.New("permission denied")
	factory := &fakeFactory{delay: 50 * time.Millisecond, listenErr: bindErr}
	reg := newTestRegistry(factory)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Acquire(context.Background(), "/ca.pem")
		}(i)
	}
	wg.Wait()

	// Callers arriving while the first attempt is in flight observe its error.
	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, bindErr)
			failures++
		}
	}
	assert.Equal(t, callers, failures)
	assert.Equal(t, 0, reg.Refs())
	assert.Nil(t, reg.Current())
}

func TestRegistry_AcquireHonoursContextWhileWaiting(t *testing.T) {
	factory := &fakeFactory{delay: 200 * time.Millisecond}
	reg := newTestRegistry(factory)

	go func() { _, _ = reg.Acquire(context.Background(), "/ca.pem") }()
	require.Eventually(t, func() bool { return factory.count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Acquire(ctx, "/ca.pem")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	reg := newTestRegistry(&fakeFactory{})
	assert.NoError(t, reg.Release(context.Background()))
	assert.Equal(t, 0, reg.Refs())
}

func TestRegistry_RealRedirectServerPortInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	reg := New(Config{Redirect: redirect.Config{Addr: occupied.Addr().String()}}, nil, nil)
	srv, err := reg.Acquire(context.Background(), "/ca.pem")
	require.NoError(t, err)
	assert.Equal(t, redirect.StateUnavailable, srv.State())

	require.NoError(t, reg.Release(context.Background()))
	assert.Equal(t, redirect.StateDestroyed, srv.State())
}
