package memprof

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/memprof/internal/backend"
	"github.com/coral-mesh/memprof/internal/client"
	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/daemon"
	"github.com/coral-mesh/memprof/internal/eventloop"
	"github.com/coral-mesh/memprof/internal/monitor"
	"github.com/coral-mesh/memprof/internal/producer"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/sys/proc"
	"github.com/coral-mesh/memprof/internal/testutil"
)

var testMonitorConfig = monitor.Config{
	ErrorBackoff:    time.Millisecond,
	MaxErrorBackoff: 10 * time.Millisecond,
}

// inProcessDaemon runs the daemon side of a control channel on an event
// loop inside the test process.
type inProcessDaemon struct {
	control *sockpair.Endpoint
	daemon  *daemon.Daemon
	exits   chan int
	done    chan struct{}
}

func startDaemon(t *testing.T, control *sockpair.Endpoint, producerSocket string) *inProcessDaemon {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	loop, err := eventloop.New(logger)
	require.NoError(t, err)

	p := producer.New(producer.ModeChild, loop, producer.Config{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, logger)

	d := &inProcessDaemon{
		control: control,
		exits:   make(chan int, 1),
		done:    make(chan struct{}),
	}
	d.daemon, err = daemon.New(daemon.Options{
		Control:        control,
		Target:         proc.Identity{PID: os.Getpid(), Cmdline: "memprof-test"},
		ProducerSocket: producerSocket,
		Producer:       p,
		Loop:           loop,
		Exit: func(code int) {
			d.exits <- code
			loop.Quit()
		},
		Logger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, d.daemon.Start())

	go func() {
		loop.Run()
		close(d.done)
	}()

	t.Cleanup(func() {
		select {
		case <-d.done:
		default:
			loop.PostTask(func() {
				p.Stop()
				loop.Quit()
			})
			<-d.done
		}
		_ = control.Close()
		_ = loop.Close()
	})
	return d
}

func newService(t *testing.T, opts ServiceOptions) (*Service, *sockpair.Endpoint) {
	t.Helper()

	process, daemonSide, err := sockpair.CreatePair(sockpair.FamilyUnix, sockpair.TypeStream)
	require.NoError(t, err)

	if opts.Monitor == (monitor.Config{}) {
		opts.Monitor = testMonitorConfig
	}
	opts.Logger = testutil.NewTestLogger(t)

	s, err := NewService(process, proc.Identity{PID: os.Getpid(), Cmdline: "memprof-test"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, daemonSide
}

func TestService_CreateSession(t *testing.T) {
	s, daemonSide := newService(t, ServiceOptions{})
	d := startDaemon(t, daemonSide, testutil.SocketPath(t, "unused.sock"))

	c, err := s.CreateSession(client.DefaultAllocator())
	require.NoError(t, err)
	defer c.Close() // nolint:errcheck

	assert.NotEmpty(t, c.ID())
	assert.True(t, c.Connected())
	assert.Equal(t, int64(constants.DefaultSamplingInterval), c.SamplingInterval())
	assert.Equal(t, uint64(1), s.SessionsCreated())
	assert.Eventually(t, func() bool { return d.daemon.Received() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestService_PairCreationFailureSendsNothing(t *testing.T) {
	s, daemonSide := newService(t, ServiceOptions{
		PairFunc: func(sockpair.Family, sockpair.Type) (*sockpair.Endpoint, *sockpair.Endpoint, error) {
			return nil, nil, unix.EMFILE
		},
	})
	defer daemonSide.Close() // nolint:errcheck

	_, err := s.CreateSession(client.DefaultAllocator())
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EMFILE)

	require.NoError(t, daemonSide.SetBlocking(false))
	buf := make([]byte, 8)
	_, err = daemonSide.Receive(buf)
	assert.True(t, sockpair.IsAgain(err), "no bytes may reach the daemon, got %v", err)
	assert.Zero(t, s.SessionsCreated())
}

func TestService_ConcurrentHandshakes(t *testing.T) {
	s, daemonSide := newService(t, ServiceOptions{})
	d := startDaemon(t, daemonSide, testutil.SocketPath(t, "unused.sock"))

	const sessions = 16
	var wg sync.WaitGroup
	ids := make(chan string, sessions)
	errs := make(chan error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.CreateSession(client.DefaultAllocator())
			if err != nil {
				errs <- err
				return
			}
			ids <- c.ID()
			_ = c.Close()
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Errorf("handshake failed: %v", err)
	}
	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, sessions)
	assert.Eventually(t, func() bool { return d.daemon.Received() == sessions }, 5*time.Second, 5*time.Millisecond)
}

func TestService_DaemonExitFailsFast(t *testing.T) {
	s, daemonSide := newService(t, ServiceOptions{})

	require.NoError(t, daemonSide.Close())

	select {
	case <-s.Monitor().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not exit after daemon disconnect")
	}
	assert.ErrorIs(t, s.Monitor().Err(), monitor.ErrPeerDisconnected)
	assert.False(t, s.Connected())

	start := time.Now()
	_, err := s.CreateSession(client.DefaultAllocator())
	assert.ErrorIs(t, err, ErrDaemonDisconnected)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, s.InitSession(nil, nil), ErrDaemonDisconnected)
}

func TestService_SendFailureMarksDisconnected(t *testing.T) {
	s, daemonSide := newService(t, ServiceOptions{})
	// Stop the monitor first so only the send path can notice the hangup.
	s.Stop()
	require.NoError(t, daemonSide.Close())

	_, err := s.CreateSession(client.DefaultAllocator())
	assert.ErrorIs(t, err, ErrDaemonDisconnected)
	assert.False(t, s.Connected())
}

func TestService_SessionRequestInitializesOnce(t *testing.T) {
	var hooked atomic.Int32
	var allocs atomic.Int32
	s, daemonSide := newService(t, ServiceOptions{
		Allocator: client.Allocator{
			Alloc: func(size int) []byte {
				allocs.Add(1)
				return make([]byte, size)
			},
			Free: func([]byte) {},
		},
		OnSession: func(*client.Client) { hooked.Add(1) },
	})
	d := startDaemon(t, daemonSide, testutil.SocketPath(t, "unused.sock"))

	_, err := d.control.Send([]byte{constants.SessionRequestMarker})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.ActiveSession() != nil }, 5*time.Second, 5*time.Millisecond)

	// A second request while the session is alive reuses it.
	_, err = d.control.Send([]byte{constants.SessionRequestMarker})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.Monitor().Signals() == 2 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), s.SessionsCreated())
	assert.Equal(t, int32(1), hooked.Load())
	assert.Equal(t, int32(1), allocs.Load(), "session buffers come from the configured allocator")
}

func TestService_SessionHookMayClose(t *testing.T) {
	var svc atomic.Pointer[Service]
	closed := make(chan error, 1)
	s, daemonSide := newService(t, ServiceOptions{
		OnSession: func(*client.Client) { closed <- svc.Load().Close() },
	})
	svc.Store(s)
	d := startDaemon(t, daemonSide, testutil.SocketPath(t, "unused.sock"))

	_, err := d.control.Send([]byte{constants.SessionRequestMarker})
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close from the session hook did not return")
	}

	select {
	case <-s.Monitor().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not exit after the hook returned")
	}
	assert.ErrorIs(t, s.Monitor().Err(), monitor.ErrStopped)
	assert.Nil(t, s.ActiveSession())

	// Closing the control channel ends the daemon.
	select {
	case code := <-d.exits:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestService_BackendDrivenSession(t *testing.T) {
	path := testutil.SocketPath(t, "producer.sock")
	srv, err := backend.NewServer(path, testutil.NewTestLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	s, daemonSide := newService(t, ServiceOptions{})
	startDaemon(t, daemonSide, path)

	reqCtx, reqCancel := testutil.NewTestContext()
	defer reqCancel()
	require.NoError(t, srv.RequestDataSource(reqCtx, os.Getpid(), 512))

	ev := waitEvent(t, srv, backend.EventSessionStarted)
	assert.Eventually(t, func() bool { return s.ActiveSession() != nil }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, s.ActiveSession().ID(), ev.SessionID)
	assert.Equal(t, int64(512), s.ActiveSession().SamplingInterval())
}

func TestInitSession_NotBootstrapped(t *testing.T) {
	resetBootstrap()
	assert.Nil(t, Default())
	assert.ErrorIs(t, InitSession(nil, nil), ErrNotBootstrapped)
}

func waitEvent(t *testing.T, s *backend.Server, typ backend.EventType) backend.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
