package backend

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/testutil"
	"github.com/coral-mesh/memprof/internal/wire"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	s, err := NewServer(testutil.SocketPath(t, "producer.sock"), testutil.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func waitEvent(t *testing.T, s *Server, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
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

type fakeProducer struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialProducer(t *testing.T, s *Server, pid int) *fakeProducer {
	t.Helper()

	conn, err := net.Dial("unix", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &fakeProducer{conn: conn, r: bufio.NewReader(conn)}
	p.send(t, wire.TypeRegister, wire.Fields{
		"pid":         pid,
		"cmdline":     "/usr/bin/app",
		"mode":        "child",
		"version":     "dev",
		"data_source": "memprof.heap",
	})
	return p
}

func (p *fakeProducer) send(t *testing.T, typ string, fields wire.Fields) {
	t.Helper()
	msg, err := wire.NewMessage(typ, fields)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(p.conn, msg))
}

func TestServer_RegisterAndRequestDataSource(t *testing.T) {
	s := startServer(t)
	p := dialProducer(t, s, 4242)

	ev := waitEvent(t, s, EventRegistered)
	assert.Equal(t, 4242, ev.PID)

	producers := s.Producers()
	require.Len(t, producers, 1)
	assert.Equal(t, "/usr/bin/app", producers[0].Cmdline)
	assert.Equal(t, "child", producers[0].Mode)
	assert.Equal(t, "memprof.heap", producers[0].DataSource)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	require.NoError(t, s.RequestDataSource(ctx, 4242, 1024))

	msg, err := wire.ReadFrame(p.r)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeStartDataSource, wire.Type(msg))
	assert.Equal(t, int64(4242), wire.Int(msg, "target_pid"))
	assert.Equal(t, int64(1024), wire.Int(msg, "sampling_interval"))

	require.NoError(t, s.StopDataSource(4242))
	msg, err = wire.ReadFrame(p.r)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeStopDataSource, wire.Type(msg))
}

func TestServer_SessionEvents(t *testing.T) {
	s := startServer(t)
	p := dialProducer(t, s, 7)
	waitEvent(t, s, EventRegistered)

	p.send(t, wire.TypeSessionStarted, wire.Fields{"session_id": "abc", "pid": 7})
	ev := waitEvent(t, s, EventSessionStarted)
	assert.Equal(t, "abc", ev.SessionID)
	assert.Equal(t, 1, s.Producers()[0].Sessions)

	p.send(t, wire.TypeSessionEnded, wire.Fields{"session_id": "abc", "pid": 7, "records": 12})
	ev = waitEvent(t, s, EventSessionEnded)
	assert.Equal(t, "abc", ev.SessionID)
	assert.Equal(t, int64(12), ev.Records)
	assert.Equal(t, 0, s.Producers()[0].Sessions)
}

func TestServer_ProducerDisconnect(t *testing.T) {
	s := startServer(t)
	p := dialProducer(t, s, 99)
	waitEvent(t, s, EventRegistered)

	require.NoError(t, p.conn.Close())
	ev := waitEvent(t, s, EventDisconnected)
	assert.Equal(t, 99, ev.PID)
	assert.Empty(t, s.Producers())
	assert.ErrorIs(t, s.StopDataSource(99), ErrUnknownProducer)
}

func TestServer_RequestDataSourceWaitsForRegistration(t *testing.T) {
	s := startServer(t)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.RequestDataSource(ctx, 55, 0) }()

	time.Sleep(50 * time.Millisecond)
	p := dialProducer(t, s, 55)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("request did not complete")
	}

	msg, err := wire.ReadFrame(p.r)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeStartDataSource, wire.Type(msg))
}

func TestServer_RequestDataSourceUnknownProducer(t *testing.T) {
	s := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.RequestDataSource(ctx, 12345, 0)
	require.Error(t, err)
}

func TestServer_RejectsUnregisteredTraffic(t *testing.T) {
	s := startServer(t)

	conn, err := net.Dial("unix", s.Addr())
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	msg, err := wire.NewMessage(wire.TypeSessionStarted, wire.Fields{"session_id": "x"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, msg))

	// The server hangs up on a producer that skips registration.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = wire.ReadFrame(bufio.NewReader(conn))
	assert.Error(t, err)
	assert.Empty(t, s.Producers())
}
