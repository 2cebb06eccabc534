package client

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/wire"
)

// fakeProducer answers the handshake on the daemon side of a session pair.
func fakeProducer(t *testing.T, ep *sockpair.Endpoint, reply wire.Fields, replyType string) <-chan []string {
	t.Helper()
	seen := make(chan []string, 1)
	go func() {
		defer ep.Close() // nolint:errcheck
		r := bufio.NewReader(ep)

		hello, err := wire.ReadFrame(r)
		if err != nil {
			seen <- nil
			return
		}
		types := []string{wire.Type(hello)}
		if wire.Int(hello, "pid") != int64(os.Getpid()) || wire.String(hello, "session_id") == "" {
			types = append(types, "bad-hello")
		}

		msg, err := wire.NewMessage(replyType, reply)
		if err == nil {
			_ = wire.WriteFrame(ep, msg)
		}

		for {
			frame, err := wire.ReadFrame(r)
			if err != nil {
				break
			}
			types = append(types, wire.Type(frame)+":"+wire.String(frame, "kind"))
		}
		seen <- types
	}()
	return seen
}

func newSessionPair(t *testing.T) (*sockpair.Endpoint, *sockpair.Endpoint) {
	t.Helper()
	daemonSide, clientSide, err := sockpair.CreatePair(sockpair.FamilyUnix, sockpair.TypeStream)
	require.NoError(t, err)
	return daemonSide, clientSide
}

func TestCreateAndHandshake_Ack(t *testing.T) {
	daemonSide, clientSide := newSessionPair(t)
	seen := fakeProducer(t, daemonSide, wire.Fields{"sampling_interval": 8192}, wire.TypeAck)

	var allocated, freed int
	alloc := Allocator{
		Alloc: func(size int) []byte {
			allocated++
			return make([]byte, size)
		},
		Free: func([]byte) { freed++ },
	}

	c, err := CreateAndHandshake(clientSide, alloc)
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, int64(8192), c.SamplingInterval())
	assert.True(t, c.Connected())

	require.NoError(t, c.RecordAllocation(0x1000, 64))
	require.NoError(t, c.RecordFree(0x1000))
	assert.Equal(t, uint64(2), c.Records())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, allocated)
	assert.Equal(t, 1, freed)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.RecordFree(0x1000), ErrSessionClosed)

	select {
	case types := <-seen:
		assert.Equal(t, []string{wire.TypeHello, "record:alloc", "record:free"}, types)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not finish")
	}
}

func TestCreateAndHandshake_Reject(t *testing.T) {
	daemonSide, clientSide := newSessionPair(t)
	fakeProducer(t, daemonSide, wire.Fields{"reason": "pid mismatch"}, wire.TypeReject)

	c, err := CreateAndHandshake(clientSide, DefaultAllocator())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "pid mismatch")
	assert.False(t, clientSide.Valid(), "endpoint is closed on failure")
}

func TestCreateAndHandshake_ProducerGone(t *testing.T) {
	daemonSide, clientSide := newSessionPair(t)
	require.NoError(t, daemonSide.Close())

	_, err := CreateAndHandshake(clientSide, Allocator{})
	require.Error(t, err)
}

func TestCreateAndHandshake_InvalidEndpoint(t *testing.T) {
	_, err := CreateAndHandshake(sockpair.NewEndpoint(-1), DefaultAllocator())
	assert.ErrorIs(t, err, sockpair.ErrClosed)
}

func TestClient_ConnectedTracksPeer(t *testing.T) {
	daemonSide, clientSide := newSessionPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(daemonSide)
		if _, err := wire.ReadFrame(r); err != nil {
			return
		}
		msg, _ := wire.NewMessage(wire.TypeAck, nil)
		_ = wire.WriteFrame(daemonSide, msg)
	}()

	c, err := CreateAndHandshake(clientSide, DefaultAllocator())
	require.NoError(t, err)
	defer c.Close() // nolint:errcheck
	<-done

	assert.True(t, c.Connected())
	require.NoError(t, daemonSide.Close())
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)
}
