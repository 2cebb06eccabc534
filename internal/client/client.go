// Package client implements the profiled-process side of a profiling session.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/coral-mesh/memprof/internal/safe"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/wire"
	"github.com/coral-mesh/memprof/pkg/version"
)

// scratchSize is the size of the frame buffer obtained from the allocator.
const scratchSize = 256

var (
	// ErrHandshakeRejected is returned when the producer refuses the session.
	ErrHandshakeRejected = errors.New("session rejected by producer")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// AllocFunc allocates size bytes.
type AllocFunc func(size int) []byte

// FreeFunc releases memory obtained from the matching AllocFunc.
type FreeFunc func(buf []byte)

// Allocator is the allocation scope of a session. The client takes its
// buffers from it so that the profiler never measures its own bookkeeping
// through the intercepted allocator.
type Allocator struct {
	Alloc AllocFunc
	Free  FreeFunc
}

// DefaultAllocator allocates from the Go heap.
func DefaultAllocator() Allocator {
	return Allocator{
		Alloc: func(size int) []byte { return make([]byte, size) },
		Free:  func([]byte) {},
	}
}

// Client is one live profiling session.
type Client struct {
	ep    *sockpair.Endpoint
	alloc Allocator

	id               string
	samplingInterval int64

	mu      sync.Mutex
	scratch []byte
	records uint64
	closed  bool
}

// CreateAndHandshake takes ownership of ep, announces the session to the
// producer and waits for its acknowledgement. On failure ep is closed.
func CreateAndHandshake(ep *sockpair.Endpoint, alloc Allocator) (*Client, error) {
	if !ep.Valid() {
		return nil, sockpair.ErrClosed
	}
	if alloc.Alloc == nil || alloc.Free == nil {
		alloc = DefaultAllocator()
	}

	c := &Client{
		ep:      ep,
		alloc:   alloc,
		id:      uuid.NewString(),
		scratch: alloc.Alloc(scratchSize),
	}

	if err := c.handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.ep.SetBlocking(true); err != nil {
		return fmt.Errorf("set session socket blocking: %w", err)
	}

	hello, err := wire.NewMessage(wire.TypeHello, wire.Fields{
		"pid":        os.Getpid(),
		"session_id": c.id,
		"version":    version.Version,
	})
	if err != nil {
		return err
	}
	if err := c.send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	reply, err := wire.ReadFrame(bufio.NewReader(c.ep))
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	switch wire.Type(reply) {
	case wire.TypeAck:
		c.samplingInterval = wire.Int(reply, "sampling_interval")
		return nil
	case wire.TypeReject:
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, wire.String(reply, "reason"))
	default:
		return fmt.Errorf("unexpected handshake reply %q", wire.Type(reply))
	}
}

// ID returns the session id.
func (c *Client) ID() string {
	return c.id
}

// SamplingInterval returns the sampling interval in bytes announced by the producer.
func (c *Client) SamplingInterval() int64 {
	return c.samplingInterval
}

// Records returns the number of records sent.
func (c *Client) Records() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records
}

// RecordAllocation reports a sampled allocation.
func (c *Client) RecordAllocation(address, size uint64) error {
	return c.record(wire.KindAlloc, address, size)
}

// RecordFree reports the release of a sampled allocation.
func (c *Client) RecordFree(address uint64) error {
	return c.record(wire.KindFree, address, 0)
}

func (c *Client) record(kind string, address, size uint64) error {
	msg, err := wire.NewMessage(wire.TypeRecord, wire.Fields{
		"kind":    kind,
		"address": wire.FormatUint(address),
		"size":    wire.FormatUint(size),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if err := c.sendLocked(msg); err != nil {
		return err
	}
	c.records++
	return nil
}

// Connected reports whether the producer still holds its end of the session.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	fds := []unix.PollFd{{Fd: safe.FD(c.ep.FD()), Events: unix.POLLRDHUP}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false
	}
	return fds[0].Revents&(unix.POLLHUP|unix.POLLRDHUP|unix.POLLERR|unix.POLLNVAL) == 0
}

// Close ends the session and returns the scratch buffer to the allocator.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.alloc.Free(c.scratch)
	c.scratch = nil
	return c.ep.Close()
}

func (c *Client) send(msg *structpb.Struct) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(msg)
}

// sendLocked frames msg into the allocator-provided scratch buffer and writes it.
func (c *Client) sendLocked(msg *structpb.Struct) error {
	frame, err := wire.AppendFrame(c.scratch[:0], msg)
	if err != nil {
		return err
	}
	_, err = c.ep.Write(frame)
	return err
}
