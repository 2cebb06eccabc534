// Package sockpair implements connected local socket endpoints that can carry
// at most one open file descriptor alongside each data message.
//
// Every send is a single sendmsg(2) call guarded by a per-endpoint mutex, so a
// data byte and the descriptor it accompanies always arrive together, even
// when several goroutines share the endpoint.
package sockpair

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Family selects the socket address family.
type Family int

const (
	// FamilyUnix is a local (AF_UNIX) socket.
	FamilyUnix Family = iota
)

// Type selects the socket type.
type Type int

const (
	// TypeStream is SOCK_STREAM.
	TypeStream Type = iota
	// TypeDatagram is SOCK_DGRAM.
	TypeDatagram
	// TypeSeqPacket is SOCK_SEQPACKET.
	TypeSeqPacket
)

// ErrClosed is returned by operations on an endpoint that no longer owns a descriptor.
var ErrClosed = errors.New("endpoint closed")

// PairFunc creates a connected pair of endpoints.
type PairFunc func(Family, Type) (*Endpoint, *Endpoint, error)

// CreatePair returns two connected endpoints. Both are blocking and close-on-exec.
func CreatePair(family Family, typ Type) (*Endpoint, *Endpoint, error) {
	domain, err := family.domain()
	if err != nil {
		return nil, nil, err
	}
	sotype, err := typ.sotype()
	if err != nil {
		return nil, nil, err
	}

	fds, err := unix.Socketpair(domain, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	return NewEndpoint(fds[0]), NewEndpoint(fds[1]), nil
}

func (f Family) domain() (int, error) {
	switch f {
	case FamilyUnix:
		return unix.AF_UNIX, nil
	default:
		return 0, fmt.Errorf("unsupported socket family %d", f)
	}
}

func (t Type) sotype() (int, error) {
	switch t {
	case TypeStream:
		return unix.SOCK_STREAM, nil
	case TypeDatagram:
		return unix.SOCK_DGRAM, nil
	case TypeSeqPacket:
		return unix.SOCK_SEQPACKET, nil
	default:
		return 0, fmt.Errorf("unsupported socket type %d", t)
	}
}

// Endpoint owns one socket descriptor.
type Endpoint struct {
	// sendMu serializes sends so that each message is written as one unit.
	sendMu sync.Mutex
	// mu guards fd against concurrent release or close.
	mu sync.RWMutex
	fd int
}

// NewEndpoint takes ownership of fd.
func NewEndpoint(fd int) *Endpoint {
	return &Endpoint{fd: fd}
}

// FromFile takes ownership of the descriptor behind f. f must not be used afterwards.
func FromFile(f *os.File) (*Endpoint, error) {
	// Dup so the os.File finalizer cannot close our descriptor.
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return NewEndpoint(fd), nil
}

// FD returns the owned descriptor, or -1 once released or closed.
func (e *Endpoint) FD() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fd
}

// Valid reports whether the endpoint still owns a descriptor.
func (e *Endpoint) Valid() bool {
	return e != nil && e.FD() >= 0
}

// SetBlocking toggles blocking mode.
func (e *Endpoint) SetBlocking(blocking bool) error {
	fd := e.FD()
	if fd < 0 {
		return ErrClosed
	}
	return unix.SetNonblock(fd, !blocking)
}

// IsBlocking reports whether the descriptor is in blocking mode.
func (e *Endpoint) IsBlocking() bool {
	fd := e.FD()
	if fd < 0 {
		return false
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	return flags&unix.O_NONBLOCK == 0
}

// Send writes buf without an accompanying descriptor.
func (e *Endpoint) Send(buf []byte) (int, error) {
	return e.SendWithFD(buf, -1)
}

// SendWithFD writes buf together with fd in a single message. A negative fd
// sends data only. The caller keeps ownership of fd: the kernel duplicates it
// into the message, so the sender closes its copy once the call returns.
func (e *Endpoint) SendWithFD(buf []byte, fd int) (int, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	sock := e.FD()
	if sock < 0 {
		return 0, ErrClosed
	}

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	for {
		n, err := unix.SendmsgN(sock, buf, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		return n, nil
	}
}

// Receive reads into buf. A return of (0, nil) means the peer disconnected.
func (e *Endpoint) Receive(buf []byte) (int, error) {
	n, fd, err := e.ReceiveWithFD(buf)
	if fd >= 0 {
		// Nobody asked for a descriptor; do not leak it.
		_ = unix.Close(fd)
	}
	return n, err
}

// ReceiveWithFD reads into buf and returns at most one accompanying
// descriptor (-1 if none). Extra descriptors in the same message are closed.
// The returned descriptor is close-on-exec and owned by the caller.
func (e *Endpoint) ReceiveWithFD(buf []byte) (int, int, error) {
	sock := e.FD()
	if sock < 0 {
		return 0, -1, ErrClosed
	}

	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, -1, err
		}
		fd, perr := parseRights(oob[:oobn])
		if perr != nil {
			return n, -1, perr
		}
		return n, fd, nil
	}
}

// parseRights extracts the first descriptor from control messages and closes the rest.
func parseRights(oob []byte) (int, error) {
	if len(oob) == 0 {
		return -1, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parse socket control message: %w", err)
	}

	fd := -1
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, received := range fds {
			if fd < 0 {
				fd = received
				continue
			}
			_ = unix.Close(received)
		}
	}
	return fd, nil
}

// ReleaseFD detaches the descriptor without closing it. Ownership moves to the caller.
func (e *Endpoint) ReleaseFD() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd := e.fd
	e.fd = -1
	return fd
}

// Close closes the descriptor. Closing a released endpoint is a no-op.
func (e *Endpoint) Close() error {
	fd := e.ReleaseFD()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// Read implements io.Reader on a blocking endpoint.
func (e *Endpoint) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := e.Receive(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer on a blocking endpoint.
func (e *Endpoint) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := e.Send(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// IsAgain reports whether err means a non-blocking operation would block.
func IsAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsDisconnect reports whether err means the peer has gone away.
func IsDisconnect(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, ErrClosed)
}
