package producer

import (
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/memprof/internal/eventloop"
	"github.com/coral-mesh/memprof/internal/wire"
)

// conn is a non-blocking framed stream socket driven by the event loop.
type conn struct {
	fd  int
	dec wire.Decoder
	out []byte
}

func newConn(fd int) *conn {
	return &conn{fd: fd}
}

// fill reads everything currently available into the decoder. eof is true
// when the peer has shut down its side.
func (c *conn) fill() (eof bool, err error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := unix.Read(c.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, err
		case n == 0:
			return true, nil
		}
		c.dec.Feed(buf[:n])
		if n < len(buf) {
			return false, nil
		}
	}
}

// queue appends one message to the output buffer.
func (c *conn) queue(typ string, fields wire.Fields) error {
	msg, err := wire.NewMessage(typ, fields)
	if err != nil {
		return err
	}
	out, err := wire.AppendFrame(c.out, msg)
	if err != nil {
		return err
	}
	c.out = out
	return nil
}

// flush writes as much of the output buffer as the socket accepts. pending
// is true if bytes remain.
func (c *conn) flush() (pending bool, err error) {
	for len(c.out) > 0 {
		n, err := unix.SendmsgN(c.fd, c.out, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return true, nil
		case err != nil:
			return false, err
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return false, nil
}

// close stops watching the socket on loop, if any, and closes it.
func (c *conn) close(loop *eventloop.Loop) {
	if c.fd < 0 {
		return
	}
	if loop != nil {
		loop.RemoveFileDescriptorWatch(c.fd)
	}
	_ = unix.Close(c.fd)
	c.fd = -1
}
