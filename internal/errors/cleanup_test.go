package errors

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestDeferClose_LogsOnlyFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	DeferClose(logger, nil, "nil session")
	assert.Zero(t, buf.Len())

	closed := 0
	DeferClose(logger, closeFunc(func() error { closed++; return nil }), "clean session")
	assert.Equal(t, 1, closed)
	assert.Zero(t, buf.Len())

	DeferClose(logger, closeFunc(func() error { return errors.New("broken pipe") }), "Failed to close session")
	assert.Contains(t, buf.String(), "Failed to close session")
	assert.Contains(t, buf.String(), "broken pipe")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestDeferClose_File(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)

	var buf bytes.Buffer
	DeferClose(zerolog.New(&buf), f, "first")
	assert.Zero(t, buf.Len())

	// os.File reports the second close.
	DeferClose(zerolog.New(&buf), f, "second")
	assert.Contains(t, buf.String(), "second")
}

func TestCloseFD(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// Released descriptors are -1 and skipped.
	CloseFD(logger, -1, "released")
	assert.Zero(t, buf.Len())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1]) // nolint:errcheck

	CloseFD(logger, fds[0], "Failed to close session descriptor")
	assert.Zero(t, buf.Len())

	// Peer sees EOF once the only copy is gone.
	n, err := unix.Read(fds[1], make([]byte, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}
