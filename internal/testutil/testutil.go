// Package testutil provides testing utilities for memprof packages.
package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// NewTestContext creates a test context with a 30-second timeout.
func NewTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// NewTestLogger returns a logger that discards output, or one that writes
// through t.Log when the test runs with -v.
func NewTestLogger(t *testing.T) zerolog.Logger {
	if !testing.Verbose() {
		return zerolog.New(io.Discard)
	}
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// SocketPath returns a unix socket path in a fresh short-named directory that
// is removed when the test completes. t.TempDir paths can exceed the 108
// byte sun_path limit for long test names.
func SocketPath(t *testing.T, name string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "memprof")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return filepath.Join(dir, name)
}
