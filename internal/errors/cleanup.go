// Package errors provides cleanup helpers that log instead of dropping errors.
package errors

import (
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// CloseFD closes a raw descriptor with logging. Negative descriptors are ignored.
func CloseFD(logger zerolog.Logger, fd int, msg string) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		logger.Warn().Err(err).Int("fd", fd).Msg(msg)
	}
}
