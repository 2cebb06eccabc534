// Package demo provides a command that runs an allocating workload under memprof.
package demo

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/internal/cli"
	"github.com/coral-mesh/memprof/internal/client"
	"github.com/coral-mesh/memprof/pkg/memprof"
)

// Workload allocates fixed-size buffers, keeps a bounded window of them and
// reports a sampled subset to the active session.
type Workload struct {
	Size   int
	Window int
	logger zerolog.Logger

	mu       sync.Mutex
	session  *client.Client
	live     [][]byte
	sampled  map[uint64]bool
	budget   int64
	reported uint64
}

// NewWorkload creates a workload.
func NewWorkload(size, window int, logger zerolog.Logger) *Workload {
	if window <= 0 {
		window = 64
	}
	return &Workload{
		Size:    size,
		Window:  window,
		logger:  logger,
		sampled: make(map[uint64]bool),
	}
}

// Attach makes s the session that receives records.
func (w *Workload) Attach(s *client.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = s
	w.budget = s.SamplingInterval()
	w.logger.Info().Str("session_id", s.ID()).Msg("Session attached")
}

// Reported returns the number of records sent.
func (w *Workload) Reported() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reported
}

// Step allocates one buffer and frees the oldest once the window is full.
func (w *Workload) Step() {
	buf := make([]byte, w.Size)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.live = append(w.live, buf)
	w.sample(buf)

	if len(w.live) > w.Window {
		old := w.live[0]
		w.live = w.live[1:]
		w.release(old)
	}
}

// sample reports buf once every sampling interval worth of bytes.
func (w *Workload) sample(buf []byte) {
	if w.session == nil || len(buf) == 0 {
		return
	}
	w.budget -= int64(len(buf))
	if w.budget > 0 {
		return
	}
	w.budget += w.session.SamplingInterval()

	addr := address(buf)
	if err := w.session.RecordAllocation(addr, uint64(len(buf))); err != nil {
		w.detach(err)
		return
	}
	w.sampled[addr] = true
	w.reported++
}

func (w *Workload) release(buf []byte) {
	addr := address(buf)
	if !w.sampled[addr] {
		return
	}
	delete(w.sampled, addr)
	if w.session == nil {
		return
	}
	if err := w.session.RecordFree(addr); err != nil {
		w.detach(err)
		return
	}
	w.reported++
}

func (w *Workload) detach(err error) {
	if !errors.Is(err, client.ErrSessionClosed) {
		w.logger.Warn().Err(err).Msg("Session lost")
	}
	w.session = nil
	w.sampled = make(map[uint64]bool)
}

func address(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var (
		interval time.Duration
		size     int
		window   int
		duration time.Duration
		logFlags cli.LoggingFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate memory in a loop with heap profiling enabled",
		Long: `Run an allocating workload with memprof bootstrapped.

The command spawns the profiling daemon, which registers with the backend on
the producer socket. Start the data source for this process from the backend
(memprof-backend serve --target-pid <pid>) to open a session; sampled
allocations are then reported to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logFlags.Logger("memprof-demo")
			w := NewWorkload(size, window, logger)

			err := memprof.Bootstrap(memprof.Options{
				Logger:    &logger,
				OnSession: w.Attach,
			})
			switch {
			case memprof.IsDisabled(err):
				logger.Info().Msg("Profiling disabled, running without it")
			case err != nil:
				return fmt.Errorf("failed to bootstrap profiling: %w", err)
			}
			if svc := memprof.Default(); svc != nil {
				defer func() { _ = svc.Close() }()
			}

			logger.Info().Int("pid", os.Getpid()).Msg("Workload running")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			var deadline <-chan time.Time
			if duration > 0 {
				deadline = time.After(duration)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					w.Step()
				case sig := <-sigChan:
					logger.Info().Str("signal", sig.String()).Uint64("records", w.Reported()).Msg("Stopping workload")
					return nil
				case <-deadline:
					logger.Info().Uint64("records", w.Reported()).Msg("Workload finished")
					return nil
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "Delay between allocations")
	cmd.Flags().IntVar(&size, "size", 1024, "Allocation size in bytes")
	cmd.Flags().IntVar(&window, "window", 64, "Number of allocations kept alive")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	cli.AddLoggingFlags(cmd.Flags(), &logFlags)

	return cmd
}
