// Package monitor implements the control monitor of the profiled process.
//
// The monitor owns a dedicated OS thread that blocks on the persistent
// control channel waiting for one-byte session requests from the daemon. Each
// byte triggers the session callback. A zero-length read means the daemon is
// gone and ends the monitor for good. Stop wakes the thread through an
// eventfd and joins it.
package monitor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/memprof/internal/retry"
	"github.com/coral-mesh/memprof/internal/safe"
	"github.com/coral-mesh/memprof/internal/sockpair"
)

var (
	// ErrPeerDisconnected means the daemon closed its end of the control channel.
	ErrPeerDisconnected = errors.New("daemon disconnected")

	// ErrStopped means the monitor was stopped with Stop.
	ErrStopped = errors.New("monitor stopped")

	// ErrNonBlocking is returned when the control endpoint is not in blocking mode.
	ErrNonBlocking = errors.New("control endpoint must be blocking")
)

// Config controls the backoff applied after failed receives.
type Config struct {
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

// Monitor waits for session requests on the control channel.
type Monitor struct {
	ep           *sockpair.Endpoint
	onRequest    func()
	onDisconnect func()
	backoff      retry.Config
	logger       zerolog.Logger
	receive      func([]byte) (int, error)

	wakefd    int
	startOnce sync.Once
	done      chan struct{}
	tid       atomic.Int32

	mu       sync.Mutex
	err      error
	signals  uint64
	failures int
}

// New creates a monitor for ep. onRequest runs on the monitor thread for every
// byte received; onDisconnect, if set, runs once when the daemon goes away.
func New(ep *sockpair.Endpoint, cfg Config, logger zerolog.Logger, onRequest func(), onDisconnect func()) (*Monitor, error) {
	if !ep.Valid() {
		return nil, sockpair.ErrClosed
	}
	if !ep.IsBlocking() {
		return nil, ErrNonBlocking
	}
	if onRequest == nil {
		return nil, fmt.Errorf("session request callback is required")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &Monitor{
		ep:           ep,
		onRequest:    onRequest,
		onDisconnect: onDisconnect,
		backoff: retry.Config{
			InitialBackoff: cfg.ErrorBackoff,
			MaxBackoff:     cfg.MaxErrorBackoff,
		},
		logger:  logger.With().Str("component", "control_monitor").Logger(),
		receive: ep.Receive,
		wakefd:  wakefd,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the monitor thread. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.logger.Debug().Int("fd", m.ep.FD()).Msg("Starting control monitor")
		go m.run()
	})
}

// Stop wakes the monitor thread and waits for it to exit. Safe to call more
// than once and after the monitor has ended on its own. Called from a
// callback running on the monitor thread, it returns without waiting and the
// loop ends once the callback returns.
func (m *Monitor) Stop() {
	// A monitor that was never started has nothing to join.
	m.startOnce.Do(func() {
		m.finish(ErrStopped)
	})

	m.mu.Lock()
	if m.err == nil {
		var one = [8]byte{1}
		_, _ = unix.Write(m.wakefd, one[:])
	}
	m.mu.Unlock()

	if m.tid.Load() == int32(unix.Gettid()) {
		return
	}
	<-m.done
}

// Done is closed once the monitor loop has ended.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns why the monitor ended: ErrPeerDisconnected or ErrStopped.
// It is nil while the monitor is running.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Signals returns the number of session requests received so far.
func (m *Monitor) Signals() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals
}

// Failures returns the number of consecutive failed waits or receives. It
// drops back to zero after the next successful receive.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	m.tid.Store(int32(unix.Gettid()))
	defer m.tid.Store(0)

	buf := make([]byte, 1)
	for {
		ready, err := m.wait()
		if err != nil {
			if !m.backOff(err, "Poll failed") {
				return
			}
			continue
		}
		if !ready {
			m.finish(ErrStopped)
			return
		}

		n, err := m.receive(buf)
		switch {
		case err != nil:
			if !m.backOff(err, "Receive failed") {
				return
			}
		case n == 0:
			m.logger.Error().Msg("Daemon disconnected")
			if m.onDisconnect != nil {
				m.onDisconnect()
			}
			m.finish(ErrPeerDisconnected)
			return
		default:
			m.mu.Lock()
			m.failures = 0
			m.signals++
			m.mu.Unlock()
			m.onRequest()
		}
	}
}

// wait blocks until the control endpoint is readable (true) or the monitor is
// woken for shutdown (false). Hangup and error conditions count as readable:
// the following receive reports them.
func (m *Monitor) wait() (bool, error) {
	fds := []unix.PollFd{
		{Fd: safe.FD(m.ep.FD()), Events: unix.POLLIN},
		{Fd: safe.FD(m.wakefd), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return fds[1].Revents == 0, nil
	}
}

// backOff logs err and sleeps for the next backoff delay. It returns false,
// after finishing the monitor, when Stop interrupted the sleep.
func (m *Monitor) backOff(err error, msg string) bool {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	delay := retry.Backoff(m.backoff, failures)
	m.logger.Error().Err(err).Int("failures", failures).Dur("backoff", delay).Msg(msg)
	if !m.sleep(delay) {
		m.finish(ErrStopped)
		return false
	}
	return true
}

// sleep waits for delay unless the monitor is stopped first.
func (m *Monitor) sleep(delay time.Duration) bool {
	fds := []unix.PollFd{{Fd: safe.FD(m.wakefd), Events: unix.POLLIN}}
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		n, err := unix.Poll(fds, int((remaining+time.Millisecond-1)/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil || n > 0 {
			return false
		}
	}
}

func (m *Monitor) finish(reason error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.err = reason
	_ = unix.Close(m.wakefd)
	m.mu.Unlock()

	m.logger.Debug().Err(reason).Msg("Control monitor exited")
	close(m.done)
}
