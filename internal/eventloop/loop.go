// Package eventloop implements a single-threaded cooperative task runner.
//
// All callbacks (descriptor watches, immediate and delayed tasks) run on the
// goroutine that called Run, one at a time. Handlers must not block. PostTask,
// PostDelayedTask and Quit are safe to call from any goroutine.
package eventloop

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const maxEvents = 32

type delayedTask struct {
	due time.Time
	seq uint64
	fn  func()
}

// Loop is an epoll based task runner.
type Loop struct {
	logger   zerolog.Logger
	epfd     int
	wakefd   int
	watchdog time.Duration
	// onWatchdog runs when a task exceeds the watchdog timeout.
	onWatchdog func(elapsed time.Duration)

	mu      sync.Mutex
	tasks   []func()
	delayed []delayedTask
	seq     uint64
	watches map[int]func()
	quit    bool
	closed  bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithWatchdog crashes the process when a single task runs longer than timeout.
func WithWatchdog(timeout time.Duration) Option {
	return func(l *Loop) {
		l.watchdog = timeout
	}
}

// WithWatchdogHandler replaces the default fatal watchdog action.
func WithWatchdogHandler(fn func(elapsed time.Duration)) Option {
	return func(l *Loop) {
		l.onWatchdog = fn
	}
}

// New creates a loop backed by an epoll instance and an eventfd used for wakeups.
func New(logger zerolog.Logger, opts ...Option) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}

	l := &Loop{
		logger:  logger.With().Str("component", "eventloop").Logger(),
		epfd:    epfd,
		wakefd:  wakefd,
		watches: make(map[int]func()),
	}
	l.onWatchdog = func(elapsed time.Duration) {
		l.logger.Fatal().Dur("elapsed", elapsed).Msg("Task exceeded watchdog timeout")
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// PostTask schedules fn to run on the loop.
func (l *Loop) PostTask(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

// PostDelayedTask schedules fn to run on the loop after delay.
func (l *Loop) PostDelayedTask(fn func(), delay time.Duration) {
	l.mu.Lock()
	l.seq++
	l.delayed = append(l.delayed, delayedTask{due: time.Now().Add(delay), seq: l.seq, fn: fn})
	sort.Slice(l.delayed, func(i, j int) bool {
		if l.delayed[i].due.Equal(l.delayed[j].due) {
			return l.delayed[i].seq < l.delayed[j].seq
		}
		return l.delayed[i].due.Before(l.delayed[j].due)
	})
	l.mu.Unlock()
	l.wake()
}

// AddFileDescriptorWatch runs fn on the loop every time fd becomes readable
// (level triggered), including on hangup.
func (l *Loop) AddFileDescriptorWatch(fd int, fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.watches[fd]; exists {
		return fmt.Errorf("fd %d already watched", fd)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.watches[fd] = fn
	return nil
}

// RemoveFileDescriptorWatch stops watching fd. It must be called before fd is closed.
func (l *Loop) RemoveFileDescriptorWatch(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.watches[fd]; !exists {
		return
	}
	delete(l.watches, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		l.logger.Debug().Err(err).Int("fd", fd).Msg("epoll_ctl del failed")
	}
}

// Quit makes Run return after the current task.
func (l *Loop) Quit() {
	l.mu.Lock()
	l.quit = true
	l.mu.Unlock()
	l.wake()
}

// Run dispatches tasks and descriptor events until Quit is called.
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if l.quitting() {
			return
		}

		n, err := unix.EpollWait(l.epfd, events, l.nextTimeout())
		if err != nil && err != unix.EINTR {
			l.logger.Error().Err(err).Msg("epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			l.mu.Lock()
			fn := l.watches[fd]
			l.mu.Unlock()
			// The watch may have been removed by an earlier handler in this batch.
			if fn != nil {
				l.runTask(fn)
			}
			if l.quitting() {
				return
			}
		}

		for _, fn := range l.takeReady() {
			l.runTask(fn)
			if l.quitting() {
				return
			}
		}
	}
}

// Close releases the epoll instance and the wake descriptor. Watched
// descriptors are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_ = unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

func (l *Loop) runTask(fn func()) {
	if l.watchdog <= 0 {
		fn()
		return
	}

	start := time.Now()
	timer := time.AfterFunc(l.watchdog, func() {
		l.onWatchdog(time.Since(start))
	})
	fn()
	timer.Stop()
}

func (l *Loop) quitting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quit
}

// nextTimeout returns the epoll timeout in milliseconds until the next task is due.
func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) > 0 {
		return 0
	}
	if len(l.delayed) == 0 {
		return -1
	}

	wait := time.Until(l.delayed[0].due)
	if wait <= 0 {
		return 0
	}
	// Round up so we never wake before the task is due.
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// takeReady pops the immediate tasks and every delayed task that is due.
func (l *Loop) takeReady() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	ready := l.tasks
	l.tasks = nil

	now := time.Now()
	due := 0
	for due < len(l.delayed) && !l.delayed[due].due.After(now) {
		ready = append(ready, l.delayed[due].fn)
		due++
	}
	l.delayed = l.delayed[due:]

	return ready
}

func (l *Loop) wake() {
	var one = [8]byte{1}
	// EAGAIN means the counter is already non-zero, which is enough to wake Run.
	_, _ = unix.Write(l.wakefd, one[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakefd, buf[:])
}
