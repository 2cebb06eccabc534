package memprof

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/client"
	"github.com/coral-mesh/memprof/internal/constants"
	memerrors "github.com/coral-mesh/memprof/internal/errors"
	"github.com/coral-mesh/memprof/internal/monitor"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/sys/proc"
)

var (
	// ErrNotBootstrapped is returned when no service has been bootstrapped.
	ErrNotBootstrapped = errors.New("memprof: not bootstrapped")

	// ErrDaemonDisconnected is returned once the daemon has gone away.
	ErrDaemonDisconnected = errors.New("memprof: daemon disconnected")

	// ErrDisabled is returned by Bootstrap when profiling is disabled by configuration.
	ErrDisabled = errors.New("memprof: profiling disabled")
)

// ServiceOptions configure a Service.
type ServiceOptions struct {
	// Monitor tunes the control monitor backoff.
	Monitor monitor.Config

	// PairFunc creates session channels. Defaults to sockpair.CreatePair.
	PairFunc sockpair.PairFunc

	// Allocator is the allocation scope of sessions requested by the daemon.
	Allocator client.Allocator

	// OnSession, if set, receives every session started on behalf of the daemon.
	OnSession func(*client.Client)

	Logger zerolog.Logger
}

// Service is the profiled-process side of memprof: it owns the persistent
// control channel and the control monitor, and creates sessions.
type Service struct {
	identity  proc.Identity
	control   *sockpair.Endpoint
	monitor   *monitor.Monitor
	pairFunc  sockpair.PairFunc
	alloc     client.Allocator
	onSession func(*client.Client)
	logger    zerolog.Logger

	disconnected atomic.Bool
	created      atomic.Uint64

	mu     sync.Mutex
	active *client.Client
	closed bool
}

// NewService takes ownership of control, the process end of the control
// channel, and starts the control monitor.
func NewService(control *sockpair.Endpoint, identity proc.Identity, opts ServiceOptions) (*Service, error) {
	if opts.PairFunc == nil {
		opts.PairFunc = sockpair.CreatePair
	}
	if opts.Allocator.Alloc == nil || opts.Allocator.Free == nil {
		opts.Allocator = client.DefaultAllocator()
	}
	if opts.Monitor.ErrorBackoff <= 0 {
		opts.Monitor.ErrorBackoff = constants.DefaultMonitorErrorBackoff
	}
	if opts.Monitor.MaxErrorBackoff <= 0 {
		opts.Monitor.MaxErrorBackoff = constants.DefaultMonitorMaxErrorBackoff
	}

	s := &Service{
		identity:  identity,
		control:   control,
		pairFunc:  opts.PairFunc,
		alloc:     opts.Allocator,
		onSession: opts.OnSession,
		logger:    opts.Logger.With().Str("component", "memprof").Logger(),
	}

	m, err := monitor.New(control, opts.Monitor, opts.Logger, s.onSessionRequest, s.onDaemonDisconnect)
	if err != nil {
		return nil, fmt.Errorf("failed to create control monitor: %w", err)
	}
	s.monitor = m
	m.Start()

	s.logger.Debug().Stringer("identity", identity).Msg("Profiling service started")
	return s, nil
}

// Identity returns the identity of the profiled process.
func (s *Service) Identity() proc.Identity {
	return s.identity
}

// Connected reports whether the daemon is still reachable.
func (s *Service) Connected() bool {
	return !s.disconnected.Load()
}

// SessionsCreated returns the number of sessions successfully handed to the daemon.
func (s *Service) SessionsCreated() uint64 {
	return s.created.Load()
}

// Monitor returns the control monitor.
func (s *Service) Monitor() *monitor.Monitor {
	return s.monitor
}

// CreateSession creates a session channel, hands one end to the daemon over
// the control channel and performs the session handshake on the other.
//
// If the channel cannot be created nothing is written to the control
// channel. The descriptor and its marker byte are sent as one message, so
// concurrent callers never interleave.
func (s *Service) CreateSession(alloc client.Allocator) (*client.Client, error) {
	if s.disconnected.Load() {
		return nil, ErrDaemonDisconnected
	}

	local, remote, err := s.pairFunc(sockpair.FamilyUnix, sockpair.TypeStream)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create session channel")
		return nil, fmt.Errorf("create session channel: %w", err)
	}

	fd := remote.ReleaseFD()
	_, err = s.control.SendWithFD([]byte{constants.DescriptorMarker}, fd)
	// The daemon holds its own copy once the message is queued.
	memerrors.CloseFD(s.logger, fd, "Failed to close session descriptor")
	if err != nil {
		_ = local.Close()
		if sockpair.IsDisconnect(err) {
			s.disconnected.Store(true)
			return nil, fmt.Errorf("%w: %w", ErrDaemonDisconnected, err)
		}
		s.logger.Error().Err(err).Msg("Failed to send session descriptor")
		return nil, fmt.Errorf("send session descriptor: %w", err)
	}

	c, err := client.CreateAndHandshake(local, alloc)
	if err != nil {
		s.logger.Error().Err(err).Msg("Session handshake failed")
		return nil, err
	}

	s.created.Add(1)
	return c, nil
}

// InitSession makes sure a live session exists, creating one with the given
// allocation scope if needed. At most one session is active at a time;
// calling InitSession while it is connected is a no-op. The OnSession hook
// runs after the service lock is released and may call Close.
func (s *Service) InitSession(alloc client.AllocFunc, free client.FreeFunc) error {
	c, err := s.initSession(alloc, free)
	if err != nil || c == nil {
		return err
	}
	if s.onSession != nil {
		s.onSession(c)
	}
	return nil
}

// initSession returns the newly created session, or nil when a live one
// already exists.
func (s *Service) initSession(alloc client.AllocFunc, free client.FreeFunc) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrDaemonDisconnected
	}
	if s.active != nil {
		if s.active.Connected() {
			return nil, nil
		}
		_ = s.active.Close()
		s.active = nil
	}

	scope := client.Allocator{Alloc: alloc, Free: free}
	if alloc == nil || free == nil {
		scope = s.alloc
	}

	c, err := s.CreateSession(scope)
	if err != nil {
		return nil, err
	}
	s.active = c
	s.logger.Info().Str("session_id", c.ID()).Int64("sampling_interval", c.SamplingInterval()).Msg("Session initialized")
	return c, nil
}

// ActiveSession returns the current session, or nil.
func (s *Service) ActiveSession() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop stops the control monitor and waits for it to exit.
func (s *Service) Stop() {
	s.monitor.Stop()
}

// Close stops the monitor, ends the active session and closes the control
// channel, which makes the daemon exit.
func (s *Service) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.active != nil {
		memerrors.DeferClose(s.logger, s.active, "Failed to close session")
		s.active = nil
	}
	return s.control.Close()
}

func (s *Service) onSessionRequest() {
	if err := s.InitSession(s.alloc.Alloc, s.alloc.Free); err != nil {
		s.logger.Error().Err(err).Msg("Failed to initialize session")
	}
}

func (s *Service) onDaemonDisconnect() {
	s.disconnected.Store(true)
}
