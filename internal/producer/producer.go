// Package producer implements the daemon-side profiling producer.
//
// A Producer registers with the tracing backend over its producer socket,
// waits for the backend to start the heap data source, and serves session
// sockets handed over by the profiled process. Every method runs on the
// event loop goroutine; none of them block.
package producer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/eventloop"
	"github.com/coral-mesh/memprof/internal/retry"
	"github.com/coral-mesh/memprof/internal/sys/proc"
	"github.com/coral-mesh/memprof/internal/wire"
	"github.com/coral-mesh/memprof/pkg/version"
)

const (
	readBufferSize = 4096
	flushRetry     = 5 * time.Millisecond
)

// Mode selects how the producer relates to profiled processes.
type Mode int

const (
	// ModeCentral serves sessions from any process.
	ModeCentral Mode = iota
	// ModeChild serves the single target process that spawned the daemon.
	ModeChild
)

func (m Mode) String() string {
	switch m {
	case ModeCentral:
		return "central"
	case ModeChild:
		return "child"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the backend connection state.
type State int

const (
	StateNotStarted State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the producer.
type Config struct {
	// InitialBackoff and MaxBackoff bound the delay between backend connection attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SamplingInterval is announced to sessions when the backend did not set one.
	SamplingInterval int64

	// OneShot quits the event loop when the backend connection is lost
	// instead of reconnecting.
	OneShot bool

	// ProfileDir, when set, receives a pprof heap profile for every ended session.
	ProfileDir string
}

// Producer is the profiling producer.
type Producer struct {
	mode   Mode
	loop   *eventloop.Loop
	cfg    Config
	logger zerolog.Logger

	target proc.Identity
	addr   string

	state    State
	attempts int
	backend  *conn

	onDataSource     func()
	dataSourceActive bool
	samplingInterval int64

	sessions map[int]*session
	stats    Stats
}

// Stats are producer counters.
type Stats struct {
	SessionsAdopted  uint64
	SessionsRejected uint64
	SessionsEnded    uint64
	Records          uint64
	Reconnects       uint64
}

// New creates a producer that runs on loop.
func New(mode Mode, loop *eventloop.Loop, cfg Config, logger zerolog.Logger) *Producer {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = constants.DefaultSamplingInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = constants.DefaultReconnectInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = constants.DefaultReconnectMaxBackoff
	}

	return &Producer{
		mode:             mode,
		loop:             loop,
		cfg:              cfg,
		logger:           logger.With().Str("component", "producer").Str("mode", mode.String()).Logger(),
		samplingInterval: cfg.SamplingInterval,
		sessions:         make(map[int]*session),
	}
}

// SetTargetProcess records the identity of the profiled process.
func (p *Producer) SetTargetProcess(pid int, cmdline string) {
	p.target = proc.Identity{PID: pid, Cmdline: cmdline}
	p.logger = p.logger.With().Int("target_pid", pid).Logger()
}

// SetDataSourceCallback sets the function run whenever the backend starts
// the data source for the target process.
func (p *Producer) SetDataSourceCallback(fn func()) {
	p.onDataSource = fn
}

// ConnectWithRetries connects to the backend at addr, retrying with
// exponential backoff until it succeeds. The attempt is made on the loop.
func (p *Producer) ConnectWithRetries(addr string) {
	p.addr = addr
	p.state = StateConnecting
	p.loop.PostTask(p.connect)
}

// State returns the backend connection state.
func (p *Producer) State() State {
	return p.state
}

// DataSourceActive reports whether the backend has started the data source.
func (p *Producer) DataSourceActive() bool {
	return p.dataSourceActive
}

// SessionCount returns the number of open session sockets.
func (p *Producer) SessionCount() int {
	return len(p.sessions)
}

// Stats returns a copy of the producer counters.
func (p *Producer) Stats() Stats {
	return p.stats
}

// Stop closes the backend connection and every session.
func (p *Producer) Stop() {
	p.state = StateStopped
	for _, s := range p.sessions {
		p.endSession(s, "producer stopped")
	}
	if p.backend != nil {
		p.backend.close(p.loop)
		p.backend = nil
	}
}

func (p *Producer) connect() {
	if p.state != StateConnecting {
		return
	}

	fd, err := dialUnix(p.addr)
	if err != nil {
		p.attempts++
		delay := retry.Backoff(retry.Config{
			InitialBackoff: p.cfg.InitialBackoff,
			MaxBackoff:     p.cfg.MaxBackoff,
		}, p.attempts)
		p.logger.Debug().
			Err(err).
			Str("addr", p.addr).
			Int("attempt", p.attempts).
			Dur("retry_in", delay).
			Msg("Backend connection failed")
		p.loop.PostDelayedTask(p.connect, delay)
		return
	}

	p.backend = newConn(fd)
	if err := p.loop.AddFileDescriptorWatch(fd, p.onBackendReadable); err != nil {
		p.logger.Error().Err(err).Msg("Failed to watch backend connection")
		p.backend.close(nil)
		p.backend = nil
		p.loop.PostDelayedTask(p.connect, p.cfg.InitialBackoff)
		return
	}

	p.logger.Info().Str("addr", p.addr).Int("attempts", p.attempts+1).Msg("Connected to backend")
	p.attempts = 0
	p.state = StateConnected

	p.sendBackend(wire.TypeRegister, wire.Fields{
		"pid":         p.target.PID,
		"cmdline":     p.target.Cmdline,
		"mode":        p.mode.String(),
		"version":     version.Version,
		"data_source": constants.DataSourceName,
	})
}

func (p *Producer) onBackendReadable() {
	c := p.backend
	if c == nil {
		return
	}

	eof, err := c.fill()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Backend read failed")
	}
	for {
		msg, derr := c.dec.Next()
		if derr != nil {
			p.logger.Error().Err(derr).Msg("Malformed backend frame")
			p.onBackendLost()
			return
		}
		if msg == nil {
			break
		}
		p.handleBackendMessage(msg)
		if p.backend != c {
			return
		}
	}

	if eof || err != nil {
		p.onBackendLost()
	}
}

func (p *Producer) handleBackendMessage(msg *structpb.Struct) {
	switch wire.Type(msg) {
	case wire.TypeStartDataSource:
		pid := int(wire.Int(msg, "target_pid"))
		if p.mode == ModeChild && pid != p.target.PID {
			p.logger.Debug().Int("requested_pid", pid).Msg("Ignoring data source for another process")
			return
		}
		if interval := wire.Int(msg, "sampling_interval"); interval > 0 {
			p.samplingInterval = interval
		}
		p.dataSourceActive = true
		p.logger.Info().Int64("sampling_interval", p.samplingInterval).Msg("Data source started")
		if p.onDataSource != nil {
			p.onDataSource()
		}

	case wire.TypeStopDataSource:
		p.dataSourceActive = false
		p.samplingInterval = p.cfg.SamplingInterval
		for _, s := range p.sessions {
			p.endSession(s, "data source stopped")
		}
		p.logger.Info().Msg("Data source stopped")

	default:
		p.logger.Warn().Str("type", wire.Type(msg)).Msg("Unexpected backend message")
	}
}

func (p *Producer) onBackendLost() {
	if p.backend != nil {
		p.backend.close(p.loop)
		p.backend = nil
	}
	p.dataSourceActive = false

	if p.state == StateStopped {
		return
	}

	if p.cfg.OneShot {
		p.logger.Info().Msg("Backend disconnected, shutting down")
		p.state = StateStopped
		p.loop.Quit()
		return
	}

	p.logger.Warn().Msg("Backend disconnected, reconnecting")
	p.stats.Reconnects++
	p.state = StateConnecting
	p.loop.PostDelayedTask(p.connect, p.cfg.InitialBackoff)
}

func (p *Producer) sendBackend(typ string, fields wire.Fields) {
	if p.backend == nil {
		return
	}
	if err := p.backend.queue(typ, fields); err != nil {
		p.logger.Error().Err(err).Str("type", typ).Msg("Failed to encode backend message")
		return
	}
	p.flushBackend()
}

func (p *Producer) flushBackend() {
	c := p.backend
	if c == nil {
		return
	}
	pending, err := c.flush()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Backend write failed")
		p.onBackendLost()
		return
	}
	if pending {
		p.loop.PostDelayedTask(p.flushBackend, flushRetry)
	}
}

func dialUnix(addr string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}
