// Package daemon runs the detached profiling daemon.
//
// The daemon serves one profiled process. It watches the daemon end of the
// persistent control channel on its event loop: every descriptor that
// arrives there is a new session socket and is handed to the producer, and
// end-of-stream means the profiled process has exited, which ends the daemon.
// When the backend starts the data source the daemon asks the profiled
// process for a session by writing one byte to the control channel.
package daemon

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/eventloop"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// Producer is the part of the producer the daemon drives.
type Producer interface {
	SetTargetProcess(pid int, cmdline string)
	ConnectWithRetries(addr string)
	SetDataSourceCallback(fn func())
	AdoptSocket(fd int)
	Stop()
}

// State is the daemon lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configure a Daemon.
type Options struct {
	// Control is the daemon end of the persistent control channel.
	Control *sockpair.Endpoint
	// Target is the profiled process.
	Target proc.Identity
	// ProducerSocket is the backend address handed to the producer.
	ProducerSocket string
	Producer       Producer
	Loop           *eventloop.Loop

	// MaxReceiveErrors is the number of consecutive hard receive errors on
	// the control channel after which the daemon gives up.
	MaxReceiveErrors int

	// Exit ends the process. It must not return to the event loop in
	// production; tests replace it.
	Exit func(code int)

	Logger zerolog.Logger
}

// Daemon is the daemon side of the control channel.
type Daemon struct {
	control          *sockpair.Endpoint
	target           proc.Identity
	producerSocket   string
	producer         Producer
	loop             *eventloop.Loop
	maxReceiveErrors int
	exit             func(code int)
	logger           zerolog.Logger

	state         atomic.Int32
	receiveErrors int
	received      atomic.Uint64
}

// New validates opts and creates a daemon.
func New(opts Options) (*Daemon, error) {
	if !opts.Control.Valid() {
		return nil, sockpair.ErrClosed
	}
	if opts.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if opts.Loop == nil {
		return nil, errors.New("event loop is required")
	}
	if opts.Exit == nil {
		return nil, errors.New("exit function is required")
	}
	if opts.MaxReceiveErrors <= 0 {
		opts.MaxReceiveErrors = constants.DefaultMaxReceiveErrors
	}
	if opts.ProducerSocket == "" {
		opts.ProducerSocket = constants.DefaultProducerSocket
	}

	return &Daemon{
		control:          opts.Control,
		target:           opts.Target,
		producerSocket:   opts.ProducerSocket,
		producer:         opts.Producer,
		loop:             opts.Loop,
		maxReceiveErrors: opts.MaxReceiveErrors,
		exit:             opts.Exit,
		logger: opts.Logger.With().
			Str("component", "daemon").
			Int("target_pid", opts.Target.PID).
			Logger(),
	}, nil
}

// Start wires the producer and the control channel watch into the loop. It
// does not run the loop.
func (d *Daemon) Start() error {
	d.state.Store(int32(StateConnecting))

	if err := d.control.SetBlocking(false); err != nil {
		return fmt.Errorf("set control channel non-blocking: %w", err)
	}

	d.producer.SetTargetProcess(d.target.PID, d.target.Cmdline)
	d.producer.ConnectWithRetries(d.producerSocket)
	d.producer.SetDataSourceCallback(d.requestSession)

	if err := d.loop.AddFileDescriptorWatch(d.control.FD(), d.onControlReadable); err != nil {
		return fmt.Errorf("watch control channel: %w", err)
	}

	d.state.Store(int32(StateRunning))
	d.logger.Info().
		Str("cmdline", d.target.Cmdline).
		Str("producer_socket", d.producerSocket).
		Msg("Daemon started")
	return nil
}

// Run starts the daemon and runs the event loop until it quits.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.loop.Run()
	return nil
}

// State returns the lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Received returns the number of session descriptors handed to the producer.
func (d *Daemon) Received() uint64 {
	return d.received.Load()
}

// requestSession asks the profiled process for a new session.
func (d *Daemon) requestSession() {
	if d.State() != StateRunning {
		return
	}
	if _, err := d.control.Send([]byte{constants.SessionRequestMarker}); err != nil {
		d.logger.Error().Err(err).Msg("Failed to request session")
		return
	}
	d.logger.Debug().Msg("Requested session")
}

func (d *Daemon) onControlReadable() {
	buf := make([]byte, 1)
	n, fd, err := d.control.ReceiveWithFD(buf)

	switch {
	case err != nil && sockpair.IsAgain(err):
		return

	case err != nil:
		d.receiveErrors++
		d.logger.Error().Err(err).Int("consecutive", d.receiveErrors).Msg("Failed to receive from control channel")
		if d.receiveErrors > d.maxReceiveErrors {
			d.terminate("too many control channel errors")
		}

	case n == 0 && fd < 0:
		d.logger.Info().Msg("Profiled process disconnected")
		d.terminate("profiled process disconnected")

	case fd >= 0:
		d.receiveErrors = 0
		d.received.Add(1)
		d.producer.AdoptSocket(fd)

	default:
		d.receiveErrors = 0
		d.logger.Debug().Uint8("byte", buf[0]).Msg("Control message without descriptor")
	}
}

func (d *Daemon) terminate(reason string) {
	if State(d.state.Swap(int32(StateTerminating))) == StateTerminating {
		return
	}
	d.loop.RemoveFileDescriptorWatch(d.control.FD())
	d.producer.Stop()
	_ = d.control.Close()

	d.logger.Info().Str("reason", reason).Uint64("sessions", d.Received()).Msg("Daemon exiting")
	d.exit(0)
}
