// Package memprof bootstraps heap profiling for the running process.
//
// Bootstrap spawns a detached profiling daemon connected to this process by
// a persistent control channel. When the tracing backend starts the heap
// data source, the daemon asks for a session over that channel; the control
// monitor answers by creating a dedicated session channel and sending one end
// of it to the daemon. The daemon hands each received channel to its
// producer.
//
// Binaries that import this package are re-executed as the daemon, so
// importing it must happen before any other init work that should not run
// twice. Most programs blank-import memprof/autostart instead of calling
// Bootstrap themselves.
package memprof

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/client"
	"github.com/coral-mesh/memprof/internal/config"
	"github.com/coral-mesh/memprof/internal/daemon"
	"github.com/coral-mesh/memprof/internal/logging"
	"github.com/coral-mesh/memprof/internal/monitor"
	"github.com/coral-mesh/memprof/internal/spawn"
	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// Options configure Bootstrap. The zero value loads the configuration from
// MEMPROF_CONFIG and the environment and spawns the daemon by re-executing
// the running binary.
type Options struct {
	Config  *config.Config
	Logger  *zerolog.Logger
	Spawner spawn.Spawner

	// Allocator and OnSession are passed to the service.
	Allocator client.Allocator
	OnSession func(*client.Client)
}

var (
	bootstrapOnce  sync.Once
	bootstrapErr   error
	defaultService atomic.Pointer[Service]
)

func init() {
	switch spawn.CurrentRole() {
	case spawn.RoleLauncher:
		os.Exit(runLauncher())
	case spawn.RoleDaemon:
		os.Exit(daemon.Main())
	}
}

// Bootstrap spawns the daemon and starts the profiling service. Only the
// first call does any work; later calls return its result. A failure leaves
// profiling disabled for the lifetime of the process and never affects the
// host program otherwise.
func Bootstrap(opts Options) error {
	bootstrapOnce.Do(func() {
		bootstrapErr = bootstrap(opts)
	})
	return bootstrapErr
}

// Default returns the bootstrapped service, or nil.
func Default() *Service {
	return defaultService.Load()
}

// InitSession initializes a session on the bootstrapped service.
func InitSession(alloc client.AllocFunc, free client.FreeFunc) error {
	s := Default()
	if s == nil {
		return ErrNotBootstrapped
	}
	return s.InitSession(alloc, free)
}

func bootstrap(opts Options) error {
	cfg := opts.Config
	var cfgErr error
	if cfg == nil {
		cfg, cfgErr = config.Load()
		if cfgErr != nil {
			cfg = config.Default()
		}
	}

	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = newLogger(cfg)
	}
	if cfgErr != nil {
		logger.Error().Err(cfgErr).Msg("Invalid memprof configuration, profiling disabled")
		return cfgErr
	}

	if cfg.Disabled {
		logger.Debug().Msg("Profiling disabled by configuration")
		return ErrDisabled
	}

	identity, err := proc.CaptureIdentity(os.Getpid())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read process command line")
	}

	spawner := opts.Spawner
	if spawner == nil {
		s, err := spawn.NewReexecSpawner(cfg.DaemonExecutable, cfg.DescriptorCeiling, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to prepare daemon spawn")
			return err
		}
		spawner = s
	}

	control, err := spawner.Spawn(identity)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to spawn profiling daemon")
		return err
	}

	svc, err := NewService(control, identity, ServiceOptions{
		Monitor: monitor.Config{
			ErrorBackoff:    cfg.Monitor.ErrorBackoff,
			MaxErrorBackoff: cfg.Monitor.MaxErrorBackoff,
		},
		Allocator: opts.Allocator,
		OnSession: opts.OnSession,
		Logger:    logger,
	})
	if err != nil {
		_ = control.Close()
		logger.Error().Err(err).Msg("Failed to start profiling service")
		return err
	}

	defaultService.Store(svc)
	logger.Info().Stringer("identity", identity).Msg("Profiling daemon spawned")
	return nil
}

func runLauncher() int {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	logger := newLogger(cfg)

	if err := spawn.RunLauncher(logger, spawn.DescriptorCeiling()); err != nil {
		logger.Error().Err(err).Msg("Failed to launch profiling daemon")
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
}

// IsDisabled reports whether err means profiling was turned off on purpose.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrDisabled)
}
