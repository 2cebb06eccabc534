package daemon

import (
	"os"

	"github.com/coral-mesh/memprof/internal/config"
	"github.com/coral-mesh/memprof/internal/eventloop"
	"github.com/coral-mesh/memprof/internal/logging"
	"github.com/coral-mesh/memprof/internal/producer"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/spawn"
)

// Main is the entry point of a binary re-executed in the daemon role. It
// returns the process exit status.
func Main() int {
	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = config.Default()
	}

	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	}, "memprof")
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Msg("Invalid configuration, using defaults")
	}

	target, err := spawn.IdentityFromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("Missing target process")
		return 1
	}

	control := spawn.ControlFile()
	if control == nil {
		logger.Error().Msg("Control channel not inherited")
		return 1
	}
	ep, err := sockpair.FromFile(control)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to adopt control channel")
		return 1
	}

	loop, err := eventloop.New(logger, eventloop.WithWatchdog(cfg.Daemon.WatchdogTimeout))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create event loop")
		return 1
	}
	defer func() { _ = loop.Close() }()

	p := producer.New(producer.ModeChild, loop, producer.Config{
		InitialBackoff:   cfg.Reconnect.InitialBackoff,
		MaxBackoff:       cfg.Reconnect.MaxBackoff,
		SamplingInterval: int64(cfg.Session.SamplingInterval),
		OneShot:          cfg.Daemon.OneShot,
		ProfileDir:       cfg.Session.ProfileDir,
	}, logger)

	d, err := New(Options{
		Control:          ep,
		Target:           target,
		ProducerSocket:   cfg.ProducerSocket,
		Producer:         p,
		Loop:             loop,
		MaxReceiveErrors: cfg.Daemon.MaxReceiveErrors,
		Exit:             os.Exit,
		Logger:           logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create daemon")
		return 1
	}

	if err := d.Run(); err != nil {
		logger.Error().Err(err).Msg("Daemon failed")
		return 1
	}
	return 0
}
