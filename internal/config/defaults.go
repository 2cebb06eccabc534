package config

import (
	"github.com/coral-mesh/memprof/internal/constants"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ProducerSocket:    constants.DefaultProducerSocket,
		DescriptorCeiling: constants.DefaultDescriptorCeiling,
		Logging: LoggingConfig{
			Level: "info",
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: constants.DefaultReconnectInitialBackoff,
			MaxBackoff:     constants.DefaultReconnectMaxBackoff,
		},
		Monitor: MonitorConfig{
			ErrorBackoff:    constants.DefaultMonitorErrorBackoff,
			MaxErrorBackoff: constants.DefaultMonitorMaxErrorBackoff,
		},
		Daemon: DaemonConfig{
			MaxReceiveErrors: constants.DefaultMaxReceiveErrors,
			WatchdogTimeout:  constants.DefaultWatchdogTimeout,
		},
		Session: SessionConfig{
			SamplingInterval: constants.DefaultSamplingInterval,
		},
	}
}
