// Package config provides layered configuration for the profiled process and the daemon.
package config

import "time"

// Config is the memprof configuration. The same values are seen by the
// profiled process and, through the inherited environment, by the daemon.
type Config struct {
	// Disabled turns bootstrap into a no-op.
	Disabled bool `yaml:"disabled" env:"MEMPROF_DISABLED"`

	// ProducerSocket is the backend producer socket address, passed opaquely
	// to the producer.
	ProducerSocket string `yaml:"producer_socket" env:"MEMPROF_PRODUCER_SOCK"`

	// DaemonExecutable overrides the binary re-executed as launcher and daemon.
	// Defaults to the current executable.
	DaemonExecutable string `yaml:"daemon_executable,omitempty" env:"MEMPROF_DAEMON_EXECUTABLE"`

	// DescriptorCeiling bounds the inherited descriptor scan in the launcher.
	DescriptorCeiling int `yaml:"descriptor_ceiling" env:"MEMPROF_DESCRIPTOR_CEILING"`

	Logging   LoggingConfig   `yaml:"logging"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Session   SessionConfig   `yaml:"session"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"MEMPROF_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"MEMPROF_LOG_PRETTY"`
}

// ReconnectConfig controls producer reconnection to the backend.
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"MEMPROF_RECONNECT_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MEMPROF_RECONNECT_MAX_BACKOFF"`
}

// MonitorConfig controls the control monitor's reaction to receive errors.
type MonitorConfig struct {
	ErrorBackoff    time.Duration `yaml:"error_backoff" env:"MEMPROF_MONITOR_ERROR_BACKOFF"`
	MaxErrorBackoff time.Duration `yaml:"max_error_backoff" env:"MEMPROF_MONITOR_MAX_ERROR_BACKOFF"`
}

// DaemonConfig contains daemon process settings.
type DaemonConfig struct {
	// MaxReceiveErrors is the number of consecutive hard receive errors on the
	// control endpoint after which the daemon exits.
	MaxReceiveErrors int `yaml:"max_receive_errors" env:"MEMPROF_DAEMON_MAX_RECEIVE_ERRORS"`

	// WatchdogTimeout crashes the daemon when one event loop task runs longer.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout" env:"MEMPROF_DAEMON_WATCHDOG_TIMEOUT"`

	// OneShot stops the daemon when the backend connection is lost.
	OneShot bool `yaml:"oneshot" env:"MEMPROF_DAEMON_ONESHOT"`
}

// SessionConfig contains session defaults announced by the producer.
type SessionConfig struct {
	// SamplingInterval in bytes, used when the backend does not specify one.
	SamplingInterval int `yaml:"sampling_interval" env:"MEMPROF_SAMPLING_INTERVAL"`

	// ProfileDir receives a pprof heap profile per ended session. Empty disables it.
	ProfileDir string `yaml:"profile_dir,omitempty" env:"MEMPROF_PROFILE_DIR"`
}
