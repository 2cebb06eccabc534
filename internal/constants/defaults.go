package constants

import "time"

// Descriptors.
const (
	// DefaultDescriptorCeiling bounds the inherited descriptor scan in the launcher.
	DefaultDescriptorCeiling = 512

	// ControlChannelFD is the descriptor number of the daemon-side control
	// endpoint in the launcher and daemon processes (first ExtraFiles slot).
	ControlChannelFD = 3
)

// Timeouts and backoff.
const (
	// DefaultReconnectInitialBackoff is the first delay between backend connection attempts.
	DefaultReconnectInitialBackoff = 100 * time.Millisecond

	// DefaultReconnectMaxBackoff caps the delay between backend connection attempts.
	DefaultReconnectMaxBackoff = 30 * time.Second

	// DefaultMonitorErrorBackoff is the first delay after a failed control receive.
	DefaultMonitorErrorBackoff = 10 * time.Millisecond

	// DefaultMonitorMaxErrorBackoff caps the delay after repeated control receive failures.
	DefaultMonitorMaxErrorBackoff = 1 * time.Second

	// DefaultWatchdogTimeout is the longest a single event loop task may run.
	DefaultWatchdogTimeout = 30 * time.Second
)

// Limits.
const (
	// DefaultMaxReceiveErrors is the number of consecutive hard receive errors
	// on the daemon control endpoint tolerated before the daemon gives up.
	DefaultMaxReceiveErrors = 64

	// DefaultSamplingInterval is the sampling interval in bytes announced to clients.
	DefaultSamplingInterval = 4096
)
