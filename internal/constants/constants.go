// Package constants defines shared configuration constants.
package constants

var (
	// DefaultProducerSocket is the backend producer socket used when
	// MEMPROF_PRODUCER_SOCK is not set.
	DefaultProducerSocket = "/tmp/memprof-producer.sock"

	// DataSourceName identifies the heap profiling data source towards the backend.
	DataSourceName = "memprof.heap"
)

// Environment variables.
const (
	// EnvConfig points to an optional YAML config file.
	EnvConfig = "MEMPROF_CONFIG"

	// EnvProducerSocket overrides the backend producer socket address.
	EnvProducerSocket = "MEMPROF_PRODUCER_SOCK"

	// EnvRole selects the process role of a re-executed binary (launcher or daemon).
	EnvRole = "MEMPROF_ROLE"

	// EnvTargetPID carries the profiled process PID into the daemon.
	EnvTargetPID = "MEMPROF_TARGET_PID"

	// EnvTargetCmdline carries the profiled process command line into the daemon.
	EnvTargetCmdline = "MEMPROF_TARGET_CMDLINE"
)

// Wire markers sent over the persistent control channel.
const (
	// SessionRequestMarker is sent daemon -> profiled process to request a session.
	SessionRequestMarker = 'x'

	// DescriptorMarker accompanies every session descriptor sent to the daemon.
	DescriptorMarker = ' '
)
