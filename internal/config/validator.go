package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.ProducerSocket == "" {
		errors = append(errors, ValidationError{
			Field:   "producer_socket",
			Message: "producer socket is required",
		})
	}

	// Descriptors 0-2 are stdio and 3 is the control channel.
	if c.DescriptorCeiling <= 3 {
		errors = append(errors, ValidationError{
			Field:   "descriptor_ceiling",
			Message: "descriptor ceiling must be greater than 3",
		})
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "log level must be one of trace, debug, info, warn, error",
		})
	}

	if c.Reconnect.InitialBackoff <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconnect.initial_backoff",
			Message: "initial backoff must be positive",
		})
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		errors = append(errors, ValidationError{
			Field:   "reconnect.max_backoff",
			Message: "max backoff must not be below initial backoff",
		})
	}

	if c.Monitor.ErrorBackoff <= 0 {
		errors = append(errors, ValidationError{
			Field:   "monitor.error_backoff",
			Message: "error backoff must be positive",
		})
	}
	if c.Monitor.MaxErrorBackoff < c.Monitor.ErrorBackoff {
		errors = append(errors, ValidationError{
			Field:   "monitor.max_error_backoff",
			Message: "max error backoff must not be below error backoff",
		})
	}

	if c.Daemon.MaxReceiveErrors <= 0 {
		errors = append(errors, ValidationError{
			Field:   "daemon.max_receive_errors",
			Message: "max receive errors must be positive",
		})
	}

	if c.Daemon.WatchdogTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "daemon.watchdog_timeout",
			Message: "watchdog timeout must not be negative",
		})
	}

	if c.Session.SamplingInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.sampling_interval",
			Message: "sampling interval must be positive",
		})
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
