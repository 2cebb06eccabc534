package logging

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		logged   []string
		filtered []string
	}{
		{"trace", []string{"trace message", "debug message", "info message"}, nil},
		{"debug", []string{"debug message", "info message"}, []string{"trace message"}},
		{"info", []string{"info message"}, []string{"trace message", "debug message"}},
		{"invalid", []string{"info message"}, []string{"debug message"}},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tc.level, Output: &buf})

			logger.Trace().Msg("trace message")
			logger.Debug().Msg("debug message")
			logger.Info().Msg("info message")

			output := buf.String()
			for _, msg := range tc.logged {
				if !strings.Contains(output, msg) {
					t.Errorf("Expected %q to be logged at %s level", msg, tc.level)
				}
			}
			for _, msg := range tc.filtered {
				if strings.Contains(output, msg) {
					t.Errorf("Expected %q to NOT be logged at %s level", msg, tc.level)
				}
			}
		})
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  "error",
		Pretty: false,
		Output: &buf,
	})

	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	output := buf.String()

	if strings.Contains(output, "warn message") {
		t.Error("Expected warn message to NOT be logged at error level")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Expected error message to be logged at error level")
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{
		Level:  "info",
		Pretty: false,
		Output: &buf,
	}, "control_monitor")

	logger.Info().Msg("test message")

	output := buf.String()

	if !strings.Contains(output, `"component":"control_monitor"`) {
		t.Error("Expected log to contain component name 'control_monitor'")
	}
	if !strings.Contains(output, `"pid":`+strconv.Itoa(os.Getpid())) {
		t.Error("Expected log to carry the process id")
	}
}

func TestNew_PrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  "info",
		Pretty: true,
		Output: &buf,
	})

	logger.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Error("Expected pretty output to contain message 'test message'")
	}
}

func TestNew_DefaultOutput(t *testing.T) {
	// Output defaults to os.Stderr.
	logger := New(Config{Level: "info"})
	logger.Info().Msg("test message")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("Expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Expected default pretty to be false")
	}
	if cfg.Output != os.Stderr {
		t.Error("Expected default output to be stderr")
	}
}

func TestParseLevel(t *testing.T) {
	levels := []struct {
		level    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tc := range levels {
		t.Run(tc.level, func(t *testing.T) {
			if got := ParseLevel(tc.level); got != tc.expected {
				t.Errorf("Expected level %v, got %v", tc.expected, got)
			}
		})
	}
}
