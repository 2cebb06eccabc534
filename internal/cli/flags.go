// Package cli holds helpers shared by the memprof commands.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/coral-mesh/memprof/internal/logging"
)

// LoggingFlags are the logging flags common to every command.
type LoggingFlags struct {
	Level  string
	Pretty bool
}

// AddLoggingFlags registers --log-level and --pretty on fs. Pretty output
// defaults to on when stderr is a terminal.
func AddLoggingFlags(fs *pflag.FlagSet, f *LoggingFlags) {
	fs.StringVar(&f.Level, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.Pretty, "pretty", term.IsTerminal(int(os.Stderr.Fd())), "Human-readable log output")
}

// Logger builds a stderr logger for component.
func (f LoggingFlags) Logger(component string) zerolog.Logger {
	return logging.NewWithComponent(logging.Config{
		Level:  f.Level,
		Pretty: f.Pretty,
		Output: os.Stderr,
	}, component)
}
