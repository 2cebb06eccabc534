// Package serve provides the command that runs the reference tracing backend.
package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/internal/backend"
	"github.com/coral-mesh/memprof/internal/cli"
	"github.com/coral-mesh/memprof/internal/constants"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var (
		socket           string
		targetPIDs       []int
		samplingInterval int64
		duration         time.Duration
		logFlags         cli.LoggingFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracing backend on the producer socket",
		Long: `Run a tracing backend that profiling daemons register with.

The backend listens on the producer socket, logs every producer and session
event, and starts the heap data source for each --target-pid once its
producer has registered. With --duration the data source is stopped again
after the given time.

Environment Variables:
  MEMPROF_PRODUCER_SOCK  - Producer socket path (default: ` + constants.DefaultProducerSocket + `)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logFlags.Logger("memprof-backend")

			if socket == "" {
				socket = os.Getenv(constants.EnvProducerSocket)
			}
			if socket == "" {
				socket = constants.DefaultProducerSocket
			}

			srv, err := backend.NewServer(socket, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			served := make(chan error, 1)
			go func() { served <- srv.Serve(ctx) }()

			for _, pid := range targetPIDs {
				go func(pid int) {
					if err := srv.RequestDataSource(ctx, pid, samplingInterval); err != nil {
						logger.Error().Err(err).Int("pid", pid).Msg("Failed to start data source")
						return
					}
					logger.Info().Int("pid", pid).Msg("Data source requested")

					if duration <= 0 {
						return
					}
					select {
					case <-ctx.Done():
					case <-time.After(duration):
						if err := srv.StopDataSource(pid); err != nil {
							logger.Warn().Err(err).Int("pid", pid).Msg("Failed to stop data source")
						}
					}
				}(pid)
			}

			for {
				select {
				case ev := <-srv.Events():
					logger.Debug().
						Str("event", string(ev.Type)).
						Int("pid", ev.PID).
						Str("session_id", ev.SessionID).
						Int64("records", ev.Records).
						Msg("Event")
				case err := <-served:
					if err != nil {
						return fmt.Errorf("backend stopped: %w", err)
					}
					logger.Info().Msg("Backend stopped")
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Producer socket path (overrides MEMPROF_PRODUCER_SOCK)")
	cmd.Flags().IntSliceVar(&targetPIDs, "target-pid", nil, "Start the heap data source for these PIDs")
	cmd.Flags().Int64Var(&samplingInterval, "sampling-interval", constants.DefaultSamplingInterval, "Sampling interval in bytes")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop the data source after this long (0 keeps it running)")
	cli.AddLoggingFlags(cmd.Flags(), &logFlags)

	return cmd
}
