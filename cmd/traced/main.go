// Command traced runs the tracing daemon: two IPC ports, one shared
// data-source registry, serving until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/internal/constants"
	"github.com/ehrlich-b/tracedsvc/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "traced",
		Short: "System-wide tracing daemon",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		logLevel       string
		producerSocket string
		consumerSocket string
		pageSize       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bind the producer and consumer ports and serve until signaled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, level)

			cfg := tracedsvc.DefaultConfig()
			cfg.Logger = logger
			if producerSocket != "" {
				cfg.ProducerSocket = producerSocket
			}
			if consumerSocket != "" {
				cfg.ConsumerSocket = consumerSocket
			}
			if pageSize > 0 {
				cfg.PageSize = pageSize
			}

			svc := tracedsvc.New(cfg)
			return runServe(cmd.Context(), svc, logger)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&producerSocket, "producer-socket", "", "override the producer socket address")
	cmd.Flags().StringVar(&consumerSocket, "consumer-socket", "", "override the consumer socket address")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "override the shared-memory page size")
	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown --log-level %q", s)
	}
}

// runServe carries go-ublk's cmd/ublk-mem signal-handling texture:
// SIGUSR1 dumps every goroutine's stack for live debugging, SIGINT/SIGTERM
// cancel Serve's context and wait briefly for it to return.
func runServe(ctx context.Context, svc *tracedsvc.Service, logger logging.Logger) error {
	stackDump := make(chan os.Signal, 1)
	signal.Notify(stackDump, syscall.SIGUSR1)
	go func() {
		for range stackDump {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(serveCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("received shutdown signal")
	}

	cancel()
	select {
	case err := <-errCh:
		return err
	case <-time.After(constants.ShutdownGracePeriod):
		logger.Warn("serve did not return within shutdown grace period, exiting anyway")
		return nil
	}
}
