package graph

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// Runner is anything that runs until done and can be asked to stop.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// RunWithGracefulShutdown starts r and handles SIGTERM/SIGINT for graceful shutdown.
// It blocks until r completes or the shutdown timeout expires.
func RunWithGracefulShutdown(ctx context.Context, r Runner, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		r.Stop()

		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			cancel()
			return <-errCh
		}

	case err := <-errCh:
		return err
	}
}
