package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignals returns a context that is cancelled on the first SIGINT or
// SIGTERM, or when the returned cancel func is called.
func WaitForSignals(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown requested", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
