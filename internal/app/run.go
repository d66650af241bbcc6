package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rbac-cache/internal/common/logging"
)

// Serve exposes metrics and health until ctx is done or the process is
// interrupted, then shuts the application down.
func (app *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Metrics.Start(ctx); err != nil {
		app.Logger.Error("Metrics server failed to start", err)
		return err
	}

	<-ctx.Done()
	app.Logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Shutdown failed", err)
		return err
	}

	app.Logger.Info("Server exited", logging.String("addr", app.Config.MetricsAddr))
	return nil
}
