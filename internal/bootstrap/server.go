// Package bootstrap manages the HTTP server lifecycle: startup, signal
// handling, and graceful shutdown.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/httan304/webchat-sub000/pkg/log"
	"github.com/httan304/webchat-sub000/pkg/telemetry"
)

// ServerManager runs a fiber app until a termination signal arrives, then
// shuts it down gracefully within the configured timeout.
type ServerManager struct {
	app             *fiber.App
	address         string
	telemetry       *telemetry.Telemetry
	logger          log.Logger
	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
	cleanups        []func()
}

// NewServerManager creates a server manager. If logger is nil, a no-op
// logger is used.
func NewServerManager(app *fiber.App, address string, tel *telemetry.Telemetry, logger log.Logger, shutdownTimeout time.Duration) *ServerManager {
	if logger == nil {
		logger = log.NewNop()
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	return &ServerManager{
		app:             app,
		address:         address,
		telemetry:       tel,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// OnShutdown registers a cleanup to run after the HTTP server has drained.
// Cleanups run in registration order.
func (sm *ServerManager) OnShutdown(fn func()) {
	if fn != nil {
		sm.cleanups = append(sm.cleanups, fn)
	}
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a listener
// error, then performs graceful shutdown.
func (sm *ServerManager) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		sm.logger.Log(ctx, log.LevelInfo, "http server starting", log.String("address", sm.address))
		errCh <- sm.app.Listen(sm.address)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		sm.logger.Log(ctx, log.LevelInfo, "termination signal received", log.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			sm.logger.Log(ctx, log.LevelError, "http server failed", log.Err(err))
			sm.shutdown(ctx)

			return err
		}
	case <-ctx.Done():
		sm.logger.Log(ctx, log.LevelInfo, "context cancelled")
	}

	sm.shutdown(ctx)

	return nil
}

func (sm *ServerManager) shutdown(ctx context.Context) {
	sm.shutdownOnce.Do(func() {
		sm.logger.Log(ctx, log.LevelInfo, "shutting down",
			log.Duration("timeout", sm.shutdownTimeout))

		if err := sm.app.ShutdownWithTimeout(sm.shutdownTimeout); err != nil {
			sm.logger.Log(ctx, log.LevelWarn, "http server shutdown failed", log.Err(err))
		}

		for _, cleanup := range sm.cleanups {
			cleanup()
		}

		sm.telemetry.Shutdown()

		syncCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = sm.logger.Sync(syncCtx)
	})
}
