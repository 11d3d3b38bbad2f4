package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/config"
)

// App owns the bridge services and decides when the process stops: on a
// signal, or on the first fatal error reported by a background component.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc

	fatalMu sync.Mutex
	fatal   error
}

// New builds the services without touching the network.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start validates the controller, discovers accessories and launches the
// background components. A startup failure leaves nothing running.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx, a.fail); err != nil {
		a.cancel()
		return err
	}

	log.Info().
		Int("accessories", len(a.services.Controller.Accessories())).
		Bool("mqtt", a.cfg.MQTT.Enabled).
		Bool("healthcheck", a.cfg.Healthcheck.Enabled).
		Msg("dsbridge started")
	return nil
}

// fail keeps the first fatal cause and stops the app.
func (a *App) fail(err error) {
	a.fatalMu.Lock()
	first := a.fatal == nil
	if first {
		a.fatal = err
	}
	a.fatalMu.Unlock()

	if first {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
	}
	a.cancel()
}

// Stop tears the services down in reverse start order.
func (a *App) Stop() error {
	reason := "signal"
	if err := a.Err(); err != nil {
		reason = err.Error()
	}
	log.Info().Str("reason", reason).Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	start := time.Now()
	var err error
	if a.services != nil {
		err = a.services.Stop()
	}
	log.Info().Dur("took", time.Since(start)).Msg("Shutdown complete")
	return err
}

// Wait blocks until a signal arrives or a fatal error is reported.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Err returns the fatal error that stopped the application, if any.
func (a *App) Err() error {
	a.fatalMu.Lock()
	defer a.fatalMu.Unlock()
	return a.fatal
}

// SignalContext is cancelled on the first SIGINT or SIGTERM. A second signal
// exits immediately in case shutdown hangs.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		sig = <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Second signal, exiting without cleanup")
		os.Exit(130)
	}()

	return ctx
}
