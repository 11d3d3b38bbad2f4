package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/config"
	"github.com/dokzlo13/dsbridge/internal/eventbus"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Bus decouples accessory state changes from their consumers
	Bus *eventbus.Bus

	Controller *ControllerService
	MQTT       *MQTTService
	Health     *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// A single worker keeps per-device publish order
	s.Bus = eventbus.NewWithConfig(1, cfg.EventBus.GetQueueSize())
	s.Bus.Subscribe(eventbus.EventStateChanged, logStateChange)

	s.Controller = NewControllerService(cfg, s.Bus)
	s.MQTT = NewMQTTService(cfg, s.Bus)
	s.Health = NewHealthService(cfg, s.Controller.Ready, s.Controller.Accessories)

	return s, nil
}

func logStateChange(e eventbus.Event) {
	acc, ok := e.Data.(accessory.Accessory)
	if !ok {
		return
	}
	state, _ := acc.State()
	log.Debug().
		Str("device_id", acc.DeviceID()).
		Str("name", acc.Name()).
		Interface("state", state).
		Msg("Accessory state changed")
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the
// event channel giving up).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Validate certificate, discover devices
	if err := s.Controller.Start(ctx); err != nil {
		return err
	}

	// Bridge must subscribe before the first state arrives
	if err := s.MQTT.Start(ctx, s.Controller.Accessories()); err != nil {
		s.Close()
		return err
	}

	s.Controller.StartBackground(ctx, onFatalError)
	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Controller != nil {
		s.Controller.Close()
	}

	// Drain pending state publishes before the broker goes away
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}

	if s.MQTT != nil {
		s.MQTT.Close()
	}
}
