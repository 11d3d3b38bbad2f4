package app

import (
	"context"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/config"
	"github.com/dokzlo13/dsbridge/internal/eventbus"
	"github.com/dokzlo13/dsbridge/internal/mqtt"
)

// MQTTService exposes accessories on the MQTT broker when enabled.
type MQTTService struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	Bridge *mqtt.Bridge
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, bus *eventbus.Bus) *MQTTService {
	return &MQTTService{cfg: cfg, bus: bus}
}

// Start connects the bridge and subscribes it to state changes.
func (s *MQTTService) Start(ctx context.Context, accessories []accessory.Accessory) error {
	if !s.cfg.MQTT.Enabled {
		return nil
	}

	m := s.cfg.MQTT
	s.Bridge = mqtt.NewBridge(mqtt.Config{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         byte(m.QoS),
	}, accessories)
	s.bus.Subscribe(eventbus.EventStateChanged, s.Bridge.HandleStateChanged)

	return s.Bridge.Connect(ctx)
}

// Close publishes offline status and disconnects.
func (s *MQTTService) Close() {
	if s.Bridge != nil {
		s.Bridge.Close()
	}
}
