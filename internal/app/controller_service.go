package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/config"
	"github.com/dokzlo13/dsbridge/internal/ds"
	"github.com/dokzlo13/dsbridge/internal/eventbus"
	"github.com/dokzlo13/dsbridge/internal/statesync"
)

const syncListenerKey = "statesync"

// ControllerService wraps all controller-related components: client, event
// channel, synchronizer and the discovered accessories.
type ControllerService struct {
	cfg *config.Config
	bus *eventbus.Bus

	TrustAnchor  *ds.TrustAnchor
	Client       *ds.Client
	Channel      *ds.Channel
	Synchronizer *statesync.Synchronizer

	mu          sync.RWMutex
	accessories []accessory.Accessory
}

// NewControllerService creates the service. Nothing touches the network
// until Start. State changes are published to bus when it is not nil.
func NewControllerService(cfg *config.Config, bus *eventbus.Bus) *ControllerService {
	return &ControllerService{cfg: cfg, bus: bus}
}

// Start validates the controller certificate, builds the client and
// discovers accessories.
func (s *ControllerService) Start(ctx context.Context) error {
	c := s.cfg.Controller

	if c.DisableCertificateValidation {
		log.Warn().
			Str("host", c.Host).
			Msg("Certificate validation is DISABLED, any certificate presented by the controller is accepted")
	} else {
		anchor, err := ds.ValidateCertificate(ctx, c.Host, c.APIPort, c.Fingerprint)
		if err != nil {
			logCertificateError(err, c.Host)
			return err
		}
		s.TrustAnchor = anchor
	}

	s.Client = ds.NewClient(ds.ClientConfig{
		Host:             c.Host,
		Port:             c.APIPort,
		Token:            c.Token,
		Auth:             ds.AuthMode(c.Auth),
		Timeout:          c.Timeout.Duration(),
		CommandRateLimit: c.CommandRateLimit,
		TrustAnchor:      s.TrustAnchor,
	})

	apartment, err := s.Client.GetApartment(ctx)
	if err != nil {
		if errors.Is(err, ds.ErrUnauthorized) {
			log.Error().Str("host", c.Host).Msg("Controller rejected the configured token, check controller.token and controller.auth")
		}
		return fmt.Errorf("discover devices: %w", err)
	}

	interval := s.cfg.Sync.Interval.Duration()
	if interval < 0 {
		interval = 0
	}
	s.Synchronizer = statesync.New(s.Client, s.cfg.Sync.Notification, interval)

	accessories := accessory.Discover(apartment, s.Client)
	for _, acc := range accessories {
		s.Synchronizer.Register(acc)
		if s.bus != nil {
			acc.OnChange(s.publishChange)
		}
	}
	s.mu.Lock()
	s.accessories = accessories
	s.mu.Unlock()

	log.Info().
		Str("host", c.Host).
		Int("devices", len(apartment.Included.DSDevices)).
		Int("accessories", len(accessories)).
		Msg("Connected to controller")

	s.Channel = ds.NewChannel(ds.ChannelConfig{
		Host:              c.Host,
		Port:              c.EventPort,
		Path:              c.EventPath,
		TLSConfig:         ds.TLSConfigFor(s.TrustAnchor),
		Auth:              s.Client,
		HeartbeatInterval: c.HeartbeatInterval.Duration(),
		PongTimeout:       c.PongTimeout.Duration(),
		MinBackoff:        c.MinRetryBackoff.Duration(),
		MaxBackoff:        c.MaxRetryBackoff.Duration(),
		Multiplier:        c.RetryMultiplier,
		MaxRetries:        c.MaxRetries,
		KnownCommands:     []string{s.cfg.Sync.Notification},
	})
	s.Channel.AddListener(syncListenerKey, s.Synchronizer.Listener())
	// Notifications may have been missed while disconnected
	s.Channel.SetOnConnect(s.Synchronizer.Trigger)

	return nil
}

func (s *ControllerService) publishChange(acc accessory.Accessory) {
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.EventStateChanged,
		DeviceID: acc.DeviceID(),
		Data:     acc,
	})
}

func logCertificateError(err error, host string) {
	switch {
	case errors.Is(err, ds.ErrInvalidFingerprintFormat):
		log.Error().Err(err).Msg("controller.fingerprint must be 64 hex characters (colons allowed)")
	case errors.Is(err, ds.ErrCertificateUnavailable):
		log.Error().Err(err).Str("host", host).Msg("Could not retrieve the controller certificate, check host and api_port")
	case errors.Is(err, ds.ErrCertificateMismatch):
		log.Error().Err(err).Str("host", host).Msg("Controller certificate does not match the pinned fingerprint, refusing to connect")
	default:
		log.Error().Err(err).Msg("Certificate validation failed")
	}
}

// StartBackground starts the event channel and the synchronizer.
// onFatalError is called when the channel gives up reconnecting.
func (s *ControllerService) StartBackground(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.Channel.Run(ctx); err != nil {
			if errors.Is(err, ds.ErrChannelGivenUp) {
				log.Error().Msg("Event channel: max retries exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Event channel error")
			}
		}
	}()

	go s.Synchronizer.Run(ctx)

	// Initial state, independent of the channel coming up
	s.Synchronizer.Trigger()
}

// Accessories returns the discovered accessories.
func (s *ControllerService) Accessories() []accessory.Accessory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessories
}

// Ready reports readiness: the event channel must be connected.
func (s *ControllerService) Ready() (bool, string) {
	if s.Channel == nil {
		return false, "starting"
	}
	if state := s.Channel.State(); state != ds.StateConnected {
		return false, "event channel " + string(state)
	}
	return true, ""
}

// Close tears down the channel and the client.
func (s *ControllerService) Close() {
	if s.Channel != nil {
		if err := s.Channel.Close(); err != nil {
			log.Debug().Err(err).Msg("Event channel close")
		}
	}
	if s.Client != nil {
		s.Client.Close()
	}
}

