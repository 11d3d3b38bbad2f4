// Package statesync turns change notifications into full status fetches and
// fans the snapshot out to device handlers.
package statesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/ds"
	"github.com/dokzlo13/dsbridge/internal/metrics"
)

// DefaultNotification is the command that announces a status change.
const DefaultNotification = "apartmentStatusChanged"

// Handler owns the cached state of one device.
type Handler interface {
	DeviceID() string
	UpdateState(status ds.DeviceStatus) error
}

// StatusSource fetches live status snapshots.
type StatusSource interface {
	GetApartmentStatus(ctx context.Context) (*ds.ApartmentStatus, error)
}

// Synchronizer fetches a snapshot per cycle and hands each device its
// entry. It never touches channel or session state.
//
// Cycles are serialized: triggers that arrive while a cycle runs collapse
// into a single follow-up cycle.
type Synchronizer struct {
	source       StatusSource
	notification string
	interval     time.Duration

	mu       sync.RWMutex
	handlers []Handler

	trigger chan struct{}
}

// New creates a synchronizer. interval enables a periodic fallback cycle
// (0 = push-triggered only).
func New(source StatusSource, notification string, interval time.Duration) *Synchronizer {
	if notification == "" {
		notification = DefaultNotification
	}
	return &Synchronizer{
		source:       source,
		notification: notification,
		interval:     interval,
		trigger:      make(chan struct{}, 1),
	}
}

// Register adds a device handler.
func (s *Synchronizer) Register(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Handlers returns the number of registered handlers.
func (s *Synchronizer) Handlers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Listener returns an event channel listener that triggers a cycle on the
// recognized notification and ignores everything else. It never blocks.
func (s *Synchronizer) Listener() ds.Listener {
	return func(msg ds.Message) error {
		if msg.Command != s.notification {
			return nil
		}
		log.Debug().Str("command", msg.Command).Msg("Status change notification")
		s.Trigger()
		return nil
	}
}

// Trigger schedules a cycle.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Run executes triggered (and periodic) cycles until ctx is cancelled. A
// cycle already running when ctx is cancelled completes first.
func (s *Synchronizer) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-tick:
		}
		if ctx.Err() != nil {
			return
		}

		// Shutdown stops new cycles but lets an in-flight fetch finish,
		// bounded by the client's request timeout
		if err := s.Sync(context.WithoutCancel(ctx)); err != nil {
			log.Debug().Err(err).Msg("Synchronization cycle skipped")
		}
	}
}

// Sync runs one cycle: fetch, then fan out. A fetch failure skips the
// cycle and leaves every handler untouched.
func (s *Synchronizer) Sync(ctx context.Context) error {
	cycleID := uuid.NewString()
	start := time.Now()

	status, err := s.source.GetApartmentStatus(ctx)
	if err != nil {
		metrics.SyncCycles.WithLabelValues("fetch_failed").Inc()
		return fmt.Errorf("cycle %s: %w", cycleID, err)
	}

	applied, skipped := s.Apply(status)
	metrics.SyncCycles.WithLabelValues("ok").Inc()

	log.Debug().
		Str("cycle_id", cycleID).
		Int("applied", applied).
		Int("skipped", skipped).
		Dur("took", time.Since(start)).
		Msg("Synchronization cycle complete")

	return nil
}

// Apply delivers status to every handler. Devices whose outputs are missing
// from the snapshot are skipped so their cached values stay authoritative.
// Handler failures are logged and do not affect other handlers.
func (s *Synchronizer) Apply(status *ds.ApartmentStatus) (applied, skipped int) {
	s.mu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		id := h.DeviceID()

		device, ok := status.Device(id)
		if !ok || len(device.Outputs()) == 0 {
			skipped++
			metrics.SyncSkippedDevices.Inc()
			log.Debug().Str("device_id", id).Msg("Snapshot has no outputs for device, keeping cached state")
			continue
		}

		if err := update(h, device); err != nil {
			metrics.SyncHandlerErrors.Inc()
			log.Error().Err(err).Str("device_id", id).Msg("Device handler failed to apply status")
			continue
		}
		applied++
	}
	return applied, skipped
}

func update(h Handler, device ds.DeviceStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.UpdateState(device)
}
