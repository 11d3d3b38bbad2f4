package accessory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dokzlo13/dsbridge/internal/ds"
)

// Shade is a positional shade or blind. Position is in percent open.
type Shade struct {
	deviceID  string
	name      string
	commander Commander

	mu       sync.Mutex
	position float64
	target   float64
	moving   bool
	known    bool
	onChange func(Accessory)
}

// NewShade creates a shade handler
func NewShade(deviceID, name string, commander Commander) *Shade {
	return &Shade{
		deviceID:  deviceID,
		name:      name,
		commander: commander,
	}
}

func (s *Shade) DeviceID() string { return s.deviceID }
func (s *Shade) Name() string     { return s.name }
func (s *Shade) Kind() Kind       { return KindShade }

// OnChange sets the delta callback.
func (s *Shade) OnChange(fn func(Accessory)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// UpdateState applies the shade position output.
func (s *Shade) UpdateState(status ds.DeviceStatus) error {
	out, ok := status.Output(OutputShadePosition)
	if !ok {
		return fmt.Errorf("device %s: no %q output in status", s.deviceID, OutputShadePosition)
	}

	moving := out.Status == ds.OutputStatusMoving

	s.mu.Lock()
	changed := !s.known || s.position != out.Value || s.target != out.TargetValue || s.moving != moving
	s.position = out.Value
	s.target = out.TargetValue
	s.moving = moving
	s.known = true
	cb := s.onChange
	s.mu.Unlock()

	if changed && cb != nil {
		cb(s)
	}
	return nil
}

// State returns the cached state
func (s *Shade) State() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position := s.position
	target := s.target
	moving := s.moving
	return State{Position: &position, TargetPosition: &target, Moving: &moving}, s.known
}

// SetTargetPosition moves the shade.
func (s *Shade) SetTargetPosition(ctx context.Context, position float64) bool {
	return s.commander.SetOutput(ctx, s.deviceID, OutputShadePosition, clampPercent(position))
}

// Execute applies a position command. On/off map to fully open/closed.
func (s *Shade) Execute(ctx context.Context, cmd Command) bool {
	switch {
	case cmd.Position != nil:
		return s.SetTargetPosition(ctx, *cmd.Position)
	case cmd.On != nil && *cmd.On:
		return s.SetTargetPosition(ctx, 100)
	case cmd.On != nil:
		return s.SetTargetPosition(ctx, 0)
	}
	return true
}
