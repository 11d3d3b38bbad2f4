package accessory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dokzlo13/dsbridge/internal/ds"
)

// Light is a dimmable (or switched) light.
type Light struct {
	deviceID  string
	name      string
	mode      ds.OutputMode
	commander Commander

	mu         sync.Mutex
	on         bool
	brightness float64
	known      bool
	onChange   func(Accessory)
}

// NewLight creates a light handler
func NewLight(deviceID, name string, mode ds.OutputMode, commander Commander) *Light {
	return &Light{
		deviceID:  deviceID,
		name:      name,
		mode:      mode,
		commander: commander,
	}
}

func (l *Light) DeviceID() string { return l.deviceID }
func (l *Light) Name() string     { return l.name }
func (l *Light) Kind() Kind       { return KindLight }

// OnChange sets the delta callback.
func (l *Light) OnChange(fn func(Accessory)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// UpdateState applies the brightness output. A value above zero means on.
func (l *Light) UpdateState(status ds.DeviceStatus) error {
	out, ok := status.Output(OutputBrightness)
	if !ok {
		return fmt.Errorf("device %s: no %q output in status", l.deviceID, OutputBrightness)
	}

	on := out.Value > 0

	l.mu.Lock()
	changed := !l.known || l.on != on || l.brightness != out.Value
	l.on = on
	l.brightness = out.Value
	l.known = true
	cb := l.onChange
	l.mu.Unlock()

	if changed && cb != nil {
		cb(l)
	}
	return nil
}

// State returns the cached state
func (l *Light) State() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	on := l.on
	brightness := l.brightness
	return State{On: &on, Brightness: &brightness}, l.known
}

// SetOn switches the light using the on/off scenarios.
func (l *Light) SetOn(ctx context.Context, on bool) bool {
	if on {
		return l.commander.TurnOn(ctx, l.deviceID)
	}
	return l.commander.TurnOff(ctx, l.deviceID)
}

// SetBrightness sets the output value in percent. Switched outputs only
// know fully on and off.
func (l *Light) SetBrightness(ctx context.Context, value float64) bool {
	value = clampPercent(value)
	if l.mode == ds.OutputModeSwitched && value > 0 {
		value = 100
	}
	return l.commander.SetOutput(ctx, l.deviceID, OutputBrightness, value)
}

// Execute applies brightness when given, otherwise the power state.
func (l *Light) Execute(ctx context.Context, cmd Command) bool {
	switch {
	case cmd.Brightness != nil:
		return l.SetBrightness(ctx, *cmd.Brightness)
	case cmd.On != nil:
		return l.SetOn(ctx, *cmd.On)
	}
	return true
}
