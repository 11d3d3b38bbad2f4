// Package accessory contains the device handlers for the two supported
// output types: dimmable lights and positional shades.
package accessory

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/ds"
)

// Kind identifies the accessory type.
type Kind string

const (
	KindLight Kind = "light"
	KindShade Kind = "shade"
)

// Output ids and device family codes recognized during discovery.
const (
	OutputBrightness    = "brightness"
	OutputShadePosition = "shadePositionOutside"

	familyLight = "GE" // yellow group: lights
	familyShade = "GR" // gray group: shades and blinds
)

// Commander issues device commands. Failures are logged by the
// implementation; the next status cycle confirms the result.
type Commander interface {
	TurnOn(ctx context.Context, deviceID string) bool
	TurnOff(ctx context.Context, deviceID string) bool
	SetOutput(ctx context.Context, deviceID, outputID string, value float64) bool
}

// State is the externally visible state of an accessory. Fields that do
// not apply to the accessory kind are nil.
type State struct {
	On             *bool    `json:"on,omitempty"`
	Brightness     *float64 `json:"brightness,omitempty"`
	Position       *float64 `json:"position,omitempty"`
	TargetPosition *float64 `json:"target_position,omitempty"`
	Moving         *bool    `json:"moving,omitempty"`
}

// Command is a requested change coming from the bridge surface.
type Command struct {
	On         *bool    `json:"on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Position   *float64 `json:"position,omitempty"`
}

// Accessory is a device handler exposed to the bridge surface.
type Accessory interface {
	DeviceID() string
	Name() string
	Kind() Kind
	// UpdateState applies a device status entry to the cache and notifies
	// the change callback when something actually changed.
	UpdateState(status ds.DeviceStatus) error
	// State returns the cached state and whether any status was applied yet.
	State() (State, bool)
	// Execute performs a command; it reports whether all calls succeeded.
	Execute(ctx context.Context, cmd Command) bool
	OnChange(fn func(Accessory))
}

// Discover builds accessories for every supported device in the apartment.
func Discover(apartment *ds.Apartment, commander Commander) []Accessory {
	var accessories []Accessory

	for _, device := range apartment.Included.DSDevices {
		kind, output, ok := classify(device)
		if !ok {
			log.Debug().
				Str("device_id", device.ID).
				Str("name", device.Attributes.Name).
				Msg("Skipping unsupported device")
			continue
		}

		switch kind {
		case KindLight:
			accessories = append(accessories, NewLight(device.ID, device.Attributes.Name, output.Mode, commander))
		case KindShade:
			accessories = append(accessories, NewShade(device.ID, device.Attributes.Name, commander))
		}

		log.Info().
			Str("device_id", device.ID).
			Str("name", device.Attributes.Name).
			Str("kind", string(kind)).
			Msg("Discovered accessory")
	}

	return accessories
}

func classify(device ds.Device) (Kind, ds.Output, bool) {
	for _, fb := range device.Attributes.FunctionBlocks {
		brightness, hasBrightness := findOutput(fb.Outputs, OutputBrightness)
		shade, hasShade := findOutput(fb.Outputs, OutputShadePosition)

		switch fb.FamilyCode() {
		case familyLight:
			if hasBrightness {
				return KindLight, brightness, true
			}
		case familyShade:
			if hasShade {
				return KindShade, shade, true
			}
		default:
			if hasBrightness {
				return KindLight, brightness, true
			}
			if hasShade {
				return KindShade, shade, true
			}
		}
	}
	return "", ds.Output{}, false
}

func findOutput(outputs []ds.Output, id string) (ds.Output, bool) {
	for _, o := range outputs {
		if o.ID == id {
			return o, true
		}
	}
	return ds.Output{}, false
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
