package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dsbridge/internal/ds"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeCommander) record(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return !f.fail
}

func (f *fakeCommander) TurnOn(_ context.Context, deviceID string) bool {
	return f.record("on " + deviceID)
}

func (f *fakeCommander) TurnOff(_ context.Context, deviceID string) bool {
	return f.record("off " + deviceID)
}

func (f *fakeCommander) SetOutput(_ context.Context, deviceID, outputID string, value float64) bool {
	return f.record(fmt.Sprintf("set %s %s %g", deviceID, outputID, value))
}

func deviceStatus(t *testing.T, id string, outputs string) ds.DeviceStatus {
	t.Helper()
	var status ds.DeviceStatus
	raw := fmt.Sprintf(`{"id":%q,"attributes":{"functionBlocks":[{"outputs":%s}]}}`, id, outputs)
	require.NoError(t, json.Unmarshal([]byte(raw), &status))
	return status
}

func TestDiscover(t *testing.T) {
	var apartment ds.Apartment
	require.NoError(t, json.Unmarshal([]byte(`{"included":{"dsDevices":[
		{"id":"l1","attributes":{"name":"Ceiling","functionBlocks":[{"technicalName":"GE-KM200","outputs":[{"id":"brightness","mode":"gradual"}]}]}},
		{"id":"s1","attributes":{"name":"Blind","functionBlocks":[{"technicalName":"GR-KL200","outputs":[{"id":"shadePositionOutside"}]}]}},
		{"id":"l2","attributes":{"name":"Unknown family","functionBlocks":[{"technicalName":"XX","outputs":[{"id":"brightness","mode":"switched"}]}]}},
		{"id":"b1","attributes":{"name":"Button","functionBlocks":[{"technicalName":"TK-TKM210","buttonInputs":[{"id":"b"}]}]}},
		{"id":"e1","attributes":{"name":"Empty","functionBlocks":[]}},
		{"id":"g1","attributes":{"name":"Light family, no output","functionBlocks":[{"technicalName":"GE-SDS200","outputs":[{"id":"other"}]}]}}
	]}}`), &apartment))

	accessories := Discover(&apartment, &fakeCommander{})
	require.Len(t, accessories, 3)

	assert.Equal(t, "l1", accessories[0].DeviceID())
	assert.Equal(t, KindLight, accessories[0].Kind())
	assert.Equal(t, "Ceiling", accessories[0].Name())

	assert.Equal(t, "s1", accessories[1].DeviceID())
	assert.Equal(t, KindShade, accessories[1].Kind())

	assert.Equal(t, "l2", accessories[2].DeviceID())
	assert.Equal(t, KindLight, accessories[2].Kind())
	assert.Equal(t, ds.OutputModeSwitched, accessories[2].(*Light).mode)
}

func TestLight_UpdateStateNotifiesOnlyOnChange(t *testing.T) {
	light := NewLight("l1", "Ceiling", ds.OutputModeGradual, &fakeCommander{})
	notified := 0
	light.OnChange(func(Accessory) { notified++ })

	_, known := light.State()
	assert.False(t, known)

	require.NoError(t, light.UpdateState(deviceStatus(t, "l1", `[{"id":"brightness","value":60}]`)))
	require.NoError(t, light.UpdateState(deviceStatus(t, "l1", `[{"id":"brightness","value":60}]`)))
	assert.Equal(t, 1, notified)

	state, known := light.State()
	require.True(t, known)
	assert.True(t, *state.On)
	assert.Equal(t, 60.0, *state.Brightness)
	assert.Nil(t, state.Position)

	require.NoError(t, light.UpdateState(deviceStatus(t, "l1", `[{"id":"brightness","value":0}]`)))
	assert.Equal(t, 2, notified)
	state, _ = light.State()
	assert.False(t, *state.On)
}

func TestLight_MissingOutputKeepsCache(t *testing.T) {
	light := NewLight("l1", "Ceiling", ds.OutputModeGradual, &fakeCommander{})
	require.NoError(t, light.UpdateState(deviceStatus(t, "l1", `[{"id":"brightness","value":25}]`)))

	err := light.UpdateState(deviceStatus(t, "l1", `[{"id":"somethingElse","value":99}]`))
	assert.Error(t, err)

	state, _ := light.State()
	assert.Equal(t, 25.0, *state.Brightness)
}

func TestLight_Commands(t *testing.T) {
	tests := []struct {
		name     string
		mode     ds.OutputMode
		cmd      Command
		expected string
	}{
		{name: "on", mode: ds.OutputModeGradual, cmd: Command{On: boolPtr(true)}, expected: "on l1"},
		{name: "off", mode: ds.OutputModeGradual, cmd: Command{On: boolPtr(false)}, expected: "off l1"},
		{name: "dim", mode: ds.OutputModeGradual, cmd: Command{Brightness: floatPtr(35)}, expected: "set l1 brightness 35"},
		{name: "dim_clamped", mode: ds.OutputModeGradual, cmd: Command{Brightness: floatPtr(140)}, expected: "set l1 brightness 100"},
		{name: "switched_rounds_up", mode: ds.OutputModeSwitched, cmd: Command{Brightness: floatPtr(35)}, expected: "set l1 brightness 100"},
		{name: "switched_zero", mode: ds.OutputModeSwitched, cmd: Command{Brightness: floatPtr(-5)}, expected: "set l1 brightness 0"},
		{name: "brightness_wins", mode: ds.OutputModeGradual, cmd: Command{On: boolPtr(true), Brightness: floatPtr(10)}, expected: "set l1 brightness 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commander := &fakeCommander{}
			light := NewLight("l1", "Ceiling", tt.mode, commander)

			assert.True(t, light.Execute(context.Background(), tt.cmd))
			assert.Equal(t, []string{tt.expected}, commander.calls)
		})
	}
}

func TestLight_CommandFailureReported(t *testing.T) {
	light := NewLight("l1", "Ceiling", ds.OutputModeGradual, &fakeCommander{fail: true})
	assert.False(t, light.SetOn(context.Background(), true))
}

func TestShade_UpdateState(t *testing.T) {
	shade := NewShade("s1", "Blind", &fakeCommander{})
	var changed []State
	shade.OnChange(func(a Accessory) {
		state, _ := a.State()
		changed = append(changed, state)
	})

	require.NoError(t, shade.UpdateState(deviceStatus(t, "s1",
		`[{"id":"shadePositionOutside","value":20,"targetValue":80,"status":"moving"}]`)))
	require.NoError(t, shade.UpdateState(deviceStatus(t, "s1",
		`[{"id":"shadePositionOutside","value":20,"targetValue":80,"status":"moving"}]`)))
	require.NoError(t, shade.UpdateState(deviceStatus(t, "s1",
		`[{"id":"shadePositionOutside","value":80,"targetValue":80,"status":"idle"}]`)))

	require.Len(t, changed, 2)
	assert.Equal(t, 20.0, *changed[0].Position)
	assert.Equal(t, 80.0, *changed[0].TargetPosition)
	assert.True(t, *changed[0].Moving)
	assert.Equal(t, 80.0, *changed[1].Position)
	assert.False(t, *changed[1].Moving)
	assert.Nil(t, changed[1].On)
}

func TestShade_Commands(t *testing.T) {
	commander := &fakeCommander{}
	shade := NewShade("s1", "Blind", commander)
	ctx := context.Background()

	assert.True(t, shade.Execute(ctx, Command{Position: floatPtr(45)}))
	assert.True(t, shade.Execute(ctx, Command{On: boolPtr(true)}))
	assert.True(t, shade.Execute(ctx, Command{On: boolPtr(false)}))
	assert.True(t, shade.SetTargetPosition(ctx, -10))

	assert.Equal(t, []string{
		"set s1 shadePositionOutside 45",
		"set s1 shadePositionOutside 100",
		"set s1 shadePositionOutside 0",
		"set s1 shadePositionOutside 0",
	}, commander.calls)
}

func boolPtr(b bool) *bool {
	return &b
}

func floatPtr(f float64) *float64 {
	return &f
}
