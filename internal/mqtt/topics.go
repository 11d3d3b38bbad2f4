package mqtt

import "strings"

// Topics builds the topic names under a common prefix.
type Topics struct {
	Prefix string
}

// Status is the availability topic carrying "online" or "offline".
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// State is the retained state topic of a device.
func (t Topics) State(deviceID string) string {
	return t.Prefix + "/" + deviceID + "/state"
}

// AllCommands matches the command topic of every device.
func (t Topics) AllCommands() string {
	return t.Prefix + "/+/set"
}

// DeviceFromCommand extracts the device id from a command topic.
func (t Topics) DeviceFromCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
