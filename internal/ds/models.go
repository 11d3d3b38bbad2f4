package ds

// Apartment is the device topology returned by the structure endpoint.
type Apartment struct {
	Included struct {
		DSDevices []Device `json:"dsDevices"`
	} `json:"included"`
}

// Device represents an addressable controller device
type Device struct {
	ID         string `json:"id"`
	Attributes struct {
		Name           string          `json:"name"`
		FunctionBlocks []FunctionBlock `json:"functionBlocks"`
	} `json:"attributes"`
}

// FunctionBlock is the controllable part of a device.
type FunctionBlock struct {
	ID            string        `json:"id"`
	TechnicalName string        `json:"technicalName"` // e.g. "GE-KM200"
	Outputs       []Output      `json:"outputs,omitempty"`
	ButtonInputs  []ButtonInput `json:"buttonInputs,omitempty"`
	SensorInputs  []SensorInput `json:"sensorInputs,omitempty"`
}

// FamilyCode returns the two-letter type prefix of the technical name.
func (f FunctionBlock) FamilyCode() string {
	if len(f.TechnicalName) < 2 {
		return ""
	}
	return f.TechnicalName[:2]
}

// OutputMode tells stepped outputs from continuous ones.
type OutputMode string

const (
	OutputModeSwitched OutputMode = "switched"
	OutputModeGradual  OutputMode = "gradual"
)

// Output describes a controllable channel
type Output struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type string     `json:"type"`
	Mode OutputMode `json:"mode"`
}

// ButtonInput describes a push button on a device
type ButtonInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SensorInput describes a sensor on a device
type SensorInput struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ApartmentStatus is one live state snapshot. Each fetch replaces the
// previous one entirely.
type ApartmentStatus struct {
	Included struct {
		DSDevices []DeviceStatus `json:"dsDevices"`
	} `json:"included"`
}

// Device returns the status entry for id, if present.
func (s *ApartmentStatus) Device(id string) (DeviceStatus, bool) {
	for _, d := range s.Included.DSDevices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceStatus{}, false
}

// DeviceStatus is the live state of one device
type DeviceStatus struct {
	ID         string `json:"id"`
	Attributes struct {
		FunctionBlocks []FunctionBlockStatus `json:"functionBlocks"`
	} `json:"attributes"`
}

// Outputs returns the output array of the first function block, or nil
// when the controller omitted it (typically during maintenance).
func (d DeviceStatus) Outputs() []OutputStatus {
	if len(d.Attributes.FunctionBlocks) == 0 {
		return nil
	}
	return d.Attributes.FunctionBlocks[0].Outputs
}

// Output returns the status of the named output.
func (d DeviceStatus) Output(id string) (OutputStatus, bool) {
	for _, o := range d.Outputs() {
		if o.ID == id {
			return o, true
		}
	}
	return OutputStatus{}, false
}

// FunctionBlockStatus holds output states of one function block
type FunctionBlockStatus struct {
	ID      string         `json:"id,omitempty"`
	Outputs []OutputStatus `json:"outputs,omitempty"`
}

// Output status tags reported by the controller.
const (
	OutputStatusIdle   = "idle"
	OutputStatusMoving = "moving"
	OutputStatusError  = "error"
)

// OutputStatus is the current and target value of one output
type OutputStatus struct {
	ID          string  `json:"id"`
	Value       float64 `json:"value"`
	TargetValue float64 `json:"targetValue"`
	Status      string  `json:"status,omitempty"`
}

// patchOperation is one entry of a JSON-Patch style status update.
type patchOperation struct {
	Op    string  `json:"op"`
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

// loginResponse is returned by the legacy login endpoint.
type loginResponse struct {
	OK     *bool  `json:"ok,omitempty"`
	Result struct {
		Token string `json:"token"`
	} `json:"result"`
	Message string `json:"message,omitempty"`
}

// legacyResult is the envelope legacy endpoints use to report failures.
type legacyResult struct {
	OK      *bool  `json:"ok"`
	Message string `json:"message"`
}
