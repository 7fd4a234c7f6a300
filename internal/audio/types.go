package audio

import "github.com/oszuidwest/zwfm-speechgate/internal/types"

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier passed to the capture command.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}

// AudioDevices returns the available devices in their wire representation.
func AudioDevices() []types.AudioDevice {
	devices := Devices()
	out := make([]types.AudioDevice, len(devices))
	for i, d := range devices {
		out[i] = types.AudioDevice{ID: d.ID, Name: d.Name}
	}
	return out
}
