// Package parse decodes the text output of adb and the on-device tools it drives.
// Every function is pure and tolerant of noise lines.
package parse

import (
	"strings"
)

// ADBStateDevice is the `adb devices` state of a reachable, authorized device.
const ADBStateDevice = "device"

// ADBDevice is one line of `adb devices` output.
type ADBDevice struct {
	Serial string
	State  string
}

// Online reports whether adb can talk to the device.
func (d ADBDevice) Online() bool {
	return d.State == ADBStateDevice
}

// ParseADBDevices decodes `adb devices` output. The header line and daemon
// chatter are skipped; a line without a state gets "unknown".
func ParseADBDevices(out string) []ADBDevice {
	var devices []ADBDevice
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r ")
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		serial, state, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		serial = strings.TrimSpace(serial)
		state = strings.TrimSpace(state)
		if serial == "" {
			continue
		}
		if state == "" {
			state = "unknown"
		}
		devices = append(devices, ADBDevice{Serial: serial, State: state})
	}
	return devices
}

// DisplayName picks the friendly name for an ADB device: the controller alias,
// then the controller name, skipping the generic "BlueZ ..." defaults.
func DisplayName(controller BluetoothController, serial string) string {
	if controller.Alias != "" && !strings.HasPrefix(controller.Alias, "BlueZ") {
		return controller.Alias
	}
	if controller.Name != "" && !strings.HasPrefix(controller.Name, "BlueZ") {
		return controller.Name
	}
	return "Camera Device " + serial
}
