package parse

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	btDeviceRe = regexp.MustCompile(`^Device\s+([0-9A-Fa-f:]{17})`)
	btKVRe     = regexp.MustCompile(`^(\w[\w\s]+?):\s*(.*)$`)
	btUUIDRe   = regexp.MustCompile(`^UUID:\s*(.*?)\s*\(([0-9a-fA-F-]{4,})\)\s*$|^UUID:\s*([0-9a-fA-F-]{4,})\s*(?:\((.*?)\))?\s*$`)
)

// BluetoothController is the decoded output of `bluetoothctl show`.
type BluetoothController struct {
	Name    string `json:"name,omitempty"`
	Alias   string `json:"alias,omitempty"`
	Powered bool   `json:"powered"`
}

// ParseBluetoothController decodes `bluetoothctl show`.
func ParseBluetoothController(out string) BluetoothController {
	var c BluetoothController
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "Name":
			c.Name = val
		case "Alias":
			c.Alias = val
		case "Powered":
			c.Powered = strings.EqualFold(val, "yes")
		}
	}
	return c
}

// BluetoothPeer is one `Device <MAC> <name>` line of `bluetoothctl devices`.
type BluetoothPeer struct {
	MAC  string `json:"mac"`
	Name string `json:"name"`
}

// ParseBluetoothDeviceList decodes `bluetoothctl devices [Connected|Paired]`.
func ParseBluetoothDeviceList(out string) []BluetoothPeer {
	var peers []BluetoothPeer
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "Device ") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		name := "Unknown"
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			name = strings.TrimSpace(parts[2])
		}
		peers = append(peers, BluetoothPeer{MAC: parts[1], Name: name})
	}
	return peers
}

// BluetoothUUID is a service advertised by a peripheral.
type BluetoothUUID struct {
	UUID string `json:"uuid"`
	Desc string `json:"desc,omitempty"`
}

// BluetoothInfo is the decoded output of `bluetoothctl info <MAC>`.
// Pointer fields stay nil when the line is absent.
type BluetoothInfo struct {
	MAC              string            `json:"mac,omitempty"`
	Name             string            `json:"name,omitempty"`
	Alias            string            `json:"alias,omitempty"`
	Class            string            `json:"class,omitempty"`
	Icon             string            `json:"icon,omitempty"`
	Connected        *bool             `json:"connected"`
	Paired           *bool             `json:"paired"`
	Trusted          *bool             `json:"trusted"`
	Blocked          *bool             `json:"blocked"`
	RSSI             *int              `json:"rssi"`
	TxPower          *int              `json:"tx_power"`
	Modalias         string            `json:"modalias,omitempty"`
	ServicesResolved *bool             `json:"services_resolved"`
	UUIDs            []BluetoothUUID   `json:"uuids"`
	ManufacturerData map[string]string `json:"manufacturer_data"`
}

// IsConnected reports a positive Connected line.
func (i BluetoothInfo) IsConnected() bool {
	return i.Connected != nil && *i.Connected
}

// ParseBluetoothInfo decodes `bluetoothctl info <MAC>`.
func ParseBluetoothInfo(out string) BluetoothInfo {
	info := BluetoothInfo{
		UUIDs:            []BluetoothUUID{},
		ManufacturerData: map[string]string{},
	}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := btDeviceRe.FindStringSubmatch(line); m != nil {
			info.MAC = m[1]
			continue
		}

		if m := btUUIDRe.FindStringSubmatch(line); m != nil {
			// bluez prints "UUID: Audio Sink (0000110b-...)"; older builds put the id first.
			if m[2] != "" {
				info.UUIDs = append(info.UUIDs, BluetoothUUID{UUID: m[2], Desc: m[1]})
			} else {
				info.UUIDs = append(info.UUIDs, BluetoothUUID{UUID: m[3], Desc: m[4]})
			}
			continue
		}

		m := btKVRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		val := strings.TrimSpace(m[2])

		switch strings.ReplaceAll(strings.ToLower(key), " ", "_") {
		case "name":
			info.Name = val
		case "alias":
			info.Alias = val
		case "class":
			info.Class = val
		case "icon":
			info.Icon = val
		case "connected":
			info.Connected = yesNo(val)
		case "paired":
			info.Paired = yesNo(val)
		case "trusted":
			info.Trusted = yesNo(val)
		case "blocked":
			info.Blocked = yesNo(val)
		case "rssi":
			info.RSSI = leadingInt(val)
		case "txpower", "tx_power":
			info.TxPower = leadingInt(val)
		case "modalias":
			info.Modalias = val
		case "servicesresolved", "services_resolved":
			info.ServicesResolved = yesNo(val)
		default:
			if strings.HasPrefix(key, "ManufacturerData") || strings.HasPrefix(key, "Manufacturer Data") {
				fields := strings.SplitN(val, " ", 2)
				if fields[0] != "" {
					data := ""
					if len(fields) == 2 {
						data = strings.TrimSpace(fields[1])
					}
					info.ManufacturerData[fields[0]] = data
				}
			}
		}
	}
	return info
}

func yesNo(val string) *bool {
	b := strings.EqualFold(val, "yes")
	return &b
}

// leadingInt reads "-60", "0xffffffc4 (-60)" style values; the decimal in
// parentheses wins when present.
func leadingInt(val string) *int {
	if open := strings.Index(val, "("); open >= 0 {
		if end := strings.Index(val[open:], ")"); end > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(val[open+1 : open+end])); err == nil {
				return &n
			}
		}
	}
	if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
		return &n
	}
	return nil
}
