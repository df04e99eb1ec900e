package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseADBDevices(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected []ADBDevice
	}{
		{
			name: "Online and unauthorized devices",
			raw:  "List of devices attached\nR58M123ABC\tdevice\n192.168.1.20:5555\tunauthorized\n\n",
			expected: []ADBDevice{
				{Serial: "R58M123ABC", State: "device"},
				{Serial: "192.168.1.20:5555", State: "unauthorized"},
			},
		},
		{
			name: "Daemon start chatter and CRLF",
			raw:  "* daemon not running; starting now at tcp:5037\r\n* daemon started successfully\r\nList of devices attached\r\nEMU01\toffline\r\n",
			expected: []ADBDevice{
				{Serial: "EMU01", State: "offline"},
			},
		},
		{
			name:     "No devices",
			raw:      "List of devices attached\n\n",
			expected: nil,
		},
		{
			name:     "Missing state",
			raw:      "List of devices attached\nABC\t\n",
			expected: []ADBDevice{{Serial: "ABC", State: "unknown"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseADBDevices(tc.raw))
		})
	}
}

func TestDisplayName(t *testing.T) {
	testCases := []struct {
		name       string
		controller BluetoothController
		expected   string
	}{
		{"Alias preferred", BluetoothController{Name: "cam-host", Alias: "Front Camera"}, "Front Camera"},
		{"Generic alias falls back to name", BluetoothController{Name: "cam-host", Alias: "BlueZ 5.64"}, "cam-host"},
		{"Both generic", BluetoothController{Name: "BlueZ", Alias: "BlueZ 5.64"}, "Camera Device R58"},
		{"Nothing known", BluetoothController{}, "Camera Device R58"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, DisplayName(tc.controller, "R58"))
		})
	}
}

func TestParseBluetoothController(t *testing.T) {
	out := `Controller 00:1A:7D:DA:71:13 (public)
	Name: cam-host
	Alias: Front Camera
	Class: 0x006c0000
	Powered: yes
	Discoverable: no`

	c := ParseBluetoothController(out)
	assert.Equal(t, BluetoothController{Name: "cam-host", Alias: "Front Camera", Powered: true}, c)
	assert.False(t, ParseBluetoothController("Powered: no").Powered)
}

func TestParseBluetoothDeviceList(t *testing.T) {
	out := "Device AA:BB:CC:DD:EE:FF WH-1000XM4\nDevice 11:22:33:44:55:66\n[CHG] Controller powered\n"
	peers := ParseBluetoothDeviceList(out)
	assert.Equal(t, []BluetoothPeer{
		{MAC: "AA:BB:CC:DD:EE:FF", Name: "WH-1000XM4"},
		{MAC: "11:22:33:44:55:66", Name: "Unknown"},
	}, peers)
	assert.Empty(t, ParseBluetoothDeviceList(""))
}

func TestParseBluetoothInfo(t *testing.T) {
	out := `Device AA:BB:CC:DD:EE:FF (public)
	Name: WH-1000XM4
	Alias: My Headphones
	Class: 0x00240404
	Icon: audio-headset
	Paired: yes
	Trusted: yes
	Blocked: no
	Connected: yes
	LegacyPairing: no
	UUID: Audio Sink                (0000110b-0000-1000-8000-00805f9b34fb)
	UUID: 0000110e-0000-1000-8000-00805f9b34fb (A/V Remote Control)
	Modalias: usb:v054Cp0D58d0001
	ManufacturerData Key: 0x004c
	RSSI: 0xffffffc4 (-60)
	TxPower: 4
	ServicesResolved: yes`

	info := ParseBluetoothInfo(out)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", info.MAC)
	assert.Equal(t, "WH-1000XM4", info.Name)
	assert.Equal(t, "My Headphones", info.Alias)
	assert.Equal(t, "audio-headset", info.Icon)
	assert.Equal(t, "usb:v054Cp0D58d0001", info.Modalias)
	assert.True(t, info.IsConnected())
	require.NotNil(t, info.Paired)
	assert.True(t, *info.Paired)
	require.NotNil(t, info.Blocked)
	assert.False(t, *info.Blocked)
	require.NotNil(t, info.RSSI)
	assert.Equal(t, -60, *info.RSSI)
	require.NotNil(t, info.TxPower)
	assert.Equal(t, 4, *info.TxPower)
	require.NotNil(t, info.ServicesResolved)
	assert.True(t, *info.ServicesResolved)
	assert.Equal(t, []BluetoothUUID{
		{UUID: "0000110b-0000-1000-8000-00805f9b34fb", Desc: "Audio Sink"},
		{UUID: "0000110e-0000-1000-8000-00805f9b34fb", Desc: "A/V Remote Control"},
	}, info.UUIDs)
	assert.Contains(t, info.ManufacturerData, "0x004c")
}

func TestParseBluetoothInfo_Empty(t *testing.T) {
	info := ParseBluetoothInfo("Device AA:BB:CC:DD:EE:FF not available\n")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", info.MAC)
	assert.Nil(t, info.Connected)
	assert.False(t, info.IsConnected())
	assert.NotNil(t, info.UUIDs)
	assert.NotNil(t, info.ManufacturerData)
}

func TestParseHostapdConfig(t *testing.T) {
	ap := ParseHostapdConfig("interface=wlan1\nssid=CAM_AP_01\nwpa_passphrase=s3cret pass\nhw_mode=a\n")
	assert.Equal(t, WifiAP{SSID: "CAM_AP_01", Passphrase: "s3cret pass", ConfigFound: true}, ap)
	assert.Equal(t, WifiAP{}, ParseHostapdConfig("  \n"))
}

func TestParseMountOutput(t *testing.T) {
	out := `/dev/root on / type ext4 (ro,seclabel,relatime)
/dev/block/by-name/userdata on /data type f2fs (rw,lazytime,seclabel,nosuid)
tmpfs on /dev type tmpfs (rw,seclabel,nosuid,relatime,mode=755)
garbage line`

	mounts := ParseMountOutput(out)
	require.Len(t, mounts, 3)
	assert.Equal(t, Mount{Source: "/dev/root", FSType: "ext4", Options: []string{"ro", "seclabel", "relatime"}, Writable: false}, mounts["/"])
	assert.True(t, mounts["/data"].Writable)
	assert.Equal(t, "f2fs", mounts["/data"].FSType)
}

func TestParseDFOutput(t *testing.T) {
	out := "Filesystem     1K-blocks    Used Available Use% Mounted on\n/dev/block/dm-5  1,000,000  250000    750000  25% /data\n"
	usage, ok := ParseDFOutput(out)
	require.True(t, ok)
	assert.Equal(t, "/dev/block/dm-5", usage.Filesystem)
	assert.Equal(t, "/data", usage.MountedOn)
	require.NotNil(t, usage.SizeKB)
	assert.Equal(t, int64(1000000), *usage.SizeKB)
	require.NotNil(t, usage.UsedPercent)
	assert.Equal(t, 25.0, *usage.UsedPercent)
	require.NotNil(t, usage.UsedRatio)
	assert.InDelta(t, 0.25, *usage.UsedRatio, 1e-9)

	_, ok = ParseDFOutput("Filesystem 1K-blocks Used\n")
	assert.False(t, ok)
	_, ok = ParseDFOutput("df: /nope: No such file or directory")
	assert.False(t, ok)
}

func TestParseVersionOutput(t *testing.T) {
	out := `===== build info start =====
build info version 2.4.1
build info commit a1b2c3d
build info branch release/2.4
===== build info end =====
[GetIcVersion] ic version: MCU_1.0.9, ok
[GetAllVersion] version: camera_soc:SOC_2.4.1, cabin_soc:CAB_1.2.0, cabin_mcu:CMCU_0.9`

	v := ParseVersionOutput(out)
	assert.Equal(t, "SOC_2.4.1", v.Host)
	assert.Equal(t, "MCU_1.0.9", v.HostStarflash, "ic version fills a missing camera_mcu")
	assert.Equal(t, "CAB_1.2.0", v.Cabin)
	assert.Equal(t, "CMCU_0.9", v.CabinStarflash)
	assert.Equal(t, map[string]string{"version": "2.4.1", "commit": "a1b2c3d", "branch": "release/2.4"}, v.BuildInfo)

	fallback := ParseVersionOutput("build info start\nbuild info version 3.0\nbuild info end\n")
	assert.Equal(t, "3.0", fallback.Host)
}
