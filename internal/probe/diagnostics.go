package probe

import (
	"context"
	"fmt"
	"time"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/parse"
)

// DefaultMountPoints are inspected by Mounts when no paths are given.
var DefaultMountPoints = []string{"/", "/data"}

// adb exits 255 when the transport dropped mid-command.
const adbTransportLost = 255

// BluetoothInfo reports the controller and connected peripherals of an ADB host.
func (p *ADBProber) BluetoothInfo(ctx context.Context, serial string) BluetoothSummary {
	_, summary := p.bluetoothSummary(ctx, serial)
	return summary
}

// WifiAP reads the on-device hostapd configuration.
func (p *ADBProber) WifiAP(ctx context.Context, serial string) parse.WifiAP {
	res := p.shell(ctx, serial, "cat", p.hostapdPath)
	if !res.OK() {
		return parse.WifiAP{}
	}
	return parse.ParseHostapdConfig(res.Stdout)
}

// VersionReport is the decoded ql-getversion output.
type VersionReport struct {
	DeviceID  string         `json:"device_id"`
	Versions  parse.Versions `json:"versions"`
	RawOutput string         `json:"raw_output"`
}

// Versions runs ql-getversion on the device.
func (p *ADBProber) Versions(ctx context.Context, serial string) (*VersionReport, error) {
	res := p.shell(ctx, serial, "ql-getversion")
	if !res.OK() {
		return nil, fmt.Errorf("%w: ql-getversion: %s", apperr.ErrExecutionFailure, res.Summary())
	}
	return &VersionReport{
		DeviceID:  serial,
		Versions:  parse.ParseVersionOutput(res.Stdout),
		RawOutput: res.Stdout,
	}, nil
}

// PathUsage is the `df -k` outcome for one path.
type PathUsage struct {
	Path      string           `json:"path"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Usage     *parse.DiskUsage `json:"usage,omitempty"`
	RawOutput string           `json:"raw_output"`
}

// MountDetail describes one inspected mount point.
type MountDetail struct {
	MountPoint string     `json:"mount_point"`
	Found      bool       `json:"found"`
	Source     string     `json:"source,omitempty"`
	FSType     string     `json:"fstype,omitempty"`
	Options    []string   `json:"options"`
	Writable   bool       `json:"writable"`
	Usage      *PathUsage `json:"usage"`
}

// MountReport is the filesystem overview of a device.
type MountReport struct {
	DeviceID  string        `json:"device_id"`
	Mounts    []MountDetail `json:"mounts"`
	RawOutput string        `json:"raw_output"`
}

// Mounts inspects the given mount points and their disk usage.
func (p *ADBProber) Mounts(ctx context.Context, serial string, paths []string) (*MountReport, error) {
	if len(paths) == 0 {
		paths = DefaultMountPoints
	}

	res := p.shell(ctx, serial, "mount")
	if res.Err == nil && res.ExitCode == adbTransportLost {
		p.RunDiagnostic(ctx, serial, "wait-for-device")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		res = p.shell(ctx, serial, "mount")
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: mount: %s", apperr.ErrExecutionFailure, res.Summary())
	}

	mounts := parse.ParseMountOutput(res.Stdout)
	report := &MountReport{DeviceID: serial, RawOutput: res.Stdout}
	for _, path := range paths {
		detail := MountDetail{MountPoint: path, Options: []string{}, Usage: p.pathUsage(ctx, serial, path)}
		if m, ok := mounts[path]; ok {
			detail.Found = true
			detail.Source = m.Source
			detail.FSType = m.FSType
			detail.Options = m.Options
			detail.Writable = m.Writable
		}
		report.Mounts = append(report.Mounts, detail)
	}
	return report, nil
}

func (p *ADBProber) pathUsage(ctx context.Context, serial, path string) *PathUsage {
	res := p.shell(ctx, serial, "df", "-k", path)
	usage := &PathUsage{Path: path, RawOutput: res.Stdout}
	if res.Err != nil {
		usage.Error = res.Err.Error()
		return usage
	}
	if parsed, ok := parse.ParseDFOutput(res.Stdout); ok {
		usage.Success = true
		usage.Usage = &parsed
		return usage
	}
	usage.Error = "unable to parse df output"
	if res.Stderr != "" {
		usage.Error = res.Summary()
	}
	return usage
}
