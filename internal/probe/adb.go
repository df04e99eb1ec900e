package probe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"device-hub-backend/config"
	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/parse"
	"device-hub-backend/internal/store"
)

// Transport names understood by Discover.
const (
	TransportADB       = "adb"
	TransportBluetooth = "bluetooth"
)

// ConnectedPeer is a peripheral currently connected to an ADB host.
type ConnectedPeer struct {
	MAC    string              `json:"mac"`
	Name   string              `json:"name"`
	Detail parse.BluetoothInfo `json:"detailed_info"`
}

// BluetoothSummary describes the Bluetooth controller of an ADB host.
type BluetoothSummary struct {
	Name             string          `json:"bluetooth_name,omitempty"`
	Enabled          bool            `json:"bluetooth_enabled"`
	ConnectedDevices []ConnectedPeer `json:"connected_devices"`
}

// ADBProber discovers devices through the local adb binary.
type ADBProber struct {
	runner      Runner
	adbPath     string
	hostapdPath string
	concurrency int
	log         zerolog.Logger
}

// NewADBProber creates a prober using cfg's adb binary and fan-out limit.
func NewADBProber(cfg config.ScannerConfig, runner Runner) *ADBProber {
	concurrency := cfg.ProbeConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ADBProber{
		runner:      runner,
		adbPath:     cfg.ADBPath,
		hostapdPath: cfg.HostapdConfigPath,
		concurrency: concurrency,
		log:         logger.Component("probe"),
	}
}

// ADBPath returns the adb binary this prober invokes.
func (p *ADBProber) ADBPath() string {
	return p.adbPath
}

// Discover lists the devices visible on one transport. A failure of the
// listing command itself is reported as apperr.ErrTransientProbe; failures
// while enriching a single device only drop that device's extra details.
func (p *ADBProber) Discover(ctx context.Context, transport string) ([]store.DeviceFact, error) {
	switch transport {
	case TransportADB:
		return p.discoverADB(ctx)
	case TransportBluetooth:
		return p.discoverBluetooth(ctx)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// RunDiagnostic runs `adb -s <deviceID> <op> <args...>`.
func (p *ADBProber) RunDiagnostic(ctx context.Context, deviceID, op string, args ...string) Result {
	return p.runner.Run(ctx, p.adbPath, append([]string{"-s", deviceID, op}, args...)...)
}

func (p *ADBProber) shell(ctx context.Context, serial string, args ...string) Result {
	return p.RunDiagnostic(ctx, serial, "shell", args...)
}

func (p *ADBProber) listADB(ctx context.Context) ([]parse.ADBDevice, error) {
	res := p.runner.Run(ctx, p.adbPath, "devices")
	if !res.OK() {
		return nil, fmt.Errorf("%w: adb devices: %s", apperr.ErrTransientProbe, res.Summary())
	}
	return parse.ParseADBDevices(res.Stdout), nil
}

func (p *ADBProber) discoverADB(ctx context.Context) ([]store.DeviceFact, error) {
	devices, err := p.listADB(ctx)
	if err != nil {
		return nil, err
	}

	facts := make([]store.DeviceFact, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, d := range devices {
		g.Go(func() error {
			facts[i] = p.describeADB(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return facts, nil
}

func (p *ADBProber) describeADB(ctx context.Context, d parse.ADBDevice) store.DeviceFact {
	fact := store.DeviceFact{
		DeviceID:       d.Serial,
		DeviceType:     model.DeviceTypeADB,
		Name:           parse.DisplayName(parse.BluetoothController{}, d.Serial),
		Status:         model.StatusOffline,
		ConnectionInfo: map[string]any{"adb_status": d.State},
	}
	if !d.Online() {
		return fact
	}

	fact.Status = model.StatusOnline
	controller, bt := p.bluetoothSummary(ctx, d.Serial)
	fact.Name = parse.DisplayName(controller, d.Serial)
	fact.ConnectionInfo["bluetooth_info"] = bt
	fact.ConnectionInfo["wifi_ap_info"] = p.WifiAP(ctx, d.Serial)
	return fact
}

func (p *ADBProber) bluetoothSummary(ctx context.Context, serial string) (parse.BluetoothController, BluetoothSummary) {
	summary := BluetoothSummary{ConnectedDevices: []ConnectedPeer{}}

	show := p.shell(ctx, serial, "bluetoothctl", "show")
	if !show.OK() {
		p.log.Debug().Str("device_id", serial).Str("reason", show.Summary()).Msg("bluetoothctl show failed")
		return parse.BluetoothController{}, summary
	}
	controller := parse.ParseBluetoothController(show.Stdout)
	summary.Enabled = controller.Powered
	summary.Name = controller.Alias
	if summary.Name == "" {
		summary.Name = controller.Name
	}

	connected := p.shell(ctx, serial, "bluetoothctl", "devices", "Connected")
	if !connected.OK() {
		return controller, summary
	}
	for _, peer := range parse.ParseBluetoothDeviceList(connected.Stdout) {
		info := p.shell(ctx, serial, "bluetoothctl", "info", peer.MAC)
		if !info.OK() {
			continue
		}
		summary.ConnectedDevices = append(summary.ConnectedDevices, ConnectedPeer{
			MAC:    peer.MAC,
			Name:   peer.Name,
			Detail: parse.ParseBluetoothInfo(info.Stdout),
		})
	}
	return controller, summary
}

func (p *ADBProber) discoverBluetooth(ctx context.Context) ([]store.DeviceFact, error) {
	devices, err := p.listADB(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		facts []store.DeviceFact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, host := range devices {
		if !host.Online() {
			continue
		}
		g.Go(func() error {
			found := p.peripherals(gctx, host.Serial)
			mu.Lock()
			facts = append(facts, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].DeviceID < facts[j].DeviceID })
	return facts, nil
}

// peripherals lists every peripheral known to one host's controller.
func (p *ADBProber) peripherals(ctx context.Context, host string) []store.DeviceFact {
	list := p.shell(ctx, host, "bluetoothctl", "devices")
	if !list.OK() {
		p.log.Debug().Str("adb_host", host).Str("reason", list.Summary()).Msg("bluetoothctl devices failed")
		return nil
	}

	var facts []store.DeviceFact
	for _, peer := range parse.ParseBluetoothDeviceList(list.Stdout) {
		res := p.shell(ctx, host, "bluetoothctl", "info", peer.MAC)
		if !res.OK() {
			p.log.Debug().Str("adb_host", host).Str("mac", peer.MAC).Msg("bluetoothctl info failed")
			continue
		}
		info := parse.ParseBluetoothInfo(res.Stdout)

		status := model.StatusOffline
		if info.IsConnected() {
			status = model.StatusOnline
		}
		facts = append(facts, store.DeviceFact{
			DeviceID:   peer.MAC,
			DeviceType: model.DeviceTypeBluetooth,
			Name:       peer.Name,
			Status:     status,
			ConnectionInfo: map[string]any{
				"adb_host":       host,
				"bluetooth_info": info,
				"raw_output":     res.Stdout,
			},
		})
	}
	return facts
}
