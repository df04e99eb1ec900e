// Package gateway executes caller-supplied adb commands against a device the
// caller is authorized to control, and keeps interactive terminal sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"device-hub-backend/config"
	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/occupancy"
	"device-hub-backend/internal/probe"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Bluetooth peripheral actions.
const (
	BluetoothConnect    = "connect"
	BluetoothDisconnect = "disconnect"
	BluetoothPair       = "pair"
)

// Registry is the subset of store.Store the gateway needs.
type Registry interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	AppendUsageLog(ctx context.Context, entry *model.UsageLog) error
}

// Scanner is asked for a reconciliation pass after connectivity changes.
type Scanner interface {
	TriggerScan(ctx context.Context) bool
}

// Result is the outcome of one executed command. A non-zero exit or a launch
// failure is a Result with status error, not a Go error.
type Result struct {
	Command    string `json:"command"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Message    string `json:"message,omitempty"`
}

// Failure returns the execution failure as an error, or nil on success.
func (r *Result) Failure() error {
	if r.Status == StatusSuccess {
		return nil
	}
	detail := strings.TrimSpace(r.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(r.Stdout)
	}
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", r.ReturnCode)
	}
	return fmt.Errorf("%w: %s", apperr.ErrExecutionFailure, detail)
}

// commandLog is the descriptor stored in a usage log entry's notes.
type commandLog struct {
	Command       string `json:"command"`
	ReturnCode    int    `json:"returncode"`
	Status        string `json:"status"`
	StdoutPreview string `json:"stdout_preview"`
	StderrPreview string `json:"stderr_preview"`
}

// Gateway validates, authorizes, executes and records device commands.
type Gateway struct {
	registry Registry
	runner   probe.Runner
	scanner  Scanner
	adbPath  string
	limits   config.GatewayConfig
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a gateway. scanner may be nil.
func New(cfg config.GatewayConfig, adbPath string, registry Registry, runner probe.Runner, scanner Scanner) *Gateway {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Gateway{
		registry: registry,
		runner:   runner,
		scanner:  scanner,
		adbPath:  adbPath,
		limits:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Component("gateway"),
	}
}

// Limits returns the configured size and time limits.
func (g *Gateway) Limits() config.GatewayConfig {
	return g.limits
}

// Authorize checks that callerID may control the ADB device deviceID: the
// device must be an ADB device and the caller its occupant or an admin.
func (g *Gateway) Authorize(ctx context.Context, deviceID string, callerID int64) (*model.Device, *model.User, error) {
	caller, err := occupancy.ActiveUser(ctx, g.registry, callerID)
	if err != nil {
		return nil, nil, err
	}
	device, err := g.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	if device.DeviceType != model.DeviceTypeADB {
		return nil, nil, fmt.Errorf("%w: operation only supported for ADB devices", apperr.ErrInvalidState)
	}
	if !caller.IsAdmin() && !device.IsOccupiedBy(caller.ID) {
		return nil, nil, fmt.Errorf("%w: device %q is not assigned to you", apperr.ErrPermissionDenied, deviceID)
	}
	return device, caller, nil
}

// ExecuteOnce runs a single command on an ADB device and returns its output.
func (g *Gateway) ExecuteOnce(ctx context.Context, deviceID string, callerID int64, command string) (*Result, error) {
	return g.execute(ctx, deviceID, callerID, command, "")
}

// execute is shared by one-shot execution and terminal sessions. An empty
// action logs the entry under the adb operation name.
//
// Authorization is checked before running the command and again after it has
// been recorded; a lost authorization is returned together with the result.
func (g *Gateway) execute(ctx context.Context, deviceID string, callerID int64, command, action string) (*Result, error) {
	device, caller, err := g.Authorize(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}

	prepared, err := Prepare(g.adbPath, device.DeviceID, command, g.limits.MaxCommandChars)
	if err != nil {
		return nil, err
	}

	if action == "" {
		action = prepared.Operation
	}
	return g.run(ctx, device, caller, invocation{
		display:      prepared.Original,
		operation:    prepared.Operation,
		action:       action,
		argv:         prepared.Argv[1:],
		connectivity: prepared.Connectivity(),
	})
}

// invocation is one adb run against an already authorized device.
type invocation struct {
	display      string // command text shown in results and usage logs
	operation    string
	action       string   // usage log action
	argv         []string // arguments after the adb binary
	connectivity bool
	fullOutput   bool // skip response truncation
}

// run executes inv, records it, and re-checks that the caller still controls
// the device. A lost authorization is returned together with the result.
func (g *Gateway) run(ctx context.Context, device *model.Device, caller *model.User, inv invocation) (*Result, error) {
	res := g.runner.Run(ctx, g.adbPath, inv.argv...)
	result := g.buildResult(inv.display, inv.operation, res)
	if inv.fullOutput {
		result.Stdout = res.Stdout
	}

	if err := g.record(ctx, device, caller, inv.action, result); err != nil {
		return result, err
	}

	g.log.Info().
		Str("device_id", device.DeviceID).
		Int64("user_id", caller.ID).
		Str("operation", inv.operation).
		Str("status", result.Status).
		Int("returncode", result.ReturnCode).
		Msg("command executed")

	if inv.connectivity {
		g.triggerScan(ctx)
	}

	if _, _, err := g.Authorize(ctx, device.DeviceID, caller.ID); err != nil {
		return result, err
	}
	return result, nil
}

// BluetoothAction connects, disconnects or pairs a Bluetooth peripheral
// through the ADB host it was discovered on. The caller must be allowed to
// control that host before and after the action.
func (g *Gateway) BluetoothAction(ctx context.Context, deviceID string, callerID int64, action string) (*Result, error) {
	switch action {
	case BluetoothConnect, BluetoothDisconnect, BluetoothPair:
	default:
		return nil, fmt.Errorf("%w: unsupported bluetooth action %q", apperr.ErrValidation, action)
	}

	peripheral, err := g.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if peripheral.DeviceType != model.DeviceTypeBluetooth {
		return nil, fmt.Errorf("%w: device %q is not a Bluetooth device", apperr.ErrInvalidState, deviceID)
	}
	host := adbHost(peripheral)
	if host == "" {
		return nil, fmt.Errorf("%w: no ADB host found for Bluetooth device %q", apperr.ErrInvalidState, deviceID)
	}
	_, caller, err := g.Authorize(ctx, host, callerID)
	if err != nil {
		return nil, err
	}

	argv := []string{"-s", host, "shell", "bluetoothctl", action, peripheral.DeviceID}
	res := g.runner.Run(ctx, g.adbPath, argv...)
	result := g.buildResult(strings.Join(append([]string{"adb"}, argv...), " "), "bluetooth_"+action, res)

	if result.Status == StatusError && action != BluetoothDisconnect && res.Err == nil {
		combined := strings.ToLower(result.Stdout + " " + result.Stderr)
		if strings.Contains(combined, "already") {
			result.Status = StatusSuccess
			result.Message = fmt.Sprintf("Bluetooth device is already %s", pastTense(action))
		}
	}
	if result.Status == StatusSuccess && result.Message == "" {
		result.Message = fmt.Sprintf("Bluetooth %s command sent successfully", action)
	}

	if err := g.record(ctx, peripheral, caller, result.Operation, result); err != nil {
		return result, err
	}
	g.log.Info().
		Str("device_id", peripheral.DeviceID).
		Str("adb_host", host).
		Str("action", action).
		Str("status", result.Status).
		Msg("bluetooth action executed")

	g.triggerScan(ctx)

	if _, _, err := g.Authorize(ctx, host, callerID); err != nil {
		return result, err
	}
	return result, nil
}

func pastTense(action string) string {
	if action == BluetoothPair {
		return "paired"
	}
	return "connected"
}

func (g *Gateway) buildResult(command, operation string, res probe.Result) *Result {
	result := &Result{
		Command:    command,
		Operation:  operation,
		Status:     StatusSuccess,
		ReturnCode: res.ExitCode,
		Stdout:     truncate(res.Stdout, g.limits.MaxResponseChars),
		Stderr:     truncate(res.Stderr, g.limits.MaxResponseChars),
	}
	if !res.OK() {
		result.Status = StatusError
	}
	if res.Err != nil {
		result.ReturnCode = -1
		if result.Stderr == "" {
			result.Stderr = res.Err.Error()
		}
	}
	return result
}

// record appends the usage log entry for an execution. The write survives
// cancellation of ctx so a killed command is still recorded.
func (g *Gateway) record(ctx context.Context, device *model.Device, caller *model.User, action string, result *Result) error {
	descriptor, err := json.Marshal(commandLog{
		Command:       result.Command,
		ReturnCode:    result.ReturnCode,
		Status:        result.Status,
		StdoutPreview: truncate(result.Stdout, g.limits.LogPreviewChars),
		StderrPreview: truncate(result.Stderr, g.limits.LogPreviewChars),
	})
	if err != nil {
		return fmt.Errorf("encode command log: %w", err)
	}
	notes := string(descriptor)

	entry := &model.UsageLog{
		DeviceID:  device.ID,
		UserID:    caller.ID,
		Action:    action,
		Timestamp: g.now(),
		Notes:     &notes,
	}
	if err := g.registry.AppendUsageLog(context.WithoutCancel(ctx), entry); err != nil {
		g.log.Error().Err(err).Str("device_id", device.DeviceID).Str("action", action).Msg("failed to record command")
		return err
	}
	return nil
}

func (g *Gateway) triggerScan(ctx context.Context) {
	if g.scanner == nil {
		return
	}
	if !g.scanner.TriggerScan(ctx) {
		g.log.Debug().Msg("scan already running, connectivity change will be picked up by it")
	}
}

// adbHost reads the host serial a Bluetooth peripheral was discovered through.
func adbHost(device *model.Device) string {
	if len(device.ConnectionInfo) == 0 {
		return ""
	}
	var info struct {
		ADBHost string `json:"adb_host"`
	}
	if err := json.Unmarshal(device.ConnectionInfo, &info); err != nil {
		return ""
	}
	return info.ADBHost
}

// truncate cuts s to limit characters and marks the cut with "...".
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

// IsAuthorizationLoss reports errors after which a session must not continue.
func IsAuthorizationLoss(err error) bool {
	return errors.Is(err, apperr.ErrPermissionDenied) ||
		errors.Is(err, apperr.ErrInvalidState) ||
		errors.Is(err, apperr.ErrNotFound)
}
