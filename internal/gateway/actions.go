package gateway

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"device-hub-backend/internal/apperr"
)

// Usage log actions of the upload and logcat endpoints.
const (
	ActionInstallAPK     = "install_apk"
	ActionFilesystemPush = "filesystem_push"
	ActionLogcat         = "adb_logcat"
)

var (
	logcatBuffers = map[string]bool{
		"main": true, "system": true, "radio": true, "events": true,
		"crash": true, "kernel": true, "default": true, "all": true,
	}
	logcatFormats = map[string]bool{
		"brief": true, "process": true, "tag": true, "thread": true,
		"raw": true, "time": true, "threadtime": true, "long": true,
	}
)

// InstallAPK installs the APK staged at localPath on an ADB device. name is
// the uploaded file name shown in the result and usage log.
func (g *Gateway) InstallAPK(ctx context.Context, deviceID string, callerID int64, localPath, name string, reinstall bool) (*Result, error) {
	device, caller, err := g.Authorize(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}

	argv := []string{"-s", device.DeviceID, "install"}
	display := "install "
	if reinstall {
		argv = append(argv, "-r")
		display += "-r "
	}
	argv = append(argv, localPath)

	result, err := g.run(ctx, device, caller, invocation{
		display:   display + name,
		operation: "install",
		action:    ActionInstallAPK,
		argv:      argv,
	})
	if result != nil && result.Status == StatusSuccess {
		result.Message = "APK installed successfully"
	}
	return result, err
}

// RemotePath joins an absolute device directory and a file name. Only the
// base of name is used.
func RemotePath(dir, name string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "/data"
	}
	if !strings.HasPrefix(dir, "/") {
		return "", fmt.Errorf("%w: remote directory must be an absolute path", apperr.ErrValidation)
	}
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: remote filename cannot be empty", apperr.ErrValidation)
	}
	return path.Join(path.Clean(dir), name), nil
}

// PushFile copies the file staged at localPath to remotePath on an ADB device.
func (g *Gateway) PushFile(ctx context.Context, deviceID string, callerID int64, localPath, remotePath string) (*Result, error) {
	if !strings.HasPrefix(remotePath, "/") {
		return nil, fmt.Errorf("%w: remote path must be absolute", apperr.ErrValidation)
	}
	device, caller, err := g.Authorize(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}

	result, err := g.run(ctx, device, caller, invocation{
		display:   "push <uploaded> " + remotePath,
		operation: "push",
		action:    ActionFilesystemPush,
		argv:      []string{"-s", device.DeviceID, "push", localPath, remotePath},
	})
	if result != nil && result.Status == StatusSuccess {
		result.Message = "File pushed successfully"
	}
	return result, err
}

// LogcatOptions select what a logcat dump contains. Zero values use adb's
// defaults.
type LogcatOptions struct {
	Buffer string `json:"buffer"`
	Lines  int    `json:"lines"`
	Format string `json:"format"`
	Clear  bool   `json:"clear"`
}

func (o LogcatOptions) args() ([]string, error) {
	args := []string{"logcat", "-d"}
	if o.Buffer != "" {
		if !logcatBuffers[o.Buffer] {
			return nil, fmt.Errorf("%w: unknown logcat buffer %q", apperr.ErrValidation, o.Buffer)
		}
		args = append(args, "-b", o.Buffer)
	}
	if o.Lines < 0 {
		return nil, fmt.Errorf("%w: lines must be a positive integer", apperr.ErrValidation)
	}
	if o.Lines > 0 {
		args = append(args, "-t", strconv.Itoa(o.Lines))
	}
	if o.Format != "" {
		if !logcatFormats[o.Format] {
			return nil, fmt.Errorf("%w: unknown logcat format %q", apperr.ErrValidation, o.Format)
		}
		args = append(args, "-v", o.Format)
	}
	return args, nil
}

// Logcat dumps the device log. The full output is returned untruncated. With
// Clear set the log is cleared after a successful dump.
func (g *Gateway) Logcat(ctx context.Context, deviceID string, callerID int64, opts LogcatOptions) (*Result, error) {
	args, err := opts.args()
	if err != nil {
		return nil, err
	}
	device, caller, err := g.Authorize(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}

	result, err := g.run(ctx, device, caller, invocation{
		display:    strings.Join(args, " "),
		operation:  "logcat",
		action:     ActionLogcat,
		argv:       append([]string{"-s", device.DeviceID}, args...),
		fullOutput: true,
	})
	if err != nil || result.Status != StatusSuccess || !opts.Clear {
		return result, err
	}

	if res := g.runner.Run(ctx, g.adbPath, "-s", device.DeviceID, "logcat", "-c"); !res.OK() {
		g.log.Warn().Str("device_id", device.DeviceID).Str("stderr", res.Stderr).Msg("failed to clear logcat")
	}
	return result, nil
}
