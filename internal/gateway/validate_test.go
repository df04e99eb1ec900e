package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-hub-backend/internal/apperr"
)

func TestPrepare_Accepted(t *testing.T) {
	testCases := []struct {
		name         string
		command      string
		wantOp       string
		wantArgv     []string
		connectivity bool
	}{
		{
			name:     "Shell with arguments",
			command:  "shell ls /sdcard",
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "ls", "/sdcard"},
		},
		{
			name:     "Leading adb and foreign selector are dropped",
			command:  "adb -s OTHER shell getprop ro.serialno",
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "getprop", "ro.serialno"},
		},
		{
			name:     "Transport and server selectors are dropped",
			command:  "-d -t 3 -H 10.0.0.9 -P 5038 get-state",
			wantOp:   "get-state",
			wantArgv: []string{"adb", "-s", "CAM1", "get-state"},
		},
		{
			name:     "Raw payload runs as shell",
			command:  "ls -la /data/local/tmp",
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "ls", "-la", "/data/local/tmp"},
		},
		{
			name:     "Quoted argument stays one token",
			command:  `shell 'echo hi there'`,
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "echo hi there"},
		},
		{
			name:         "Operation is case-insensitive",
			command:      "  Reboot  ",
			wantOp:       "reboot",
			wantArgv:     []string{"adb", "-s", "CAM1", "reboot"},
			connectivity: true,
		},
		{
			name:     "Logcat dump",
			command:  "logcat -d -t 100",
			wantOp:   "logcat",
			wantArgv: []string{"adb", "-s", "CAM1", "logcat", "-d", "-t", "100"},
		},
		{
			name:     "Relative recursive delete",
			command:  "shell rm -r build",
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "rm", "-r", "build"},
		},
		{
			name:     "Words containing su are fine",
			command:  "shell dumpsys usb",
			wantOp:   "shell",
			wantArgv: []string{"adb", "-s", "CAM1", "shell", "dumpsys", "usb"},
		},
		{
			name:         "Tcpip changes connectivity",
			command:      "tcpip 5555",
			wantOp:       "tcpip",
			wantArgv:     []string{"adb", "-s", "CAM1", "tcpip", "5555"},
			connectivity: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prepared, err := Prepare("adb", "CAM1", tc.command, 512)
			require.NoError(t, err)
			assert.Equal(t, tc.wantOp, prepared.Operation)
			assert.Equal(t, tc.wantArgv, prepared.Argv)
			assert.Equal(t, strings.TrimSpace(tc.command), prepared.Original)
			assert.Equal(t, tc.connectivity, prepared.Connectivity())
		})
	}
}

func TestPrepare_Rejected(t *testing.T) {
	testCases := []struct {
		name    string
		command string
		wantMsg string
	}{
		{"Empty", "", "Command cannot be empty"},
		{"Whitespace only", "   \t ", "Command cannot be empty"},
		{"Too long", "shell echo " + strings.Repeat("x", 600), "Command is too long"},
		{"Newline", "shell ls\nreboot", "Chained commands are not allowed"},
		{"Carriage return", "shell ls\rreboot", "Chained commands are not allowed"},
		{"And chain", "shell ls && reboot", "Chained commands are not allowed"},
		{"Or chain", "shell false || reboot", "Chained commands are not allowed"},
		{"Unterminated quote", `shell "echo`, "Unable to parse command"},
		{"Only adb", "adb", "Command missing adb operation"},
		{"Only selectors", "adb -s CAM2 -d", "Command missing adb operation"},
		{"Selector without value", "adb -s", "Malformed adb command"},
		{"Server control", "kill-server", "Command 'kill-server' is not permitted"},
		{"Root", "adb root", "Command 'root' is not permitted"},
		{"Pull to server path", "pull /sdcard/a.txt /etc/cron.d/x", "Command 'pull' accesses server files"},
		{"Push from server path", "adb -s CAM1 push /etc/shadow /sdcard/", "Command 'push' accesses server files"},
		{"Install from server path", "install -r /tmp/other.apk", "Command 'install' accesses server files"},
		{"Bugreport to server path", "bugreport /var/www", "Command 'bugreport' accesses server files"},
		{"Su payload", "su -c id", "containing 'su'"},
		{"Su inside shell", "shell su 0 id", "containing 'su'"},
		{"Sudo", "sudo reboot", "containing 'su'"},
		{"Absolute su path", "shell /system/xbin/su", "containing 'su'"},
		{"Reboot to bootloader", "reboot bootloader", "containing 'reboot bootloader'"},
		{"Shell reboot to recovery", "shell reboot recovery", "containing 'reboot bootloader'"},
		{"Delete root", "shell rm -rf /", "containing 'rm -rf /'"},
		{"Delete root wildcard", "shell rm -rf /*", "containing 'rm -rf /'"},
		{"Recursive wildcard", "shell rm -R /sdcard/*", "containing 'rm -rf /'"},
		{"Recursive absolute path", "rm -rf /data/local", "containing 'rm -rf /'"},
		{"Quotes split su", `shell "s''u -c id"`, "quoting or expansion"},
		{"Backslash splits su", `shell 's\u' -c id`, "quoting or expansion"},
		{"Quotes split rm", `shell "r''m -rf /"`, "quoting or expansion"},
		{"Raw payload with quotes", `"s''u" -c id`, "quoting or expansion"},
		{"Variable expansion", "shell $CMD -c id", "quoting or expansion"},
		{"Command substitution", "exec-out `cat /tmp/cmd` -c id", "quoting or expansion"},
		{"Glob resolves su", "shell /system/xbin/s?", "quoting or expansion"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Prepare("adb", "CAM1", tc.command, 512)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestPrepare_NoLimit(t *testing.T) {
	_, err := Prepare("adb", "CAM1", "shell echo "+strings.Repeat("x", 2000), 0)
	assert.NoError(t, err)
}
