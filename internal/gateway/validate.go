package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"

	"device-hub-backend/internal/apperr"
)

// allowedOperations pass through with their arguments.
var allowedOperations = map[string]bool{
	"shell":           true,
	"logcat":          true,
	"reboot":          true,
	"uninstall":       true,
	"forward":         true,
	"reverse":         true,
	"tcpip":           true,
	"usb":             true,
	"wait-for-device": true,
	"get-state":       true,
	"get-serialno":    true,
	"devices":         true,
	"version":         true,
	"exec-out":        true,
	"reconnect":       true,
}

// deniedOperations control the adb server or escalate privileges. They are
// rejected even if they are ever added to allowedOperations.
var deniedOperations = map[string]bool{
	"kill-server":    true,
	"start-server":   true,
	"root":           true,
	"unroot":         true,
	"disable-verity": true,
	"enable-verity":  true,
}

// hostFileOperations read or write files on the server running adb. Uploads
// go through InstallAPK and PushFile instead.
var hostFileOperations = map[string]bool{
	"install":          true,
	"install-multiple": true,
	"pull":             true,
	"push":             true,
	"sync":             true,
	"bugreport":        true,
	"backup":           true,
	"restore":          true,
	"sideload":         true,
}

// connectivityOperations change how the device is attached and are followed
// by a reconciliation pass.
var connectivityOperations = map[string]bool{
	"reboot":    true,
	"reconnect": true,
	"usb":       true,
	"tcpip":     true,
}

// payloadScanned operations carry a command line that runs on the device.
var payloadScanned = map[string]bool{
	"shell":    true,
	"exec-out": true,
	"reboot":   true,
}

// selectorsWithValue and selectorFlags are adb global options that choose the
// target device or server. The gateway binds the target itself.
var (
	selectorsWithValue = map[string]bool{"-s": true, "-t": true, "-H": true, "-P": true, "-L": true}
	selectorFlags      = map[string]bool{"-d": true, "-e": true, "-a": true}
)

type denyPattern struct {
	label string
	re    *regexp.Regexp
}

// denyPatterns are matched against the lowercased, space-joined payload.
var denyPatterns = []denyPattern{
	{"su", regexp.MustCompile(`(^|[^\w-])(su|sudo)([^\w-]|$)`)},
	{"reboot bootloader", regexp.MustCompile(`(^|[^\w-])reboot[\s-]+(bootloader|recovery|fastboot|download|edl|sideload)`)},
	{"rm -rf /", regexp.MustCompile(`(^|[^\w-])rm\s+(-\S+\s+)*/\*?(\s|$)`)},
	{"rm -rf /", regexp.MustCompile(`(^|[^\w-])rm\s+(-\S+\s+)*(-[a-z]*r[a-z]*|--recursive)\s+(-\S+\s+)*(/|\S*\*)`)},
}

// shellMeta would be re-interpreted by the device shell after the deny scan,
// letting "s''u" or "s\u" reach it as su.
const shellMeta = "'\"\\`$*?["

// PreparedCommand is a validated adb invocation bound to one device.
type PreparedCommand struct {
	Original  string   // command text as submitted, trimmed
	Operation string   // adb operation, lowercased; "shell" for raw payloads
	Argv      []string // full argument vector, starting with the adb binary
}

// Connectivity reports whether running the command changes device attachment.
func (p PreparedCommand) Connectivity() bool {
	return connectivityOperations[p.Operation]
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperr.ErrValidation}, args...)...)
}

// Prepare validates command and binds it to deviceID. Nothing is executed;
// every rejection wraps apperr.ErrValidation.
func Prepare(adbPath, deviceID, command string, maxChars int) (PreparedCommand, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return PreparedCommand{}, invalid("Command cannot be empty")
	}
	if maxChars > 0 && len([]rune(command)) > maxChars {
		return PreparedCommand{}, invalid("Command is too long")
	}
	for _, chain := range []string{"\n", "\r", "&&", "||"} {
		if strings.Contains(command, chain) {
			return PreparedCommand{}, invalid("Chained commands are not allowed")
		}
	}

	tokens, err := shellquote.Split(command)
	if err != nil {
		return PreparedCommand{}, invalid("Unable to parse command: %v", err)
	}
	if len(tokens) == 0 {
		return PreparedCommand{}, invalid("Unable to parse command")
	}

	if tokens[0] == "adb" {
		tokens = tokens[1:]
	}
	tokens, err = stripSelectors(tokens)
	if err != nil {
		return PreparedCommand{}, err
	}
	if len(tokens) == 0 {
		return PreparedCommand{}, invalid("Command missing adb operation")
	}

	op := strings.ToLower(tokens[0])
	if deniedOperations[op] {
		return PreparedCommand{}, invalid("Command '%s' is not permitted", tokens[0])
	}
	if hostFileOperations[op] {
		return PreparedCommand{}, invalid("Command '%s' accesses server files and is not permitted", tokens[0])
	}

	prepared := PreparedCommand{Original: command, Operation: op}
	if allowedOperations[op] {
		if payloadScanned[op] {
			if err := scanPayload(tokens); err != nil {
				return PreparedCommand{}, err
			}
		}
		prepared.Argv = append([]string{adbPath, "-s", deviceID, op}, tokens[1:]...)
		return prepared, nil
	}

	// Anything else runs as a remote shell command line.
	if err := scanPayload(tokens); err != nil {
		return PreparedCommand{}, err
	}
	prepared.Operation = "shell"
	prepared.Argv = append([]string{adbPath, "-s", deviceID, "shell"}, tokens...)
	return prepared, nil
}

// stripSelectors drops leading adb global options that pick a device or server.
func stripSelectors(tokens []string) ([]string, error) {
	for len(tokens) > 0 {
		switch tok := tokens[0]; {
		case selectorsWithValue[tok]:
			if len(tokens) < 2 {
				return nil, invalid("Malformed adb command")
			}
			tokens = tokens[2:]
		case selectorFlags[tok]:
			tokens = tokens[1:]
		default:
			return tokens, nil
		}
	}
	return tokens, nil
}

func scanPayload(tokens []string) error {
	payload := strings.ToLower(strings.Join(tokens, " "))
	for _, p := range denyPatterns {
		if p.re.MatchString(payload) {
			return invalid("Shell command containing '%s' is not permitted", p.label)
		}
	}
	for _, tok := range tokens {
		if strings.ContainsAny(tok, shellMeta) {
			return invalid("Shell command containing quoting or expansion characters is not permitted")
		}
	}
	return nil
}
