// Package probe runs adb and on-device tools and turns their output into
// registry facts and diagnostic reports.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the outcome of one subprocess invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error // launch failure or cancellation; nil when the process ran
}

// OK reports a process that ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Summary is a one-line description of a failed run.
func (r Result) Summary() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(r.Stdout); msg != "" && r.ExitCode != 0 {
		return msg
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

// Runner executes an external program.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// ExecRunner runs programs with os/exec. Cancelling ctx kills the process.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) Result {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res
	}

	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Err = ctxErr
	} else {
		res.Err = err
	}
	return res
}
