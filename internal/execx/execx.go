// Package execx runs external collaborator commands (git, uv, pytest) with
// captured output. All harness suspension points go through this package,
// which keeps the rest of the pipeline testable with a fake runner.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Result holds the outcome of a single external command.
type Result struct {
	// Cmd is the command line as invoked, for diagnostics.
	Cmd string

	// Output is the combined stdout and stderr, preserved for reporting.
	Output []byte

	// ExitCode is the process exit code. 0 indicates success.
	ExitCode int
}

// Ok reports whether the command exited cleanly.
func (r *Result) Ok() bool {
	return r.ExitCode == 0
}

// Runner invokes an external command in a working directory.
//
// A non-nil error means the command could not be run at all (missing
// binary, cancelled context). A command that ran and exited non-zero
// returns a nil error with Result.ExitCode set; callers decide whether
// that is fatal for them.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (*Result, error)
}

// Local runs commands on the host.
type Local struct{}

// Run executes name with args in dir, capturing combined output.
//
// The child is placed in its own process group so that cancellation kills
// the whole tree, not just the direct child (uv and pytest both fork).
func (Local) Run(ctx context.Context, dir string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	res := &Result{Cmd: CommandLine(name, args...)}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", res.Cmd, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		// Kill the process group (negative PID) and wait for exit.
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		res.Output = out.Bytes()
		return nil, fmt.Errorf("%s cancelled: %w", res.Cmd, ctx.Err())
	case err = <-done:
	}

	res.Output = out.Bytes()
	res.ExitCode = exitCode(err)
	if err != nil && res.ExitCode == 0 {
		// Wait failed for a reason other than a non-zero exit.
		return nil, fmt.Errorf("failed to run %s: %w", res.Cmd, err)
	}
	return res, nil
}

// CommandLine renders a command and its arguments for logs and errors.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// exitCode extracts the exit code from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 0
}
