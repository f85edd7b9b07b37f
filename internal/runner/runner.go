// Package runner installs a patched consumer's dependencies and executes
// its test suite, preferring the consumer's own test task and falling back
// to a bounded pytest invocation.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/counterpoint-ml/dstest/internal/execx"
)

// DefaultMaxFailures bounds the pytest fallback so one very broken suite
// cannot run unboundedly long.
const DefaultMaxFailures = 10

// Verdict is the result of exercising one consumer's tests.
type Verdict struct {
	Passed bool

	// Strategy names what produced the verdict: "task" or "pytest".
	Strategy string

	// Output is the combined output of every strategy attempted.
	Output []byte
}

// InstallError carries the captured output of a failed install.
type InstallError struct {
	Step   string
	Output []byte
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s failed:\n%s", e.Step, e.Output)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Runner drives uv against one consumer directory at a time.
type Runner struct {
	Exec execx.Runner
	Log  *slog.Logger

	// MaxFailures is handed to pytest --maxfail in the fallback strategy.
	MaxFailures int
}

// Install resolves and installs the consumer's dependencies against its
// (patched) manifest. Failures are per-consumer, never fatal to the run.
func (r *Runner) Install(ctx context.Context, dir string) error {
	for _, step := range [][]string{{"lock"}, {"sync"}} {
		res, err := r.Exec.Run(ctx, dir, "uv", step...)
		if err != nil {
			return &InstallError{Step: "uv " + step[0], Err: err}
		}
		if !res.Ok() {
			return &InstallError{Step: "uv " + step[0], Output: res.Output}
		}
	}
	return nil
}

// Test attempts the consumer's preferred test task, then the pytest
// fallback. The verdict is a pass only if one of the two strategies exits
// cleanly; both strategies' output is preserved for diagnostics.
func (r *Runner) Test(ctx context.Context, dir, task, testPath string) (*Verdict, error) {
	var output bytes.Buffer

	if r.hasTask(dir, task) {
		res, err := r.Exec.Run(ctx, dir, "uv", "run", "poe", task)
		if err != nil {
			return nil, fmt.Errorf("failed to run test task %q: %w", task, err)
		}
		output.Write(res.Output)
		if res.Ok() {
			return &Verdict{Passed: true, Strategy: "task", Output: output.Bytes()}, nil
		}
		r.Log.Debug("test task failed, trying pytest fallback", "task", task, "exit", res.ExitCode)
	} else {
		r.Log.Debug("no test task declared, using pytest fallback", "task", task)
	}

	maxFail := r.MaxFailures
	if maxFail <= 0 {
		maxFail = DefaultMaxFailures
	}
	res, err := r.Exec.Run(ctx, dir, "uv", "run", "pytest", "--maxfail="+strconv.Itoa(maxFail), testPath)
	if err != nil {
		return nil, fmt.Errorf("failed to run pytest: %w", err)
	}
	if output.Len() > 0 {
		output.WriteString("\n")
	}
	output.Write(res.Output)

	return &Verdict{Passed: res.Ok(), Strategy: "pytest", Output: output.Bytes()}, nil
}

// hasTask reports whether the consumer's pyproject declares the task under
// [tool.poe.tasks]. Any read or parse problem simply means no task.
func (r *Runner) hasTask(dir, task string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	if err != nil {
		return false
	}

	var doc struct {
		Tool struct {
			Poe struct {
				Tasks map[string]any `toml:"tasks"`
			} `toml:"poe"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return false
	}
	_, ok := doc.Tool.Poe.Tasks[task]
	return ok
}
