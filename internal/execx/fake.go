package execx

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records a single invocation seen by a Fake runner.
type Call struct {
	Dir  string
	Cmd  string
	Args []string
}

// Stub describes a canned response for commands whose command line starts
// with Prefix. The first matching stub wins.
type Stub struct {
	Prefix   string
	Output   string
	ExitCode int
	Err      error
	// Hook, if set, runs when the stub matches. Used to simulate side
	// effects like a build dropping files into dist/.
	Hook func(dir string)
}

// Fake is a scripted Runner for tests. Unstubbed commands succeed with
// empty output.
type Fake struct {
	mu    sync.Mutex
	Stubs []Stub
	Calls []Call
}

// Run matches the invocation against the configured stubs and records it.
func (f *Fake) Run(ctx context.Context, dir string, name string, args ...string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s cancelled: %w", CommandLine(name, args...), err)
	}

	line := CommandLine(name, args...)

	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Dir: dir, Cmd: name, Args: args})
	stubs := f.Stubs
	f.mu.Unlock()

	for _, s := range stubs {
		if strings.HasPrefix(line, s.Prefix) {
			if s.Hook != nil {
				s.Hook(dir)
			}
			if s.Err != nil {
				return nil, s.Err
			}
			return &Result{Cmd: line, Output: []byte(s.Output), ExitCode: s.ExitCode}, nil
		}
	}
	return &Result{Cmd: line}, nil
}

// CommandLines returns the recorded invocations as rendered command lines.
func (f *Fake) CommandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = CommandLine(c.Cmd, c.Args...)
	}
	return lines
}
