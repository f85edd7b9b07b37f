// Package artifact resolves the local build of the library that consumers
// are redirected to: either the live source tree (editable mode) or a
// one-off wheel built for this run (packaged mode).
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/counterpoint-ml/dstest/internal/execx"
)

// Mode selects how consumers depend on the library under test.
type Mode string

const (
	// ModeEditable points overrides at the library's source tree.
	ModeEditable Mode = "editable"

	// ModePackaged builds one wheel and stages it per consumer.
	ModePackaged Mode = "packaged"
)

// ParseMode converts a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEditable, ModePackaged:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be editable or packaged", s)
	}
}

// Reference is the resolved artifact, shared read-only across consumers.
type Reference struct {
	Mode Mode

	// Path is the library root (editable) or the built wheel (packaged).
	Path string

	// Wheel is the wheel file name, set in packaged mode only.
	Wheel string
}

// Provider resolves the artifact once per run, before any consumer is
// touched. Both variants share this interface; the rest of the pipeline is
// mode-agnostic.
type Provider interface {
	Resolve(ctx context.Context) (*Reference, error)
}

// Editable resolves to the library's project root. No build occurs.
type Editable struct {
	Root string
}

// Resolve returns the absolute project root.
func (e Editable) Resolve(ctx context.Context) (*Reference, error) {
	root, err := filepath.Abs(e.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve library root: %w", err)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("library root not usable: %w", err)
	}
	return &Reference{Mode: ModeEditable, Path: root}, nil
}

// Packaged builds the library once and selects the single produced wheel.
type Packaged struct {
	// Root is the library project root where the build runs.
	Root string

	// Dist is the build output directory scanned for wheels.
	Dist string

	Exec execx.Runner
}

// Resolve runs the build and selects exactly one wheel from Dist.
//
// Zero or multiple wheels is a fatal setup error for the whole run: there
// is nothing unambiguous to install, so no consumer is processed.
func (p Packaged) Resolve(ctx context.Context) (*Reference, error) {
	res, err := p.Exec.Run(ctx, p.Root, "uv", "build", "--wheel")
	if err != nil {
		return nil, fmt.Errorf("build failed: %w", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("build failed (exit %d):\n%s", res.ExitCode, res.Output)
	}

	wheels, err := filepath.Glob(filepath.Join(p.Dist, "*.whl"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", p.Dist, err)
	}
	switch len(wheels) {
	case 1:
	case 0:
		return nil, fmt.Errorf("no wheel produced in %s", p.Dist)
	default:
		return nil, fmt.Errorf("expected exactly one wheel in %s, found %d (clean the dist directory)", p.Dist, len(wheels))
	}

	path, err := filepath.Abs(wheels[0])
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wheel path: %w", err)
	}
	return &Reference{Mode: ModePackaged, Path: path, Wheel: filepath.Base(path)}, nil
}

// Stage makes the artifact available to one consumer directory and returns
// the manifest source value for it.
//
// Editable references need no staging; the override points at the shared
// source tree. Packaged references are copied into dir because the
// override path is relative to the consumer's manifest.
func Stage(ref *Reference, dir string) (string, error) {
	switch ref.Mode {
	case ModeEditable:
		return ref.Path, nil
	case ModePackaged:
		dst := filepath.Join(dir, ref.Wheel)
		if err := copyFile(ref.Path, dst); err != nil {
			return "", fmt.Errorf("failed to stage wheel into %s: %w", dir, err)
		}
		return ref.Wheel, nil
	default:
		return "", fmt.Errorf("unknown artifact mode %q", ref.Mode)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
