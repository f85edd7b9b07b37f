// Package gitsync keeps consumer working copies present and reasonably
// fresh. Clone failures are fatal for the consumer; pull failures are not,
// since a stale-but-usable copy beats blocking the whole suite.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/counterpoint-ml/dstest/internal/execx"
)

// Syncer materializes working copies via the git CLI.
type Syncer struct {
	Exec execx.Runner
	Log  *slog.Logger
}

// Ensure makes a usable working copy of repo exist at dir.
//
// Absent dir: full clone; a clone failure is returned (the consumer is
// skipped, the run continues). Present dir: pull; a pull failure is logged
// at WARN and the existing revision is used.
func (s *Syncer) Ensure(ctx context.Context, repo, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return s.clone(ctx, repo, dir)
	} else if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", dir, err)
	}

	res, err := s.Exec.Run(ctx, dir, "git", "pull", "--ff-only")
	if err != nil {
		return fmt.Errorf("failed to run git pull in %s: %w", dir, err)
	}
	if !res.Ok() {
		s.Log.Warn("pull failed, using existing working copy",
			"dir", dir,
			"output", string(res.Output))
	}
	return nil
}

func (s *Syncer) clone(ctx context.Context, repo, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	res, err := s.Exec.Run(ctx, filepath.Dir(dir), "git", "clone", repo, dir)
	if err != nil {
		return fmt.Errorf("failed to run git clone: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("clone of %s failed (exit %d):\n%s", repo, res.ExitCode, res.Output)
	}
	return nil
}
