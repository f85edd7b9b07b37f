package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/counterpoint-ml/dstest/internal/artifact"
	"github.com/counterpoint-ml/dstest/internal/config"
	"github.com/counterpoint-ml/dstest/internal/execx"
	"github.com/counterpoint-ml/dstest/internal/gitsync"
	"github.com/counterpoint-ml/dstest/internal/manifest"
	"github.com/counterpoint-ml/dstest/internal/report"
	"github.com/counterpoint-ml/dstest/internal/runner"
	"github.com/counterpoint-ml/dstest/internal/store"
)

// HistoryFile names the run-history database inside the workspace.
const HistoryFile = "dstest.db"

// Options are the per-run knobs, constructed once from the invocation.
type Options struct {
	// Selectors restricts the run to named consumers. Empty means all.
	Selectors []string

	// Clean wipes the workspace root before running. Destructive.
	Clean bool

	Mode artifact.Mode

	// SectionPolicy overrides the mode-derived default when HasPolicy is
	// set (spec'd as an explicit option because the two historical
	// variants disagreed).
	SectionPolicy manifest.SectionPolicy
	HasPolicy     bool

	// MaxFailures bounds the pytest fallback.
	MaxFailures int

	// History disables run-history persistence when false.
	History bool
}

// DefaultPolicy derives the section policy from the build mode: editable
// runs are strict, packaged runs may create the override.
func DefaultPolicy(mode artifact.Mode) manifest.SectionPolicy {
	if mode == artifact.ModePackaged {
		return manifest.PolicyCreate
	}
	return manifest.PolicyFail
}

// Pipeline processes consumers one at a time against a shared artifact
// reference. A single workspace is owned by exactly one invocation;
// concurrent invocations against the same workspace are unsupported.
type Pipeline struct {
	cfg  *config.Config
	log  *slog.Logger
	sync *gitsync.Syncer
	run  *runner.Runner
	exec execx.Runner
}

// New wires a pipeline over the given collaborator runner.
func New(cfg *config.Config, execr execx.Runner, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		log:  log,
		exec: execr,
		sync: &gitsync.Syncer{Exec: execr, Log: log},
		run:  &runner.Runner{Exec: execr, Log: log},
	}
}

// Run executes the full harness flow and returns the summary.
//
// A non-nil error is global and fatal (bad selector, artifact build
// ambiguity, interruption): no result exists or the run was cut short.
// Per-consumer problems never surface here; they become outcomes.
func (p *Pipeline) Run(ctx context.Context, opts Options) (report.Summary, error) {
	consumers, err := p.cfg.Select(opts.Selectors)
	if err != nil {
		return report.Summary{}, err
	}

	if opts.Clean {
		p.log.Warn("removing workspace", "workspace", p.cfg.Workspace)
		if err := os.RemoveAll(p.cfg.Workspace); err != nil {
			return report.Summary{}, fmt.Errorf("failed to clean workspace: %w", err)
		}
	}
	if err := os.MkdirAll(p.cfg.Workspace, 0755); err != nil {
		return report.Summary{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	// One artifact for the whole run: building is expensive and the
	// output is identical for every consumer.
	ref, err := p.provider(opts.Mode).Resolve(ctx)
	if err != nil {
		return report.Summary{}, fmt.Errorf("artifact setup failed: %w", err)
	}
	p.log.Info("artifact resolved", "mode", ref.Mode, "path", ref.Path)

	policy := DefaultPolicy(opts.Mode)
	if opts.HasPolicy {
		policy = opts.SectionPolicy
	}
	patcher := manifest.NewPatcher(p.cfg.Library.Name, policy)
	p.run.MaxFailures = opts.MaxFailures

	rc := NewRunContext()
	defer rc.RestoreAll(p.log)

	var agg report.Aggregator
	interrupted := false
	for _, consumer := range consumers {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		outcome := p.processConsumer(ctx, consumer, ref, patcher, rc)
		agg.Record(outcome)
		p.log.Info("consumer finished", "consumer", consumer.Name, "status", string(outcome.Status))
	}

	summary := report.Summarize(agg.Outcomes())

	if opts.History {
		p.recordHistory(rc, ref.Mode, opts.Clean, summary)
	}

	if interrupted {
		return summary, fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	return summary, nil
}

func (p *Pipeline) provider(mode artifact.Mode) artifact.Provider {
	if mode == artifact.ModePackaged {
		return artifact.Packaged{Root: p.cfg.Library.Root, Dist: p.cfg.Library.Dist, Exec: p.exec}
	}
	return artifact.Editable{Root: p.cfg.Library.Root}
}

// processConsumer runs one consumer's pipeline and always returns exactly
// one outcome. Every error is caught here; a panic anywhere downstream is
// converted to a Failed outcome after the manifest restore has run.
func (p *Pipeline) processConsumer(ctx context.Context, c config.Consumer, ref *artifact.Reference, patcher *manifest.Patcher, rc *RunContext) (out report.Outcome) {
	log := p.log.With("consumer", c.Name)
	out = report.Outcome{Consumer: c.Name}

	// Outermost defer: restore (registered later, below) runs first on a
	// panic, then this converts the panic into a Failed outcome.
	defer func() {
		if r := recover(); r != nil {
			log.Error("consumer pipeline panicked", "panic", r)
			out.Status = report.StatusFailed
			out.Reason = fmt.Sprintf("internal error: %v", r)
		}
	}()

	dir := p.cfg.ConsumerDir(c)
	if err := p.sync.Ensure(ctx, c.Repo, dir); err != nil {
		if ctx.Err() != nil {
			return skipped(c, "interrupted before sync completed")
		}
		log.Error("working copy unavailable", "error", err)
		return skipped(c, fmt.Sprintf("clone failed: %v", err))
	}

	manifestDir := p.cfg.ManifestDir(c)
	staged, err := artifact.Stage(ref, manifestDir)
	if err != nil {
		log.Error("failed to stage artifact", "error", err)
		return failed(c, fmt.Sprintf("artifact staging failed: %v", err))
	}
	var source string
	switch ref.Mode {
	case artifact.ModePackaged:
		source = manifest.WheelSource(staged)
	default:
		source = manifest.EditableSource(staged)
	}

	backup, err := patcher.Apply(filepath.Join(manifestDir, "pyproject.toml"), source)
	if err != nil {
		var missingManifest *manifest.MissingManifestError
		if errors.As(err, &missingManifest) {
			log.Warn("manifest absent, skipping", "path", missingManifest.Path)
			return skipped(c, err.Error())
		}
		log.Error("manifest patch refused", "error", err)
		return failed(c, err.Error())
	}

	rc.Track(backup)
	defer func() {
		if err := backup.Restore(); err != nil {
			log.Error("manifest restore failed", "error", err)
			if out.Status == report.StatusSuccess {
				out = failed(c, fmt.Sprintf("manifest restore failed: %v", err))
			}
		}
		rc.Untrack(backup)
	}()

	if err := p.run.Install(ctx, manifestDir); err != nil {
		log.Error("dependency install failed", "error", err)
		return failed(c, fmt.Sprintf("dependency install failed: %v", err))
	}

	verdict, err := p.run.Test(ctx, manifestDir, c.TestTask, c.TestPath)
	if err != nil {
		log.Error("test execution failed", "error", err)
		return failed(c, fmt.Sprintf("test execution failed: %v", err))
	}
	if !verdict.Passed {
		log.Error("tests failed", "strategy", verdict.Strategy, "output", string(verdict.Output))
		return failed(c, fmt.Sprintf("tests failed (%s strategy)", verdict.Strategy))
	}

	log.Info("tests passed", "strategy", verdict.Strategy)
	out.Status = report.StatusSuccess
	return out
}

// recordHistory persists the run. History is forensic; failures are
// logged and never affect the result.
func (p *Pipeline) recordHistory(rc *RunContext, mode artifact.Mode, clean bool, summary report.Summary) {
	s, err := store.Open(filepath.Join(p.cfg.Workspace, HistoryFile))
	if err != nil {
		p.log.Warn("run history unavailable", "error", err)
		return
	}
	defer s.Close()

	err = s.RecordRun(context.Background(), store.Run{
		ID:        rc.ID,
		StartedAt: rc.StartedAt,
		Mode:      string(mode),
		Clean:     clean,
		Outcomes:  summary.Outcomes,
	})
	if err != nil {
		p.log.Warn("failed to record run history", "error", err)
	}
}

func skipped(c config.Consumer, reason string) report.Outcome {
	return report.Outcome{Consumer: c.Name, Status: report.StatusSkipped, Reason: reason}
}

func failed(c config.Consumer, reason string) report.Outcome {
	return report.Outcome{Consumer: c.Name, Status: report.StatusFailed, Reason: reason}
}
