package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpoint-ml/dstest/internal/artifact"
	"github.com/counterpoint-ml/dstest/internal/config"
	"github.com/counterpoint-ml/dstest/internal/execx"
	"github.com/counterpoint-ml/dstest/internal/report"
	"github.com/counterpoint-ml/dstest/internal/store"
)

const consumerManifest = `[project]
name = "agent-kit"
version = "0.4.1"
dependencies = ["counterpoint>=0.2"]

[tool.uv.sources]
counterpoint = { git = "https://example.com/counterpoint.git" }
other-lib = { path = "../other-lib" }
`

const bareManifest = `[project]
name = "bare"
version = "0.1.0"
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture builds a config with a real library root and workspace under a
// temp dir, plus one pre-cloned consumer per manifest given.
func fixture(t *testing.T, manifests map[string]string) *config.Config {
	t.Helper()
	base := t.TempDir()
	libRoot := filepath.Join(base, "counterpoint")
	require.NoError(t, os.MkdirAll(filepath.Join(libRoot, "dist"), 0755))

	cfg := &config.Config{
		Library:   config.Library{Name: "counterpoint", Root: libRoot, Dist: filepath.Join(libRoot, "dist")},
		Workspace: filepath.Join(base, "workspace"),
	}

	// Deterministic order: sorted names would hide ordering bugs behind
	// alphabetical luck, so callers list consumers explicitly instead.
	for _, name := range sortedKeys(manifests) {
		consumer := config.Consumer{
			Name:     name,
			Repo:     "https://example.com/" + name + ".git",
			TestTask: "test",
			TestPath: "tests",
		}
		cfg.Consumers = append(cfg.Consumers, consumer)
		if content := manifests[name]; content != "" {
			dir := cfg.ConsumerDir(consumer)
			require.NoError(t, os.MkdirAll(dir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(content), 0644))
		}
	}
	return cfg
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

func manifestPath(cfg *config.Config, name string) string {
	for _, c := range cfg.Consumers {
		if c.Name == name {
			return filepath.Join(cfg.ManifestDir(c), "pyproject.toml")
		}
	}
	return ""
}

func assertPristine(t *testing.T, cfg *config.Config, name, original string) {
	t.Helper()
	path := manifestPath(cfg, name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data), "manifest must be restored byte-for-byte")
	_, err = os.Stat(path + ".dstest-bak")
	assert.True(t, os.IsNotExist(err), "no backup may outlive the run")
}

func TestRunAllSuccessEditable(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	fake := &execx.Fake{}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.True(t, summary.Ok)
	assert.Equal(t, []string{"agent-kit"}, summary.Succeeded)

	assertPristine(t, cfg, "agent-kit", consumerManifest)

	// The consumer directory exists, so the working copy is pulled, the
	// deps are installed and the pytest fallback runs (no poe task).
	assert.Equal(t, []string{
		"git pull --ff-only",
		"uv lock",
		"uv sync",
		"uv run pytest --maxfail=10 tests",
	}, fake.CommandLines())
}

func TestRestorationInvariantOnTestFailure(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	fake := &execx.Fake{Stubs: []execx.Stub{{Prefix: "uv run pytest", ExitCode: 1, Output: "2 failed"}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.False(t, summary.Ok)
	assert.Equal(t, []string{"agent-kit"}, summary.Failed)

	assertPristine(t, cfg, "agent-kit", consumerManifest)
}

// panicOn simulates a crash inside the consumer pipeline: the restoration
// defer must still run before the panic is absorbed at the boundary.
type panicOn struct {
	inner  execx.Runner
	prefix string
}

func (p panicOn) Run(ctx context.Context, dir, name string, args ...string) (*execx.Result, error) {
	if strings.HasPrefix(execx.CommandLine(name, args...), p.prefix) {
		panic("simulated crash during test execution")
	}
	return p.inner.Run(ctx, dir, name, args...)
}

func TestRestorationInvariantOnPanic(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	execr := panicOn{inner: &execx.Fake{}, prefix: "uv run pytest"}

	summary, err := New(cfg, execr, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Outcomes[0].Reason, "internal error")

	assertPristine(t, cfg, "agent-kit", consumerManifest)
}

func TestStrictModeMissingOverride(t *testing.T) {
	cfg := fixture(t, map[string]string{"bare": bareManifest})
	fake := &execx.Fake{}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.Equal(t, []string{"bare"}, summary.Failed)

	// Strict refusal happens before any backup is taken.
	assertPristine(t, cfg, "bare", bareManifest)

	// Neither install nor tests ran.
	for _, line := range fake.CommandLines() {
		assert.NotContains(t, line, "uv lock")
		assert.NotContains(t, line, "pytest")
	}
}

func packagedStubs(t *testing.T, dist string) []execx.Stub {
	t.Helper()
	return []execx.Stub{{
		Prefix: "uv build",
		Hook: func(string) {
			require.NoError(t, os.WriteFile(filepath.Join(dist, "counterpoint-0.2.0-py3-none-any.whl"), []byte("wheel"), 0644))
		},
	}}
}

func TestPermissiveCreationPackaged(t *testing.T) {
	cfg := fixture(t, map[string]string{"bare": bareManifest})
	fake := &execx.Fake{Stubs: packagedStubs(t, cfg.Library.Dist)}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModePackaged})
	require.NoError(t, err)
	assert.True(t, summary.Ok)

	// Section created for the patch, fully gone again after restore.
	assertPristine(t, cfg, "bare", bareManifest)

	// The wheel was staged into the consumer directory.
	staged := filepath.Join(filepath.Dir(manifestPath(cfg, "bare")), "counterpoint-0.2.0-py3-none-any.whl")
	_, statErr := os.Stat(staged)
	assert.NoError(t, statErr)
}

func TestFatalArtifactAmbiguityAbortsBeforeConsumers(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Library.Dist, "counterpoint-0.1.0-py3-none-any.whl"), []byte("old"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Library.Dist, "counterpoint-0.2.0-py3-none-any.whl"), []byte("new"), 0644))
	fake := &execx.Fake{}

	_, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModePackaged})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact setup failed")

	// No consumer was touched: the only collaborator call is the build.
	assert.Equal(t, []string{"uv build --wheel"}, fake.CommandLines())
	assertPristine(t, cfg, "agent-kit", consumerManifest)
}

func TestMissingManifestSkipsAndContinues(t *testing.T) {
	cfg := fixture(t, map[string]string{"a-missing": "", "b-ok": consumerManifest})
	// a-missing has no working copy; the clone "succeeds" without
	// creating pyproject.toml, so the patcher reports it missing.
	fake := &execx.Fake{Stubs: []execx.Stub{{
		Prefix: "git clone",
		Hook: func(dir string) {
			os.MkdirAll(filepath.Join(dir, "a-missing"), 0755)
		},
	}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-missing"}, summary.Skipped)
	assert.Equal(t, []string{"b-ok"}, summary.Succeeded)
	assert.False(t, summary.Ok)

	require.Len(t, summary.Outcomes, 2)
	assert.Equal(t, "a-missing", summary.Outcomes[0].Consumer)
	assert.Equal(t, "b-ok", summary.Outcomes[1].Consumer)
}

func TestCloneFailureSkipsConsumer(t *testing.T) {
	cfg := fixture(t, map[string]string{"a-gone": "", "b-ok": consumerManifest})
	fake := &execx.Fake{Stubs: []execx.Stub{{Prefix: "git clone", ExitCode: 128, Output: "fatal: repository not found"}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-gone"}, summary.Skipped)
	assert.Contains(t, summary.Outcomes[0].Reason, "clone failed")
	assert.Equal(t, []string{"b-ok"}, summary.Succeeded)
}

func TestPullFailureIsNonFatal(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	fake := &execx.Fake{Stubs: []execx.Stub{{Prefix: "git pull", ExitCode: 1, Output: "network down"}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.True(t, summary.Ok)
}

func TestInstallFailureIsPerConsumer(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	fake := &execx.Fake{Stubs: []execx.Stub{{Prefix: "uv sync", ExitCode: 1, Output: "no solution"}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-kit"}, summary.Failed)
	assert.Contains(t, summary.Outcomes[0].Reason, "dependency install failed")

	assertPristine(t, cfg, "agent-kit", consumerManifest)
}

func TestAggregateMixedOutcomes(t *testing.T) {
	manifests := map[string]string{
		"a-pass": consumerManifest,
		"b-fail": consumerManifest,
		"c-pass": consumerManifest,
	}
	cfg := fixture(t, manifests)
	// Only b-fail's suite breaks: give it a distinct test path.
	cfg.Consumers[1].TestPath = "broken"
	fake := &execx.Fake{Stubs: []execx.Stub{{Prefix: "uv run pytest --maxfail=10 broken", ExitCode: 1, Output: "kaboom"}}}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-pass", "c-pass"}, summary.Succeeded)
	assert.Equal(t, []string{"b-fail"}, summary.Failed)
	assert.False(t, summary.Ok)
}

func TestSequentialIsolation(t *testing.T) {
	cfg := fixture(t, map[string]string{"a-first": consumerManifest, "b-second": consumerManifest})
	fake := &execx.Fake{}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable})
	require.NoError(t, err)
	assert.True(t, summary.Ok)

	assertPristine(t, cfg, "a-first", consumerManifest)
	assertPristine(t, cfg, "b-second", consumerManifest)
}

func TestInterruptedContextStopsRun(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg, &execx.Fake{}, discard()).Run(ctx, Options{Mode: artifact.ModeEditable})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
}

func TestCleanWipesWorkspace(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})
	marker := filepath.Join(cfg.Workspace, "stale-file")
	require.NoError(t, os.WriteFile(marker, []byte("old"), 0644))
	// The pre-cloned working copy disappears with the workspace, so the
	// consumer is cloned fresh (and then skipped: empty clone).
	fake := &execx.Fake{}

	summary, err := New(cfg, fake, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable, Clean: true})
	require.NoError(t, err)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
	assert.Contains(t, fake.CommandLines()[0], "git clone")
	assert.Equal(t, []string{"agent-kit"}, summary.Skipped)
}

func TestHistoryRecorded(t *testing.T) {
	cfg := fixture(t, map[string]string{"agent-kit": consumerManifest})

	summary, err := New(cfg, &execx.Fake{}, discard()).Run(context.Background(), Options{Mode: artifact.ModeEditable, History: true})
	require.NoError(t, err)
	assert.True(t, summary.Ok)

	s, err := store.Open(filepath.Join(cfg.Workspace, HistoryFile))
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "editable", runs[0].Mode)
	require.Len(t, runs[0].Outcomes, 1)
	assert.Equal(t, report.StatusSuccess, runs[0].Outcomes[0].Status)
}

func TestDefaultPolicyPerMode(t *testing.T) {
	assert.Equal(t, "fail", DefaultPolicy(artifact.ModeEditable).String())
	assert.Equal(t, "create", DefaultPolicy(artifact.ModePackaged).String())
}
