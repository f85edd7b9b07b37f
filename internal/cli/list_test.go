package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dstest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
library:
  name: counterpoint
  root: .
consumers:
  - name: agent-kit
    repo: https://example.com/agent-kit.git
  - name: eval-bench
    repo: https://example.com/eval-bench.git
`), 0644))
	return path
}

func TestListText(t *testing.T) {
	out, err := execute(t, "--config", listConfig(t), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Library: counterpoint")
	assert.Contains(t, out, "Consumers (2):")
	assert.Contains(t, out, "agent-kit")
	assert.Contains(t, out, "https://example.com/eval-bench.git")
}

func TestListJSON(t *testing.T) {
	out, err := execute(t, "--config", listConfig(t), "--format", "json", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
	assert.Contains(t, out, `"agent-kit"`)
}

func TestListMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
