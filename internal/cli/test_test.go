package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")

// copyScenario copies one harness scenario into dir/scenarios.
func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(harnessScenarios, name+".yaml"))
	require.NoError(t, err)

	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	path := filepath.Join(scenarios, name+".yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeCommand(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandPathNotFound(t *testing.T) {
	_, err := executeCommand(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestTestCommandBadFilter(t *testing.T) {
	_, err := executeCommand(t, "test", harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := executeCommand(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	out, err := executeCommand(t, "--format", "json", "test", harnessScenarios)
	require.NoError(t, err, out)

	resp, result := decodeResponse[TestResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Passed)
	assert.Zero(t, result.Failed)

	byName := map[string]ScenarioResult{}
	for _, s := range result.Scenarios {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "two_piston_win")
	assert.Equal(t, "match", byName["two_piston_win"].Golden)
	assert.Equal(t, "session-golden", byName["two_piston_win"].Session)
	assert.Equal(t, 24, byName["two_piston_win"].Events)
	assert.Equal(t, "missing", byName["leave_abandons"].Golden)
}

func TestTestCommandFilter(t *testing.T) {
	out, err := executeCommand(t, "test", harnessScenarios, "--filter", "two_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ two_piston_win (24 events, golden match)")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandUpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	file := copyScenario(t, dir, "two_piston_win")

	out, err := executeCommand(t, "test", file, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ two_piston_win (golden updated)")

	got, err := os.ReadFile(filepath.Join(dir, "golden", "two_piston_win.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", "two_piston_win.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	// A second run compares against the file it just wrote.
	out, err = executeCommand(t, "test", file)
	require.NoError(t, err, out)
	assert.Contains(t, out, "golden match")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	file := copyScenario(t, dir, "two_piston_win")
	goldenDir := filepath.Join(dir, "elsewhere")
	require.NoError(t, os.MkdirAll(goldenDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "two_piston_win.golden"), []byte("{}"), 0o644))

	out, err := executeCommand(t, "test", file, "--golden", goldenDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ two_piston_win")
	assert.Contains(t, out, "trace does not match golden file")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`name: broken
description: expects a win that never comes
board:
  rows: 1
  cols: 2
  pairs: [[0, 1]]
  materials: [0, 1]
  areas: [1000, 1000]
  levels: {0: 4}
flow:
  - {peer: master, do: found}
  - {peer: guest, do: found}
assertions:
  - {type: state, expect: won}
`), 0o644))

	out, err := executeCommand(t, "--format", "json", "test", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, result := decodeResponse[TestResult](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
	require.Len(t, result.Scenarios, 1)
	assert.False(t, result.Scenarios[0].Pass)
	assert.Equal(t, "missing", result.Scenarios[0].Golden)
	require.NotEmpty(t, result.Scenarios[0].Errors)
	assert.Contains(t, result.Scenarios[0].Errors[0], "assertion 0")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: [\n"), 0o644))

	out, err := executeCommand(t, "test", file)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
