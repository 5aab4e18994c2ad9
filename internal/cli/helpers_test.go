package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	clearEnv(t)
	return runCommand(context.Background(), nil, args...)
}

// clearEnv hides PISTONS_* variables of the calling environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"PISTONS_DB", "PISTONS_RELAY_ADDR", "PISTONS_TICK_HZ", "PISTONS_LOG_LEVEL"} {
		if _, ok := os.LookupEnv(name); ok {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

// runCommand runs the root command without touching t, so it can be used
// from other goroutines.
func runCommand(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// decodeResponse decodes a JSON CLI response whose data is a T.
func decodeResponse[T any](t *testing.T, out string) (CLIResponse, T) {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)

	var data T
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data), out)
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}, data
}

// writeConfig writes a CUE game configuration into a temp dir.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.cue")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// pairConfig is a single balanced pair: the session is won as soon as it
// starts.
const pairConfig = `
grid: {
	rows: 1
	cols: 2
}
random_levels: false
`

// simulateInto plays one session with both peers journaling into db.
func simulateInto(t *testing.T, db string) SimulateResult {
	t.Helper()
	cfg := writeConfig(t, pairConfig)
	out, err := executeCommand(t, "--config", cfg, "--format", "json", "simulate", "--seed", "7", "--db", db)
	require.NoError(t, err, out)

	resp, res := decodeResponse[SimulateResult](t, out)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "won", res.State)
	return res
}
