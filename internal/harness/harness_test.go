package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/session"
)

func twoPistonBoard() Board {
	return Board{
		Rows:      1,
		Cols:      2,
		Pairs:     [][2]int{{0, 1}},
		Materials: []int{0, 1},
		Areas:     []int{1000, 1000},
		Levels:    map[int]float64{0: 4},
	}
}

func startFlow() []Step {
	return []Step{
		{Peer: RoleMaster, Do: DoFound},
		{Peer: RoleGuest, Do: DoFound},
	}
}

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_StartsSession(t *testing.T) {
	scenario := &Scenario{
		Name:  "start",
		Board: twoPistonBoard(),
		Flow:  startFlow(),
		Assertions: []Assertion{
			{Type: AssertState, Expect: "running"},
			{Type: AssertLevelSum},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, "test-session-default", result.Session)

	// 3 relay events, 2 target flags and 12 setup messages.
	assert.Len(t, result.Trace, 17)
	assert.Equal(t, "peer_joined", result.Trace[0].Kind)
	assert.Equal(t, "relay", result.Trace[0].Sender)
	assert.Equal(t, "setup_complete", result.Trace[16].Kind)

	for _, role := range []string{RoleMaster, RoleGuest} {
		v := result.Views[role]
		assert.Equal(t, session.Running, v.State, role)
		assert.True(t, v.Sealed, role)
		assert.Equal(t, 4, v.Pistons[0].Level(), role)
		assert.Equal(t, 16, v.Pistons[1].Level(), role)
	}
	assert.Equal(t, []int{0}, ids(result.Views[RoleMaster].Owned))
	assert.Equal(t, []int{1}, ids(result.Views[RoleGuest].Owned))
}

func TestRun_UsesScenarioSession(t *testing.T) {
	scenario := &Scenario{
		Name:    "named",
		Session: "session-42",
		Board:   twoPistonBoard(),
		Flow:    startFlow(),
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, "session-42", result.Session)
	assert.Equal(t, "session-42", result.Views[RoleGuest].Session)
}

func TestRun_Deterministic(t *testing.T) {
	scenario := loadScenario(t, "four_piston_balance")

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Replays[RoleMaster].Digest, second.Replays[RoleMaster].Digest)
}

func TestRun_UnexpectedStepError(t *testing.T) {
	scenario := &Scenario{
		Name:  "unexpected",
		Board: twoPistonBoard(),
		Flow: append(startFlow(),
			Step{Peer: RoleMaster, Do: DoTap, Piston: 1},
		),
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow step 2 (master tap): unexpected error")
	assert.Contains(t, result.Errors[0], "AUTHORITY_VIOLATION")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	scenario := &Scenario{
		Name:  "missing",
		Board: twoPistonBoard(),
		Flow: append(startFlow(),
			Step{Peer: RoleMaster, Do: DoTap, Piston: 0, Error: "AUTHORITY_VIOLATION"},
		),
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected AUTHORITY_VIOLATION, got success")
}

func TestRun_WrongErrorCode(t *testing.T) {
	scenario := &Scenario{
		Name:  "wrong_code",
		Board: twoPistonBoard(),
		Flow: append(startFlow(),
			Step{Peer: RoleGuest, Do: DoTap, Piston: 9, Error: "AUTHORITY_VIOLATION"},
		),
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected AUTHORITY_VIOLATION, got")
	assert.Contains(t, result.Errors[0], "UNKNOWN_PISTON")
}

func TestRun_TickAdvancesTimer(t *testing.T) {
	scenario := &Scenario{
		Name:   "timer",
		Board:  twoPistonBoard(),
		TickHz: 7,
		Flow: append(startFlow(),
			Step{Do: DoTick, Seconds: 3},
		),
		Assertions: []Assertion{
			{Type: AssertSeconds, Value: 3},
			{Type: AssertTraceCount, Kind: "set_seconds_passed", Sender: RoleMaster, Count: 3},
			{Type: AssertReplay},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_ScenarioFiles(t *testing.T) {
	for _, name := range []string{
		"two_piston_win",
		"four_piston_balance",
		"authority_violation",
		"target_lost",
		"leave_abandons",
	} {
		t.Run(name, func(t *testing.T) {
			scenario := loadScenario(t, name)
			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_LeaveAbandonsBothSides(t *testing.T) {
	result, err := Run(loadScenario(t, "leave_abandons"))
	require.NoError(t, err)

	assert.Equal(t, session.Abandoned, result.Views[RoleMaster].State)
	assert.Equal(t, session.Abandoned, result.Views[RoleGuest].State)
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "peer_left", last.Kind)
	assert.Equal(t, map[string]any{"peer": "guest"}, last.Args)
}

func ids[T ~int](in []T) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
