package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/setup"
)

// Roles of the two scenario peers. The master creates the room.
const (
	RoleMaster = "master"
	RoleGuest  = "guest"
	RoleBoth   = "both"
)

// Step actions.
const (
	DoFound = "found"
	DoLost  = "lost"
	DoTap   = "tap"
	DoStep  = "step"
	DoTick  = "tick"
	DoLeave = "leave"
)

// Assertion types.
const (
	AssertState      = "state"
	AssertLevelSum   = "level_sum"
	AssertBalanced   = "balanced"
	AssertWinCount   = "win_count"
	AssertSeconds    = "seconds"
	AssertTraceCount = "trace_count"
	AssertWeight     = "weight"
	AssertLevel      = "level"
	AssertReplay     = "replay"
)

// Scenario drives two peers through a session on an in-memory relay.
type Scenario struct {
	// Name uniquely identifies this scenario; it also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Session is the fixed session id the relay mints. Defaults to
	// "test-session-default".
	Session string `yaml:"session,omitempty"`

	// Board is the fixed setup the master broadcasts.
	Board Board `yaml:"board"`

	// Weight configures the weight panel.
	Weight WeightPanel `yaml:"weight,omitempty"`

	// TickHz only affects how many loop rounds a tick step runs.
	TickHz int `yaml:"tick_hz,omitempty"`

	// Flow is the ordered list of collaborator events.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Board is a fixed layout. Materials decide ownership: 0 belongs to the
// master, 1 to the guest.
type Board struct {
	Rows      int             `yaml:"rows"`
	Cols      int             `yaml:"cols"`
	Pairs     [][2]int        `yaml:"pairs"`
	Materials []int           `yaml:"materials"`
	Areas     []int           `yaml:"areas"`
	Levels    map[int]float64 `yaml:"levels,omitempty"`
}

// WeightPanel is the optional weight configuration.
type WeightPanel struct {
	Initial int   `yaml:"initial,omitempty"`
	Steps   []int `yaml:"steps,omitempty"`
	Step    int   `yaml:"step,omitempty"`
}

// Step is one collaborator event. Every step except tick is followed by a
// settle: loop rounds with no elapsed time until both peers converged.
type Step struct {
	Peer    string `yaml:"peer,omitempty"`
	Do      string `yaml:"do"`
	Piston  int    `yaml:"piston,omitempty"`
	Value   int    `yaml:"value,omitempty"`
	Seconds int    `yaml:"seconds,omitempty"`

	// Error is the expected RuntimeError code. Empty means the step must
	// succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	Type   string `yaml:"type"`
	Peer   string `yaml:"peer,omitempty"`
	Expect string `yaml:"expect,omitempty"`
	Piston int    `yaml:"piston,omitempty"`
	Value  int    `yaml:"value,omitempty"`
	Count  int    `yaml:"count,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Sender string `yaml:"sender,omitempty"`
}

// Plan converts the board into a setup plan for setup.FixedPlanner.
func (b Board) Plan() setup.Plan {
	plan := setup.Plan{
		Positions: setup.Positions(b.Rows, b.Cols),
		Areas:     slices.Clone(b.Areas),
	}
	for _, p := range b.Pairs {
		plan.Pairs = append(plan.Pairs, [2]piston.ID{piston.ID(p[0]), piston.ID(p[1])})
	}
	for id, m := range b.Materials {
		plan.Grants = append(plan.Grants, setup.Grant{Piston: piston.ID(id), Material: m})
	}
	ids := make([]int, 0, len(b.Levels))
	for id := range b.Levels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		plan.Levels = append(plan.Levels, piston.Change{ID: piston.ID(id), Value: b.Levels[id]})
	}
	return plan
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}

	n := s.Board.Rows * s.Board.Cols
	if n == 0 {
		return fmt.Errorf("board: rows and cols are required")
	}
	if len(s.Board.Materials) != n {
		return fmt.Errorf("board: %d materials for %d pistons", len(s.Board.Materials), n)
	}
	if len(s.Board.Areas) != n {
		return fmt.Errorf("board: %d areas for %d pistons", len(s.Board.Areas), n)
	}
	if _, err := (setup.FixedPlanner{Layout: s.Board.Plan()}).Plan(RoleMaster, RoleGuest); err != nil {
		return fmt.Errorf("board: %w", err)
	}

	for i, step := range s.Flow {
		switch step.Do {
		case DoFound, DoLost, DoTap, DoStep, DoLeave:
			if step.Peer != RoleMaster && step.Peer != RoleGuest {
				return fmt.Errorf("flow step %d: %s needs peer master or guest, got %q", i, step.Do, step.Peer)
			}
		case DoTick:
			if step.Seconds < 0 {
				return fmt.Errorf("flow step %d: negative seconds", i)
			}
		default:
			return fmt.Errorf("flow step %d: unknown action %q", i, step.Do)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertState, AssertLevelSum, AssertBalanced, AssertWinCount, AssertSeconds,
			AssertTraceCount, AssertWeight, AssertLevel, AssertReplay:
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
		switch a.Peer {
		case "", RoleMaster, RoleGuest, RoleBoth:
		default:
			return fmt.Errorf("assertion %d: unknown peer %q", i, a.Peer)
		}
		if a.Type == AssertTraceCount && a.Kind == "" {
			return fmt.Errorf("assertion %d: trace_count needs a kind", i)
		}
	}
	return nil
}
