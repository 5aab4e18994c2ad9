// Package config loads game configuration from CUE files and process
// settings from the environment.
//
// Precedence, lowest first: schema defaults, the CUE file, environment
// variables, command-line flags. Flags are applied by the CLI.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/setup"
)

//go:embed schema.cue
var schemaCUE []byte

// Validation error codes.
const (
	ErrCodeSchema     = "E200" // CUE schema violation or syntax error
	ErrCodeOddGrid    = "E201" // rows*cols has no perfect matching
	ErrCodeAreaRange  = "E202" // area.min > area.max
	ErrCodeStep       = "E203" // weight.step not among weight.steps
	ErrCodeDuration   = "E204" // unparseable duration
	ErrCodeFileAccess = "E205" // config file unreadable
)

// Game is the per-session game configuration.
type Game struct {
	Grid         Grid   `json:"grid"`
	Area         Area   `json:"area"`
	Weight       Weight `json:"weight"`
	TickHz       int    `json:"tick_hz"`
	RandomLevels bool   `json:"random_levels"`
	Room         Room   `json:"room"`
}

type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type Area struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type Weight struct {
	Initial int   `json:"initial"`
	Steps   []int `json:"steps"`
	Step    int   `json:"step"`
}

type Room struct {
	EmptyTTL string `json:"empty_ttl"`
}

// ValidationError is one configuration problem.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem found in one configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Default returns the schema defaults.
func Default() Game {
	g, err := Parse("defaults.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return g
}

// Load reads and validates a CUE configuration file.
func Load(path string) (Game, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Game{}, ValidationErrors{{Field: path, Message: err.Error(), Code: ErrCodeFileAccess}}
	}
	return Parse(path, data)
}

// Parse unifies data with the schema, fills defaults and runs the
// cross-field checks. filename only labels error positions.
func Parse(filename string, data []byte) (Game, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Game{}, schemaErrors(err)
	}

	file := ctx.CompileBytes(data, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return Game{}, schemaErrors(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Game")).Unify(file)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Game{}, schemaErrors(err)
	}

	var g Game
	if err := v.Decode(&g); err != nil {
		return Game{}, schemaErrors(err)
	}
	if err := g.Validate(); err != nil {
		return Game{}, err
	}
	return g, nil
}

// schemaErrors converts CUE errors, keeping the position of each.
func schemaErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Field: "cue", Message: e.Error(), Code: ErrCodeSchema}
		if path := e.Path(); len(path) > 0 {
			ve.Field = strings.Join(path, ".")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].IsValid() {
			ve.Line = pos[0].Line()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Field: "cue", Message: err.Error(), Code: ErrCodeSchema}}
	}
	return out
}

// Validate runs the checks the schema cannot express. It returns
// ValidationErrors holding every problem, or nil.
func (g Game) Validate() error {
	var errs ValidationErrors
	if n := g.Grid.Rows * g.Grid.Cols; n%2 != 0 {
		errs = append(errs, ValidationError{
			Field:   "grid",
			Message: fmt.Sprintf("%dx%d grid has %d pistons: %v", g.Grid.Rows, g.Grid.Cols, n, setup.ErrOddGrid),
			Code:    ErrCodeOddGrid,
		})
	}
	if g.Area.Min > g.Area.Max {
		errs = append(errs, ValidationError{
			Field:   "area",
			Message: fmt.Sprintf("min %d exceeds max %d", g.Area.Min, g.Area.Max),
			Code:    ErrCodeAreaRange,
		})
	}
	if len(g.Weight.Steps) > 0 && !slices.Contains(g.Weight.Steps, g.Weight.Step) {
		errs = append(errs, ValidationError{
			Field:   "weight.step",
			Message: fmt.Sprintf("%d is not one of %v", g.Weight.Step, g.Weight.Steps),
			Code:    ErrCodeStep,
		})
	}
	if _, err := time.ParseDuration(g.Room.EmptyTTL); err != nil {
		errs = append(errs, ValidationError{
			Field:   "room.empty_ttl",
			Message: err.Error(),
			Code:    ErrCodeDuration,
		})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// WithEnv applies environment overrides.
func (g Game) WithEnv(e Env) Game {
	if e.TickHz > 0 {
		g.TickHz = e.TickHz
	}
	return g
}

// Engine returns the engine parameters for this game.
func (g Game) Engine() engine.Config {
	return engine.Config{
		Pistons:       g.Grid.Rows * g.Grid.Cols,
		DefaultWeight: g.Weight.Initial,
		WeightSteps:   slices.Clone(g.Weight.Steps),
		DefaultStep:   g.Weight.Step,
		TickRate:      g.TickHz,
	}
}

// Setup returns the planner options for this game.
func (g Game) Setup() setup.Options {
	return setup.Options{
		Rows:         g.Grid.Rows,
		Cols:         g.Grid.Cols,
		AreaMin:      g.Area.Min,
		AreaMax:      g.Area.Max,
		RandomLevels: g.RandomLevels,
	}
}

// EmptyTTL returns how long the relay keeps an empty room listed. Validate
// guarantees it parses.
func (g Game) EmptyTTL() time.Duration {
	d, _ := time.ParseDuration(g.Room.EmptyTTL)
	return d
}
