package harness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/session"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Peer     string       // Peer the assertion was checked on, if any
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	if e.Peer != "" {
		fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Peer)
	} else {
		fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	}
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s#%d %s %v\n", i+1, ev.Sender, ev.Seq, ev.Kind, ev.Args)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
// It does not stop at the first failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		for _, err := range evaluate(result, a) {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) []error {
	if a.Type == AssertTraceCount {
		if err := assertTraceCount(result.Trace, a); err != nil {
			return []error{err}
		}
		return nil
	}
	if a.Type == AssertReplay {
		return assertReplay(result, a)
	}

	var errs []error
	for _, role := range roles(a.Peer) {
		v, ok := result.Views[role]
		if !ok {
			errs = append(errs, fmt.Errorf("no view for %s", role))
			continue
		}
		if err := assertView(v, a); err != nil {
			err.Peer = role
			if a.Type == AssertState || a.Type == AssertBalanced {
				err.Trace = result.Trace
			}
			errs = append(errs, err)
		}
	}
	return errs
}

func roles(peer string) []string {
	switch peer {
	case RoleMaster, RoleGuest:
		return []string{peer}
	default:
		return []string{RoleMaster, RoleGuest}
	}
}

func assertView(v engine.View, a Assertion) *AssertionError {
	fail := func(expected, actual string) *AssertionError {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertState:
		want, err := session.ParseState(a.Expect)
		if err != nil {
			return fail(a.Expect, err.Error())
		}
		if v.State != want {
			return fail(want.String(), v.State.String())
		}

	case AssertLevelSum:
		if !v.Sealed {
			return fail("a sealed board", "setup not complete")
		}
		for _, p := range v.Pistons {
			if !p.Paired() {
				return fail("every piston paired", fmt.Sprintf("piston %d unpaired", p.ID))
			}
			q := v.Pistons[p.Partner]
			if p.Level()+q.Level() != piston.MaxLevel {
				return fail(fmt.Sprintf("pair %d-%d sums to %d", p.ID, q.ID, piston.MaxLevel),
					fmt.Sprintf("%d+%d", p.Level(), q.Level()))
			}
		}

	case AssertBalanced:
		want := true
		if a.Expect != "" {
			b, err := strconv.ParseBool(a.Expect)
			if err != nil {
				return fail(a.Expect, err.Error())
			}
			want = b
		}
		if v.Balanced() != want {
			return fail(fmt.Sprintf("balanced=%t", want), fmt.Sprintf("balanced=%t (levels %s)", !want, levels(v)))
		}

	case AssertWinCount:
		if v.Wins != a.Count {
			return fail(fmt.Sprintf("%d wins", a.Count), fmt.Sprintf("%d wins", v.Wins))
		}

	case AssertSeconds:
		if v.Seconds != a.Value {
			return fail(fmt.Sprintf("%d seconds", a.Value), fmt.Sprintf("%d seconds", v.Seconds))
		}

	case AssertWeight, AssertLevel:
		if a.Piston < 0 || a.Piston >= len(v.Pistons) {
			return fail(fmt.Sprintf("piston %d", a.Piston), fmt.Sprintf("board of %d pistons", len(v.Pistons)))
		}
		p := v.Pistons[a.Piston]
		got := p.Weight
		if a.Type == AssertLevel {
			got = p.Level()
		}
		if got != a.Value {
			return fail(fmt.Sprintf("%s of piston %d = %d", a.Type, a.Piston, a.Value), strconv.Itoa(got))
		}
	}
	return nil
}

func levels(v engine.View) string {
	parts := make([]string, len(v.Pistons))
	for i, p := range v.Pistons {
		parts[i] = strconv.Itoa(p.Level())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// assertTraceCount checks that a kind, optionally from one sender, was
// delivered exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Kind == a.Kind && (a.Sender == "" || ev.Sender == a.Sender) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	what := a.Kind
	if a.Sender != "" {
		what += " from " + a.Sender
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s delivered %d times", what, a.Count),
		Actual:   fmt.Sprintf("%d times", n),
		Trace:    trace,
	}
}

// assertReplay checks that every selected journal replays without a problem
// and, when both are checked, that they converge on the same board.
func assertReplay(result *Result, a Assertion) []error {
	var errs []error
	selected := roles(a.Peer)
	for _, role := range selected {
		r, ok := result.Replays[role]
		if !ok {
			errs = append(errs, fmt.Errorf("no replay for %s", role))
			continue
		}
		if !r.OK() {
			errs = append(errs, &AssertionError{
				Type:     AssertReplay,
				Peer:     role,
				Expected: "a clean replay",
				Actual:   strings.Join(r.Problems, "; "),
			})
		}
	}
	if len(selected) == 2 {
		m, g := result.Replays[RoleMaster], result.Replays[RoleGuest]
		if m.Digest != g.Digest {
			errs = append(errs, &AssertionError{
				Type:     AssertReplay,
				Expected: "identical board digests",
				Actual:   fmt.Sprintf("master %s, guest %s", m.Digest, g.Digest),
			})
		}
	}
	return errs
}
