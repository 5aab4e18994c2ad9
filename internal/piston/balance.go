package piston

import (
	"fmt"
	"math"
)

// ComputeUnroundedLevel returns the new unrounded level of piston 1 given the
// weight and area of both pistons in the pair:
//
//	dH         = w1/a1 - w2/a2
//	upperBound = w1/a1 + w2/a2
//	levelDiff  = dH / upperBound * MaxLevel
//	level1     = MaxLevel/2 - levelDiff/2
//
// A heavier (per area) piston sits lower. Areas are positive by construction
// and weights only grow from DefaultWeight, so a zero upper bound means the
// state is corrupt; it is reported as ErrDegenerateBalance instead of
// producing NaN.
func ComputeUnroundedLevel(w1, a1, w2, a2 int) (float64, error) {
	if a1 <= 0 || a2 <= 0 {
		return 0, fmt.Errorf("%w: areas %d/%d", ErrDegenerateBalance, a1, a2)
	}
	r1 := float64(w1) / float64(a1)
	r2 := float64(w2) / float64(a2)
	upper := r1 + r2
	if upper == 0 {
		return 0, fmt.Errorf("%w: zero total pressure (weights %d/%d)", ErrDegenerateBalance, w1, w2)
	}
	diff := (r1 - r2) / upper * MaxLevel
	level := MaxLevel/2.0 - diff/2
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return 0, fmt.Errorf("%w: non-finite level", ErrDegenerateBalance)
	}
	return level, nil
}
