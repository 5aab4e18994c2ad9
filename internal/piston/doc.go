// Package piston holds the replicated per-piston simulation state and the
// balance computation that couples two pistons into a pair.
//
// A Board is owned by exactly one goroutine (the peer engine's event loop).
// Nothing in this package locks; callers serialize access.
//
// # Invariants
//
//   - Pairing is a perfect matching: every piston has exactly one partner,
//     never itself, and partner(partner(x)) == x.
//   - After every SetUnroundedLevel call the pair satisfies
//     unrounded(a) + unrounded(b) == MaxLevel, hence level(a) + level(b) == MaxLevel.
//   - Position, area, authority and material index are written once.
//
// Level rounding is half-to-even. MaxLevel is even, so a pair sitting on a
// .5 boundary (7.5 / 12.5) still rounds to a pair that sums to MaxLevel.
package piston
