// Package setup computes the one-time board layout of a session: grid
// positions, the pairing of pistons, the authority grants of each pair and
// the piston areas.
//
// Only the master runs a Planner. The resulting Plan is broadcast as explicit
// assignments; the other peer never derives any of it locally, since two
// independent random generators would diverge.
package setup
