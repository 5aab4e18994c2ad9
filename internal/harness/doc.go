// Package harness runs two-peer piston scenarios as executable contract
// tests.
//
// A scenario fixes the board the master broadcasts, then scripts the
// collaborator events each peer sees: target found or lost, taps, step
// selection, elapsed time and leaving. Both peers are real engines joined
// through an in-memory relay; every delivered envelope lands in the trace.
//
// # Scenario Format
//
//	name: two_piston_win
//	description: "One tap on each side balances the board"
//	session: session-golden
//	board:
//	  rows: 1
//	  cols: 2
//	  pairs: [[0, 1]]
//	  materials: [0, 1]    # 0 is the master's, 1 the guest's
//	  areas: [1000, 1000]
//	  levels: {0: 4}
//	weight:
//	  step: 10
//	flow:
//	  - {peer: master, do: found}
//	  - {peer: guest, do: found}
//	  - {peer: guest, do: tap, piston: 1}
//	  - {peer: master, do: tap, piston: 0, error: ""}
//	  - {do: tick, seconds: 2}
//	assertions:
//	  - {type: state, expect: won}
//	  - {type: trace_count, kind: win, sender: master, count: 1}
//	  - {type: replay}
//
// # Assertion Types
//
//   - state: the session state on the selected peers
//   - level_sum: every pair sums to the maximum level
//   - balanced: whether the board is balanced (expect "true" or "false")
//   - win_count, seconds: counters of the final view
//   - weight, level: one piston's value
//   - trace_count: how often a kind was delivered, optionally per sender
//   - replay: both journals replay cleanly to the same board digest
//
// Assertions without a peer check both.
//
// # Deterministic Testing
//
// Each run uses a fixed session id, a manual clock, exact per-round tick
// durations and an in-memory SQLite journal, so traces are identical across
// runs and compare against golden files.
package harness
