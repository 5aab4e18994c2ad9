// Package engine runs one peer of a piston session.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Each peer owns its board and session machine in a single goroutine. Local
// collaborator events (target found/lost, weight step, taps, leave) arrive
// on an input queue; remote envelopes arrive on a transport.Channel. Both
// are drained once per tick of a fixed-rate loop (30 Hz by default):
//
//  1. Inputs, in submission order. A tap on an owned piston adds the
//     selected step to its weight, broadcasts set_weight, recomputes the
//     pair balance and broadcasts every level change.
//  2. Envelopes, in delivery order. Each passes the receiver-side
//     verification table before it is applied; a rejected envelope is
//     logged and dropped, never applied and never re-broadcast.
//  3. Master duties: start and set up the board once both targets are
//     found, advance the timer, detect the win.
//
// Tick is exported so tests and the scenario harness can step two engines
// deterministically; Run only adds the ticker.
//
// AUTHORITY:
// Receivers trust no claim made by a sender. Setup, timer and win messages
// are accepted from the master only; weights from the piston's authority
// only; levels from the authority of either piston of the pair.
//
// ORDERING:
// Every envelope carries the sender's logical clock (Clock). Envelopes that
// do not advance the sender's sequence are rejected as STALE_SEQUENCE, so a
// duplicated or reordered delivery can never roll a piston back.
//
// JOURNAL AND REPLAY:
// With WithJournal, every envelope the engine applies is journaled in
// application order, outgoing and incoming alike. Replay feeds a journal
// back through the same receive path and re-checks the board invariants.
package engine
