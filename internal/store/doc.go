// Package store provides the SQLite-backed session journal.
//
// Each peer journals its own view of a session: every envelope it sent and
// every envelope it accepted, in application order. The journal is an audit
// log for replay and tracing; it is never read back as live game state.
//
// # Ordering
//
//   - messages.ord is assigned on insert and is the application order
//   - reads always ORDER BY ord ASC
//   - envelope seq numbers are per sender and are kept for verification
//
// # Identity
//
// Message ids are content-addressed (protocol.MessageID). Appending the same
// envelope twice for the same local peer is a no-op (ON CONFLICT DO NOTHING).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
