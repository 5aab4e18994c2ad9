package testutil

// FixedSessionGenerator hands out the same session id every time.
//
// Unlike engine.FixedGenerator, which returns ids in sequence and panics when
// they run out, this generator never runs dry. A scenario that recreates its
// room still lands in the same session, which keeps golden traces stable.
//
// Thread-safety: FixedSessionGenerator is stateless and safe for concurrent use.
type FixedSessionGenerator struct {
	id string
}

// NewFixedSessionGenerator creates a generator for id. An empty id becomes
// "test-session-default".
func NewFixedSessionGenerator(id string) *FixedSessionGenerator {
	if id == "" {
		id = "test-session-default"
	}
	return &FixedSessionGenerator{id: id}
}

// Generate returns the fixed id. Implements engine.IDGenerator.
func (g *FixedSessionGenerator) Generate() string {
	return g.id
}
