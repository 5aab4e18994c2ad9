package harness

import (
	"github.com/roach88/pistonsync/internal/engine"
)

// TraceEvent is one envelope as the relay delivered it.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Sender string         `json:"sender"`
	Kind   string         `json:"kind"`
	Args   map[string]any `json:"args"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as declared and every
	// assertion held.
	Pass bool `json:"pass"`

	// Session is the id the relay minted for the room.
	Session string `json:"session"`

	// Trace contains every delivered envelope in relay order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Views holds the final view of each peer, keyed by role.
	Views map[string]engine.View `json:"-"`

	// Replays holds the replay of each peer's journal, keyed by role.
	Replays map[string]engine.ReplayResult `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Views:   make(map[string]engine.View),
		Replays: make(map[string]engine.ReplayResult),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
