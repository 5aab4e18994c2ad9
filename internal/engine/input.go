package engine

import (
	"fmt"

	"github.com/roach88/pistonsync/internal/piston"
)

// Input is a local collaborator event: the AR tracker, the weight panel and
// the player's taps all reach the engine through the input queue.
type Input interface {
	input()
	String() string
}

// TargetFound reports that the local image target is tracked.
type TargetFound struct{}

// TargetLost reports that the local image target left the camera view.
type TargetLost struct{}

// Tap adds the selected weight step to a piston the local peer owns.
type Tap struct {
	Piston piston.ID
}

// SelectStep chooses the weight added by subsequent taps.
type SelectStep struct {
	Step int
}

// Leave exits the session.
type Leave struct{}

func (TargetFound) input() {}
func (TargetLost) input()  {}
func (Tap) input()         {}
func (SelectStep) input()  {}
func (Leave) input()       {}

func (TargetFound) String() string  { return "target_found" }
func (TargetLost) String() string   { return "target_lost" }
func (t Tap) String() string        { return fmt.Sprintf("tap(%d)", t.Piston) }
func (s SelectStep) String() string { return fmt.Sprintf("step(%d)", s.Step) }
func (Leave) String() string        { return "leave" }
