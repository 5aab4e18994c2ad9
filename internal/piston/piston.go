package piston

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxLevel is the highest integer level a piston can display.
	MaxLevel = 20

	// BalanceTolerance is the largest level difference a pair may have and
	// still count as balanced.
	BalanceTolerance = 2

	// DefaultWeight is the starting weight of every piston.
	DefaultWeight = 10

	// NoPartner marks a piston that has not been paired yet.
	NoPartner ID = -1

	// NoMaterial marks a piston whose material index was never assigned.
	NoMaterial = -1

	// halfSnap is how close to a .5 an unrounded level must be to round as
	// an exact half. It is far wider than the error of MaxLevel - v.
	halfSnap = 1e-9
)

// ID is a stable index into the board. IDs are never reused within a session.
type ID int

// PeerID identifies one of the two session peers.
type PeerID string

// Position is the grid cell a piston occupies.
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Sentinel errors returned by Board mutations.
var (
	ErrUnknownPiston     = errors.New("unknown piston")
	ErrImmutable         = errors.New("field already assigned")
	ErrSelfPair          = errors.New("piston cannot pair with itself")
	ErrAlreadyPaired     = errors.New("piston already paired")
	ErrUnpaired          = errors.New("piston has no partner")
	ErrInvalidArea       = errors.New("area must be positive")
	ErrInvalidMaterial   = errors.New("material index must be 0 or 1")
	ErrInvalidLevel      = errors.New("unrounded level must be finite")
	ErrDegenerateBalance = errors.New("degenerate balance computation")
)

// Piston is the replicated unit of simulation state.
type Piston struct {
	ID             ID
	Position       Position
	Weight         int
	Area           int
	Partner        ID
	UnroundedLevel float64
	Authority      PeerID
	MaterialIndex  int

	positioned bool
}

// Level returns the displayed level: round-half-to-even of the unrounded
// level, clamped to [0, MaxLevel].
func (p *Piston) Level() int {
	return RoundLevel(p.UnroundedLevel)
}

// Paired reports whether a partner has been assigned.
func (p *Piston) Paired() bool {
	return p.Partner != NoPartner
}

// RoundLevel converts an unrounded level into a displayed level. Values
// within halfSnap of a half are rounded as that half, so a pair stored as v
// and MaxLevel - v always displays levels summing to MaxLevel.
func RoundLevel(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if half := math.Floor(v) + 0.5; math.Abs(v-half) < halfSnap {
		v = half
	}
	l := int(math.RoundToEven(v))
	if l < 0 {
		return 0
	}
	if l > MaxLevel {
		return MaxLevel
	}
	return l
}

func (p *Piston) String() string {
	return fmt.Sprintf("piston(%d r%d c%d w=%d a=%d lvl=%d partner=%d owner=%s)",
		p.ID, p.Position.Row, p.Position.Col, p.Weight, p.Area, p.Level(), p.Partner, p.Authority)
}
