package setup

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/roach88/pistonsync/internal/piston"
)

var (
	// ErrOddGrid is returned when the piston count has no perfect matching.
	ErrOddGrid = errors.New("piston count must be even")
	// ErrAreaRange is returned for an empty or non-positive area range.
	ErrAreaRange = errors.New("invalid area range")
)

// Material indices shown on a piston's indicator.
const (
	MaterialMaster = 0
	MaterialGuest  = 1
)

// Grant gives one peer authority over one piston.
type Grant struct {
	Piston   piston.ID
	Peer     piston.PeerID
	Material int
}

// Positions lays pistons out row by row: id = row*cols + col.
func Positions(rows, cols int) []piston.Position {
	out := make([]piston.Position, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, piston.Position{Row: r, Col: c})
		}
	}
	return out
}

// Pair builds a perfect matching by repeatedly taking the first remaining id
// and coupling it with a uniformly chosen other remaining id.
func Pair(ids []piston.ID, rng *rand.Rand) ([][2]piston.ID, error) {
	if len(ids)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrOddGrid, len(ids))
	}
	remaining := make([]piston.ID, len(ids))
	copy(remaining, ids)

	pairs := make([][2]piston.ID, 0, len(ids)/2)
	for len(remaining) > 0 {
		first := remaining[0]
		j := 1 + rng.IntN(len(remaining)-1)
		second := remaining[j]
		pairs = append(pairs, [2]piston.ID{first, second})

		remaining = append(remaining[:j], remaining[j+1:]...)
		remaining = remaining[1:]
	}
	return pairs, nil
}

// AssignAuthority flips an independent coin per pair to decide which peer
// owns which side. Peers may therefore end up with unequal piston counts.
func AssignAuthority(pairs [][2]piston.ID, master, guest piston.PeerID, rng *rand.Rand) []Grant {
	grants := make([]Grant, 0, len(pairs)*2)
	for _, p := range pairs {
		masterSide, guestSide := p[0], p[1]
		if rng.IntN(2) == 1 {
			masterSide, guestSide = guestSide, masterSide
		}
		grants = append(grants,
			Grant{Piston: masterSide, Peer: master, Material: MaterialMaster},
			Grant{Piston: guestSide, Peer: guest, Material: MaterialGuest},
		)
	}
	return grants
}

// Areas draws n areas uniformly from [min, max].
func Areas(n, min, max int, rng *rand.Rand) ([]int, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrAreaRange, min, max)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = min + rng.IntN(max-min+1)
	}
	return out, nil
}

// InitialLevels gives the first piston of every pair a random integer level
// in [0, MaxLevel). Partners follow through reconciliation.
func InitialLevels(pairs [][2]piston.ID, rng *rand.Rand) []piston.Change {
	out := make([]piston.Change, len(pairs))
	for i, p := range pairs {
		out[i] = piston.Change{ID: p[0], Value: float64(rng.IntN(piston.MaxLevel))}
	}
	return out
}
