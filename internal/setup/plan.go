package setup

import (
	"fmt"
	"math/rand/v2"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
)

// Plan is the complete one-time layout of a board.
type Plan struct {
	Positions []piston.Position // indexed by piston id
	Pairs     [][2]piston.ID
	Grants    []Grant
	Areas     []int // indexed by piston id
	Levels    []piston.Change
}

// Validate checks that the plan fully and consistently describes n pistons.
func (p Plan) Validate(n int) error {
	if n%2 != 0 {
		return fmt.Errorf("%w: got %d", ErrOddGrid, n)
	}
	if len(p.Positions) != n {
		return fmt.Errorf("plan has %d positions for %d pistons", len(p.Positions), n)
	}
	if len(p.Areas) != n {
		return fmt.Errorf("plan has %d areas for %d pistons", len(p.Areas), n)
	}

	partner := make(map[piston.ID]piston.ID, n)
	for _, pair := range p.Pairs {
		for _, id := range pair {
			if id < 0 || int(id) >= n {
				return fmt.Errorf("pair %v: %w", pair, piston.ErrUnknownPiston)
			}
			if _, dup := partner[id]; dup {
				return fmt.Errorf("pair %v: %w", pair, piston.ErrAlreadyPaired)
			}
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("pair %v: %w", pair, piston.ErrSelfPair)
		}
		partner[pair[0]] = pair[1]
		partner[pair[1]] = pair[0]
	}
	if len(partner) != n {
		return fmt.Errorf("pairing covers %d of %d pistons", len(partner), n)
	}

	owner := make(map[piston.ID]Grant, n)
	for _, g := range p.Grants {
		if _, dup := owner[g.Piston]; dup {
			return fmt.Errorf("piston %d granted twice", g.Piston)
		}
		if g.Material != MaterialMaster && g.Material != MaterialGuest {
			return fmt.Errorf("piston %d: %w", g.Piston, piston.ErrInvalidMaterial)
		}
		if g.Peer == "" {
			return fmt.Errorf("piston %d granted to no peer", g.Piston)
		}
		owner[g.Piston] = g
	}
	if len(owner) != n {
		return fmt.Errorf("authority covers %d of %d pistons", len(owner), n)
	}
	for a, b := range partner {
		if owner[a].Peer == owner[b].Peer {
			return fmt.Errorf("pair %d-%d is owned by a single peer", a, b)
		}
	}

	for id, area := range p.Areas {
		if area <= 0 {
			return fmt.Errorf("piston %d: %w", id, piston.ErrInvalidArea)
		}
	}
	for _, l := range p.Levels {
		if _, ok := partner[l.ID]; !ok {
			return fmt.Errorf("initial level for %d: %w", l.ID, piston.ErrUnknownPiston)
		}
		if l.Value < 0 || l.Value > piston.MaxLevel {
			return fmt.Errorf("initial level %v for %d: %w", l.Value, l.ID, piston.ErrInvalidLevel)
		}
	}
	return nil
}

// Messages returns the broadcast order of the plan: positions, pairs,
// authority transfers with their material index, areas, initial levels and
// finally setup_complete.
func (p Plan) Messages() []protocol.Message {
	msgs := make([]protocol.Message, 0, len(p.Positions)+len(p.Pairs)+2*len(p.Grants)+len(p.Areas)+len(p.Levels)+1)
	for id, pos := range p.Positions {
		msgs = append(msgs, protocol.SetPosition{Piston: piston.ID(id), Row: pos.Row, Col: pos.Col})
	}
	for _, pair := range p.Pairs {
		msgs = append(msgs, protocol.SetPairedPistons{First: pair[0], Second: pair[1]})
	}
	for _, g := range p.Grants {
		msgs = append(msgs,
			protocol.TransferAuthority{Piston: g.Piston, Peer: g.Peer},
			protocol.SetMaterialIndex{Piston: g.Piston, Index: g.Material},
		)
	}
	for id, area := range p.Areas {
		msgs = append(msgs, protocol.SetSquare{Piston: piston.ID(id), Area: area})
	}
	for _, l := range p.Levels {
		msgs = append(msgs, protocol.SetUnroundedLevel{Piston: l.ID, Value: l.Value})
	}
	return append(msgs, protocol.SetupComplete{})
}

// Owned returns the pistons granted to peer, in grant order.
func (p Plan) Owned(peer piston.PeerID) []piston.ID {
	var out []piston.ID
	for _, g := range p.Grants {
		if g.Peer == peer {
			out = append(out, g.Piston)
		}
	}
	return out
}

// Options parameterize a RandomPlanner.
type Options struct {
	Rows         int
	Cols         int
	AreaMin      int
	AreaMax      int
	RandomLevels bool
}

// Planner produces the setup plan for a session once both peers are known.
type Planner interface {
	Plan(master, guest piston.PeerID) (Plan, error)
}

// RandomPlanner draws every part of the plan from one generator.
type RandomPlanner struct {
	opts Options
	rng  *rand.Rand
}

// NewRandomPlanner returns a planner drawing from rng.
func NewRandomPlanner(opts Options, rng *rand.Rand) *RandomPlanner {
	return &RandomPlanner{opts: opts, rng: rng}
}

// Plan implements Planner.
func (r *RandomPlanner) Plan(master, guest piston.PeerID) (Plan, error) {
	n := r.opts.Rows * r.opts.Cols
	if n%2 != 0 {
		return Plan{}, fmt.Errorf("%w: %dx%d grid", ErrOddGrid, r.opts.Rows, r.opts.Cols)
	}
	ids := make([]piston.ID, n)
	for i := range ids {
		ids[i] = piston.ID(i)
	}

	pairs, err := Pair(ids, r.rng)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Positions: Positions(r.opts.Rows, r.opts.Cols),
		Pairs:     pairs,
		Grants:    AssignAuthority(pairs, master, guest, r.rng),
	}
	if plan.Areas, err = Areas(n, r.opts.AreaMin, r.opts.AreaMax, r.rng); err != nil {
		return Plan{}, err
	}
	if r.opts.RandomLevels {
		plan.Levels = InitialLevels(pairs, r.rng)
	}
	return plan, plan.Validate(n)
}

// FixedPlanner replays a predetermined layout. Grant peers are resolved from
// the material index at planning time, so one layout works for any pair of
// peer ids: material 0 goes to the master and 1 to the guest.
type FixedPlanner struct {
	Layout Plan
}

// Plan implements Planner.
func (f FixedPlanner) Plan(master, guest piston.PeerID) (Plan, error) {
	plan := f.Layout
	plan.Grants = make([]Grant, len(f.Layout.Grants))
	for i, g := range f.Layout.Grants {
		g.Peer = master
		if g.Material == MaterialGuest {
			g.Peer = guest
		}
		plan.Grants[i] = g
	}
	return plan, plan.Validate(len(plan.Positions))
}
