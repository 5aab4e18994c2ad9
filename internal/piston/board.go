package piston

import (
	"fmt"
	"math"
)

// Change records one applied unrounded-level assignment.
type Change struct {
	ID    ID
	Value float64
}

// Board is the fixed array of pistons for one session.
type Board struct {
	pistons []Piston
}

// NewBoard allocates n unpaired pistons with the given starting weight.
func NewBoard(n int, defaultWeight int) *Board {
	b := &Board{pistons: make([]Piston, n)}
	for i := range b.pistons {
		b.pistons[i] = Piston{
			ID:            ID(i),
			Weight:        defaultWeight,
			Partner:       NoPartner,
			MaterialIndex: NoMaterial,
		}
	}
	return b
}

// Len returns the number of pistons.
func (b *Board) Len() int {
	return len(b.pistons)
}

// Get returns a copy of the piston with the given id.
func (b *Board) Get(id ID) (Piston, error) {
	p, err := b.at(id)
	if err != nil {
		return Piston{}, err
	}
	return *p, nil
}

// IDs returns every piston id in index order.
func (b *Board) IDs() []ID {
	ids := make([]ID, len(b.pistons))
	for i := range b.pistons {
		ids[i] = ID(i)
	}
	return ids
}

func (b *Board) at(id ID) (*Piston, error) {
	if id < 0 || int(id) >= len(b.pistons) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPiston, id)
	}
	return &b.pistons[id], nil
}

// SetPosition assigns the grid cell of a piston. Init-only.
func (b *Board) SetPosition(id ID, pos Position) error {
	p, err := b.at(id)
	if err != nil {
		return err
	}
	if p.positioned {
		return fmt.Errorf("position of %d: %w", id, ErrImmutable)
	}
	p.Position = pos
	p.positioned = true
	return nil
}

// Pair couples two pistons symmetrically. A freshly paired couple rests at
// mid height, so the pair sums to MaxLevel from the start.
func (b *Board) Pair(first, second ID) error {
	if first == second {
		return fmt.Errorf("%w: %d", ErrSelfPair, first)
	}
	p1, err := b.at(first)
	if err != nil {
		return err
	}
	p2, err := b.at(second)
	if err != nil {
		return err
	}
	if p1.Paired() {
		return fmt.Errorf("%w: %d", ErrAlreadyPaired, first)
	}
	if p2.Paired() {
		return fmt.Errorf("%w: %d", ErrAlreadyPaired, second)
	}
	p1.Partner = second
	p2.Partner = first
	p1.UnroundedLevel = MaxLevel / 2
	p2.UnroundedLevel = MaxLevel / 2
	return nil
}

// Partner returns the partner id, or ErrUnpaired.
func (b *Board) Partner(id ID) (ID, error) {
	p, err := b.at(id)
	if err != nil {
		return NoPartner, err
	}
	if !p.Paired() {
		return NoPartner, fmt.Errorf("%w: %d", ErrUnpaired, id)
	}
	return p.Partner, nil
}

// SetArea assigns the piston's area. Init-only.
func (b *Board) SetArea(id ID, area int) error {
	p, err := b.at(id)
	if err != nil {
		return err
	}
	if area <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidArea, area)
	}
	if p.Area != 0 {
		return fmt.Errorf("area of %d: %w", id, ErrImmutable)
	}
	p.Area = area
	return nil
}

// SetAuthority grants a peer exclusive write authority over a piston's
// weight. The grant is irrevocable for the session.
func (b *Board) SetAuthority(id ID, peer PeerID) error {
	p, err := b.at(id)
	if err != nil {
		return err
	}
	if p.Authority != "" {
		return fmt.Errorf("authority of %d: %w", id, ErrImmutable)
	}
	p.Authority = peer
	return nil
}

// Authority returns the peer holding authority over a piston ("" if none).
func (b *Board) Authority(id ID) (PeerID, error) {
	p, err := b.at(id)
	if err != nil {
		return "", err
	}
	return p.Authority, nil
}

// SetMaterialIndex records which peer's indicator material the piston shows.
func (b *Board) SetMaterialIndex(id ID, index int) error {
	p, err := b.at(id)
	if err != nil {
		return err
	}
	if index != 0 && index != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMaterial, index)
	}
	if p.MaterialIndex != NoMaterial {
		return fmt.Errorf("material of %d: %w", id, ErrImmutable)
	}
	p.MaterialIndex = index
	return nil
}

// SetWeight overwrites a piston's weight. Authority is the caller's concern.
func (b *Board) SetWeight(id ID, weight int) error {
	p, err := b.at(id)
	if err != nil {
		return err
	}
	p.Weight = weight
	return nil
}

// SetUnroundedLevel assigns v to the piston and reconciles its partner so the
// pair sums to MaxLevel. It returns the changes actually applied, in order:
// always the piston itself, then the partner if it was not already at
// MaxLevel - v.
//
// Applying the same value again (for example the partner change arriving
// over the network after a local reconcile) yields a single change and
// leaves the pair untouched.
func (b *Board) SetUnroundedLevel(id ID, v float64) ([]Change, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, v)
	}
	p, err := b.at(id)
	if err != nil {
		return nil, err
	}
	if !p.Paired() {
		return nil, fmt.Errorf("%w: %d", ErrUnpaired, id)
	}
	partner := &b.pistons[p.Partner]

	p.UnroundedLevel = v
	changes := []Change{{ID: id, Value: v}}

	want := MaxLevel - v
	if partner.UnroundedLevel != want {
		partner.UnroundedLevel = want
		changes = append(changes, Change{ID: partner.ID, Value: want})
	}
	return changes, nil
}

// Level returns the displayed level of a piston.
func (b *Board) Level(id ID) (int, error) {
	p, err := b.at(id)
	if err != nil {
		return 0, err
	}
	return p.Level(), nil
}

// IsBalanced reports whether the piston has a partner and their levels differ
// by at most BalanceTolerance.
func (b *Board) IsBalanced(id ID) bool {
	p, err := b.at(id)
	if err != nil || !p.Paired() {
		return false
	}
	d := p.Level() - b.pistons[p.Partner].Level()
	if d < 0 {
		d = -d
	}
	return d <= BalanceTolerance
}

// AllBalanced reports whether every piston is balanced. An empty board is
// never balanced.
func (b *Board) AllBalanced() bool {
	if len(b.pistons) == 0 {
		return false
	}
	for i := range b.pistons {
		if !b.IsBalanced(ID(i)) {
			return false
		}
	}
	return true
}

// Recompute runs the balance formula for a piston against its partner and
// returns the new unrounded level for the piston. It does not mutate.
func (b *Board) Recompute(id ID) (float64, error) {
	p, err := b.at(id)
	if err != nil {
		return 0, err
	}
	if !p.Paired() {
		return 0, fmt.Errorf("%w: %d", ErrUnpaired, id)
	}
	q := &b.pistons[p.Partner]
	return ComputeUnroundedLevel(p.Weight, p.Area, q.Weight, q.Area)
}

// Validate checks the setup invariants: perfect matching, positive areas and
// an authority on every piston.
func (b *Board) Validate() error {
	if len(b.pistons)%2 != 0 {
		return fmt.Errorf("board of %d pistons cannot be perfectly matched", len(b.pistons))
	}
	for i := range b.pistons {
		p := &b.pistons[i]
		if !p.Paired() {
			return fmt.Errorf("%w: %d", ErrUnpaired, p.ID)
		}
		if p.Partner == p.ID {
			return fmt.Errorf("%w: %d", ErrSelfPair, p.ID)
		}
		if b.pistons[p.Partner].Partner != p.ID {
			return fmt.Errorf("pairing of %d is not symmetric", p.ID)
		}
		if p.Area <= 0 {
			return fmt.Errorf("%w: piston %d", ErrInvalidArea, p.ID)
		}
		if p.Authority == "" {
			return fmt.Errorf("piston %d has no authority", p.ID)
		}
	}
	return nil
}

// Snapshot returns a copy of every piston in index order.
func (b *Board) Snapshot() []Piston {
	out := make([]Piston, len(b.pistons))
	copy(out, b.pistons)
	return out
}
