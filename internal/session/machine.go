package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/transport"
)

// State is a lifecycle state of a session.
type State int

const (
	WaitingForPeers State = iota
	WaitingForBothTargetsFound
	Running
	Won
	Abandoned
)

var stateNames = map[State]string{
	WaitingForPeers:            "waiting_for_peers",
	WaitingForBothTargetsFound: "waiting_for_both_targets_found",
	Running:                    "running",
	Won:                        "won",
	Abandoned:                  "abandoned",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st, n := range stateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", s)
}

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotRunning        = errors.New("session is not running")
	ErrStaleSeconds      = errors.New("timer value does not advance")
	ErrUnknownPeer       = errors.New("peer is not part of the session")
	ErrTooManyPeers      = errors.New("session admits two peers")
)

// Machine tracks the lifecycle of one session from one peer's point of view.
type Machine struct {
	ctx     Context
	state   State
	elapsed time.Duration
	seconds int
	leaver  piston.PeerID
}

// New creates a machine for the local peer.
func New(local piston.PeerID) *Machine {
	return &Machine{
		ctx: Context{
			Local:       local,
			TargetFound: map[piston.PeerID]bool{local: false},
		},
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Context returns a copy of the session context.
func (m *Machine) Context() Context { return m.ctx.clone() }

// Seconds returns the last timer value produced or applied.
func (m *Machine) Seconds() int { return m.seconds }

// Leaver returns the peer whose departure abandoned the session, if any.
func (m *Machine) Leaver() piston.PeerID { return m.leaver }

// Terminal reports whether the session reached Won or Abandoned.
func (m *Machine) Terminal() bool {
	return m.state == Won || m.state == Abandoned
}

// Frozen reports whether the board accepts no further play. This holds after
// a win and after abandonment.
func (m *Machine) Frozen() bool {
	return m.Terminal()
}

// SetSession records the session id announced by the relay.
func (m *Machine) SetSession(id string) {
	if m.ctx.Session == "" {
		m.ctx.Session = id
	}
}

// PeersChanged replaces the ordered peer list. Reaching two peers moves the
// session to WaitingForBothTargetsFound.
func (m *Machine) PeersChanged(peers []piston.PeerID) error {
	if len(peers) > transport.MaxPeers {
		return fmt.Errorf("%w: got %d", ErrTooManyPeers, len(peers))
	}
	if m.Terminal() {
		return nil
	}
	m.ctx.Peers = slices.Clone(peers)
	for _, p := range peers {
		if _, ok := m.ctx.TargetFound[p]; !ok {
			m.ctx.TargetFound[p] = false
		}
	}
	if m.state == WaitingForPeers && len(peers) == transport.MaxPeers {
		m.state = WaitingForBothTargetsFound
	}
	return nil
}

// PeerJoined appends a peer announced by the relay.
func (m *Machine) PeerJoined(peer piston.PeerID) error {
	if m.ctx.Has(peer) {
		return nil
	}
	return m.PeersChanged(append(slices.Clone(m.ctx.Peers), peer))
}

// PeerLeft removes a peer. If the remote peer leaves once the session has
// two members, the session is abandoned unless it was already won.
func (m *Machine) PeerLeft(peer piston.PeerID) {
	if m.Terminal() {
		return
	}
	idx := slices.Index(m.ctx.Peers, peer)
	if idx < 0 {
		return
	}
	m.ctx.Peers = slices.Delete(m.ctx.Peers, idx, idx+1)
	delete(m.ctx.TargetFound, peer)

	if m.state != WaitingForPeers || peer == m.ctx.Local {
		m.abandon(peer)
	}
}

// Disconnected records a transport failure. It is handled like the remote
// peer leaving.
func (m *Machine) Disconnected() {
	if m.Terminal() {
		return
	}
	m.abandon(m.ctx.Other())
}

func (m *Machine) abandon(leaver piston.PeerID) {
	m.state = Abandoned
	m.leaver = leaver
}

// SetTargetFound records a peer's readiness flag.
func (m *Machine) SetTargetFound(peer piston.PeerID, found bool) error {
	if peer != m.ctx.Local && !m.ctx.Has(peer) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	m.ctx.TargetFound[peer] = found
	return nil
}

// TargetFound returns a peer's readiness flag.
func (m *Machine) TargetFound(peer piston.PeerID) bool {
	return m.ctx.TargetFound[peer]
}

// BothReady reports whether two peers are present and both flags are set.
func (m *Machine) BothReady() bool {
	if len(m.ctx.Peers) != transport.MaxPeers {
		return false
	}
	for _, p := range m.ctx.Peers {
		if !m.ctx.TargetFound[p] {
			return false
		}
	}
	return true
}

// Start enters Running. The master calls it once BothReady holds; the other
// peer calls it when the master seals the board.
func (m *Machine) Start() error {
	if m.state != WaitingForBothTargetsFound {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.state)
	}
	m.state = Running
	return nil
}

// Advance accumulates elapsed time on the master and returns every integer
// second completed by this step, in order.
func (m *Machine) Advance(dt time.Duration) []int {
	if m.state != Running || dt <= 0 {
		return nil
	}
	m.elapsed += dt
	whole := int(m.elapsed / time.Second)
	if whole <= m.seconds {
		return nil
	}
	out := make([]int, 0, whole-m.seconds)
	for s := m.seconds + 1; s <= whole; s++ {
		out = append(out, s)
	}
	m.seconds = whole
	return out
}

// ApplySeconds records a timer value broadcast by the master. Values must
// strictly increase.
func (m *Machine) ApplySeconds(n int) error {
	if m.state != Running {
		return fmt.Errorf("%w: %s", ErrNotRunning, m.state)
	}
	if n <= m.seconds {
		return fmt.Errorf("%w: %d after %d", ErrStaleSeconds, n, m.seconds)
	}
	m.seconds = n
	return nil
}

// Win moves a running session to Won. A second win is an invalid
// transition.
func (m *Machine) Win() error {
	if m.state != Running {
		return fmt.Errorf("%w: win from %s", ErrInvalidTransition, m.state)
	}
	m.state = Won
	return nil
}
