package session

import (
	"slices"

	"github.com/roach88/pistonsync/internal/piston"
)

// Context is the explicit session context handed to every component that
// needs peer or room state.
type Context struct {
	Session     string
	Local       piston.PeerID
	Peers       []piston.PeerID // join order; the first is master
	TargetFound map[piston.PeerID]bool
}

// Master returns the session master, or "" while no peer is known.
func (c Context) Master() piston.PeerID {
	if len(c.Peers) == 0 {
		return ""
	}
	return c.Peers[0]
}

// IsMaster reports whether the local peer is the master.
func (c Context) IsMaster() bool {
	return c.Local != "" && c.Master() == c.Local
}

// Other returns the remote peer, or "" while it is unknown.
func (c Context) Other() piston.PeerID {
	for _, p := range c.Peers {
		if p != c.Local {
			return p
		}
	}
	return ""
}

// Has reports whether peer is a member of the session.
func (c Context) Has(peer piston.PeerID) bool {
	return slices.Contains(c.Peers, peer)
}

func (c Context) clone() Context {
	out := c
	out.Peers = slices.Clone(c.Peers)
	out.TargetFound = make(map[piston.PeerID]bool, len(c.TargetFound))
	for k, v := range c.TargetFound {
		out.TargetFound[k] = v
	}
	return out
}
