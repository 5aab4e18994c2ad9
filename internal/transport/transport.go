// Package transport carries envelopes between the two peers of a session.
//
// A Channel is reliable and ordered per sender. Relay events (peer joined,
// peer left, session ready) are delivered on the same channel, interleaved
// in the order the relay observed them, with protocol.RelaySender as sender.
//
// A send that cannot be delivered because the link or the other peer is
// gone fails with ErrClosed; callers treat that as a disconnection rather
// than retrying.
package transport

import (
	"errors"

	"github.com/roach88/pistonsync/internal/protocol"
)

// MaxPeers is the number of peers a session room admits.
const MaxPeers = 2

var (
	ErrClosed         = errors.New("channel closed")
	ErrRoomFull       = errors.New("room is full")
	ErrRoomExists     = errors.New("room already exists")
	ErrNoRoom         = errors.New("no such room")
	ErrDuplicatePeer  = errors.New("peer already in room")
	ErrInvalidName    = errors.New("invalid room or peer name")
	ErrSenderMismatch = errors.New("envelope sender does not match link")
)

// Channel is one peer's view of a session's replication stream.
type Channel interface {
	// Send delivers env to every other peer. It never blocks.
	Send(env protocol.Envelope) error
	// TryReceive pops the next delivered envelope without blocking.
	TryReceive() (protocol.Envelope, bool)
	// Wait signals that envelopes may be available. Closed once the
	// channel is closed.
	Wait() <-chan struct{}
	// Close leaves the session.
	Close() error
}

// RoomInfo summarizes a room for lobby listings.
type RoomInfo struct {
	Name    string `json:"name"`
	Session string `json:"session"`
	Peers   int    `json:"peers"`
	Open    bool   `json:"open"`
}

// Recorder observes every envelope the relay delivers, in delivery order.
type Recorder interface {
	Record(room string, env protocol.Envelope)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(room string, env protocol.Envelope)

// Record implements Recorder.
func (f RecorderFunc) Record(room string, env protocol.Envelope) { f(room, env) }
