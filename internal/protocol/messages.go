package protocol

import (
	"github.com/roach88/pistonsync/internal/piston"
)

// Kind names a message on the wire.
type Kind string

const (
	KindSetPosition       Kind = "set_position"
	KindSetPairedPistons  Kind = "set_paired_pistons"
	KindSetMaterialIndex  Kind = "set_material_index"
	KindTransferAuthority Kind = "transfer_authority"
	KindSetSquare         Kind = "set_square"
	KindSetWeight         Kind = "set_weight"
	KindSetUnroundedLevel Kind = "set_unrounded_level"
	KindSetSecondsPassed  Kind = "set_seconds_passed"
	KindWin               Kind = "win"
	KindSetupComplete     Kind = "setup_complete"
	KindTargetFound       Kind = "target_found"

	// Relay events. Only the relay may send these.
	KindPeerJoined   Kind = "peer_joined"
	KindPeerLeft     Kind = "peer_left"
	KindSessionReady Kind = "session_ready"
)

// RelaySender is the sender id stamped on lobby events.
const RelaySender piston.PeerID = "relay"

// Message is a typed payload.
type Message interface {
	Kind() Kind
}

// SetPosition assigns a piston's grid cell. Init-only, master to all.
type SetPosition struct {
	Piston piston.ID `json:"piston"`
	Row    int       `json:"row"`
	Col    int       `json:"col"`
}

// SetPairedPistons couples two pistons. Init-only, master to all.
type SetPairedPistons struct {
	First  piston.ID `json:"first"`
	Second piston.ID `json:"second"`
}

// SetMaterialIndex records the indicator material of a piston.
type SetMaterialIndex struct {
	Piston piston.ID `json:"piston"`
	Index  int       `json:"index"`
}

// TransferAuthority grants a peer write authority over a piston's weight.
type TransferAuthority struct {
	Piston piston.ID     `json:"piston"`
	Peer   piston.PeerID `json:"peer"`
}

// SetSquare assigns a piston's area. Init-only, master to all.
type SetSquare struct {
	Piston piston.ID `json:"piston"`
	Area   int       `json:"area"`
}

// SetWeight replicates a weight change from the piston's authority.
type SetWeight struct {
	Piston piston.ID `json:"piston"`
	Weight int       `json:"weight"`
}

// SetUnroundedLevel replicates one applied level assignment.
type SetUnroundedLevel struct {
	Piston piston.ID `json:"piston"`
	Value  float64   `json:"value"`
}

// SetSecondsPassed is the master's timer broadcast.
type SetSecondsPassed struct {
	Seconds int `json:"seconds"`
}

// Win announces that every piston is balanced.
type Win struct{}

// SetupComplete seals the board: no init-only message is accepted after it.
type SetupComplete struct{}

// TargetFound is the sender's readiness flag.
type TargetFound struct {
	Found bool `json:"found"`
}

// PeerJoined is emitted by the relay when a peer enters the room.
type PeerJoined struct {
	Peer piston.PeerID `json:"peer"`
}

// PeerLeft is emitted by the relay when a peer leaves or its link drops.
type PeerLeft struct {
	Peer piston.PeerID `json:"peer"`
}

// SessionReady lists the room's peers in join order; the first is master.
type SessionReady struct {
	Peers []piston.PeerID `json:"peers"`
}

func (SetPosition) Kind() Kind       { return KindSetPosition }
func (SetPairedPistons) Kind() Kind  { return KindSetPairedPistons }
func (SetMaterialIndex) Kind() Kind  { return KindSetMaterialIndex }
func (TransferAuthority) Kind() Kind { return KindTransferAuthority }
func (SetSquare) Kind() Kind         { return KindSetSquare }
func (SetWeight) Kind() Kind         { return KindSetWeight }
func (SetUnroundedLevel) Kind() Kind { return KindSetUnroundedLevel }
func (SetSecondsPassed) Kind() Kind  { return KindSetSecondsPassed }
func (Win) Kind() Kind               { return KindWin }
func (SetupComplete) Kind() Kind     { return KindSetupComplete }
func (TargetFound) Kind() Kind       { return KindTargetFound }
func (PeerJoined) Kind() Kind        { return KindPeerJoined }
func (PeerLeft) Kind() Kind          { return KindPeerLeft }
func (SessionReady) Kind() Kind      { return KindSessionReady }

// IsInit reports whether the kind belongs to one-time board setup.
func (k Kind) IsInit() bool {
	switch k {
	case KindSetPosition, KindSetPairedPistons, KindSetMaterialIndex,
		KindTransferAuthority, KindSetSquare, KindSetupComplete:
		return true
	}
	return false
}

// IsRelay reports whether the kind may only originate from the relay.
func (k Kind) IsRelay() bool {
	switch k {
	case KindPeerJoined, KindPeerLeft, KindSessionReady:
		return true
	}
	return false
}

var decoders = map[Kind]func([]byte) (Message, error){
	KindSetPosition:       decodeAs[SetPosition],
	KindSetPairedPistons:  decodeAs[SetPairedPistons],
	KindSetMaterialIndex:  decodeAs[SetMaterialIndex],
	KindTransferAuthority: decodeAs[TransferAuthority],
	KindSetSquare:         decodeAs[SetSquare],
	KindSetWeight:         decodeAs[SetWeight],
	KindSetUnroundedLevel: decodeAs[SetUnroundedLevel],
	KindSetSecondsPassed:  decodeAs[SetSecondsPassed],
	KindWin:               decodeAs[Win],
	KindSetupComplete:     decodeAs[SetupComplete],
	KindTargetFound:       decodeAs[TargetFound],
	KindPeerJoined:        decodeAs[PeerJoined],
	KindPeerLeft:          decodeAs[PeerLeft],
	KindSessionReady:      decodeAs[SessionReady],
}

// Known reports whether k is a message kind this package can decode.
func Known(k Kind) bool {
	_, ok := decoders[k]
	return ok
}
