package engine

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/session"
)

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeStarted   NoticeKind = "started"
	NoticeTimer     NoticeKind = "timer"
	NoticeWon       NoticeKind = "won"
	NoticeDeparture NoticeKind = "departure"
	NoticeHint      NoticeKind = "hint"
	NoticeRejected  NoticeKind = "rejected"
)

// Notice is something a UI should show to the local player.
type Notice struct {
	Kind    NoticeKind
	Text    string
	Seconds int
	Err     error // set for NoticeRejected
}

// noticeBuffer bounds the notices channel. A UI that stops reading loses
// notices instead of stalling the loop.
const noticeBuffer = 64

// HintText is shown while the local target is not tracked.
const HintText = "Point the camera at the image target"

// View is a consistent copy of the engine state for rendering.
type View struct {
	Session     string
	Local       piston.PeerID
	Master      piston.PeerID
	Other       piston.PeerID
	State       session.State
	Seconds     int
	Step        int
	Sealed      bool
	Wins        int
	TargetFound map[piston.PeerID]bool
	Pistons     []piston.Piston
	Owned       []piston.ID
}

// Balanced reports whether every piston in the view is balanced.
func (v View) Balanced() bool {
	if len(v.Pistons) == 0 {
		return false
	}
	for _, p := range v.Pistons {
		if !p.Paired() {
			return false
		}
		d := p.Level() - v.Pistons[p.Partner].Level()
		if d < -piston.BalanceTolerance || d > piston.BalanceTolerance {
			return false
		}
	}
	return true
}

// Snapshot returns the view published by the last Tick or Handle.
// Safe to call from any goroutine.
func (e *Engine) Snapshot() View {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v := e.view
	v.TargetFound = maps.Clone(e.view.TargetFound)
	v.Pistons = slices.Clone(e.view.Pistons)
	v.Owned = slices.Clone(e.view.Owned)
	return v
}

// Notices returns the channel of user-visible notices.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

func (e *Engine) publish() {
	ctx := e.machine.Context()
	v := View{
		Session:     ctx.Session,
		Local:       e.local,
		Master:      ctx.Master(),
		Other:       ctx.Other(),
		State:       e.machine.State(),
		Seconds:     e.machine.Seconds(),
		Step:        e.step,
		Sealed:      e.sealed,
		Wins:        e.wins,
		TargetFound: ctx.TargetFound,
		Pistons:     e.board.Snapshot(),
	}
	for _, p := range v.Pistons {
		if p.Authority == e.local {
			v.Owned = append(v.Owned, p.ID)
		}
	}

	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		slog.Debug("notice dropped", "kind", n.Kind, "local", e.local)
	}
}
