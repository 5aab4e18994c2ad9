// Package autoplay contains scripted players. They stand in for the people
// holding the phones: point the camera at the target, then keep loading the
// higher side of every unbalanced pair they own until the board settles.
//
// Two entry points share the same tap policy (NextTap):
//
//   - Player drives a live engine through Submit while Run owns it.
//   - Simulate steps two engines on an in-memory hub deterministically.
package autoplay

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/session"
)

// NextTap picks the owned piston a player should load next: the one standing
// highest above its partner, by more than tolerance. Adding weight to a
// piston lowers it. Ties go to the lower id. ok is false when the local peer
// has nothing useful to tap.
func NextTap(v engine.View, local piston.PeerID, tolerance int) (id piston.ID, ok bool) {
	best := 0
	for _, p := range v.Pistons {
		if p.Authority != local || !p.Paired() || int(p.Partner) >= len(v.Pistons) {
			continue
		}
		d := p.Level() - v.Pistons[p.Partner].Level()
		if d > tolerance && d > best {
			best, id, ok = d, p.ID, true
		}
	}
	return id, ok
}

// Driver is the part of an engine a Player needs.
// Implemented by *engine.Engine.
type Driver interface {
	Local() piston.PeerID
	Snapshot() engine.View
	Submit(in engine.Input) bool
}

// Player taps on a live engine at a human pace.
type Player struct {
	Driver    Driver
	Interval  time.Duration // pause between decisions
	Tolerance int
	// LeaveOnEnd submits Leave once the session is won.
	LeaveOnEnd bool
}

// Play reports the target found, then taps until the session ends or ctx is
// cancelled. It returns the number of taps submitted.
func (p *Player) Play(ctx context.Context) (int, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	local := p.Driver.Local()
	if !p.Driver.Submit(engine.TargetFound{}) {
		return 0, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	taps := 0
	for {
		select {
		case <-ctx.Done():
			return taps, ctx.Err()
		case <-ticker.C:
		}

		v := p.Driver.Snapshot()
		switch v.State {
		case session.Won:
			slog.Info("autoplay finished", "local", local, "session", v.Session, "seconds", v.Seconds, "taps", taps)
			if p.LeaveOnEnd {
				p.Driver.Submit(engine.Leave{})
			}
			return taps, nil
		case session.Abandoned:
			slog.Info("autoplay abandoned", "local", local, "session", v.Session, "taps", taps)
			return taps, nil
		case session.Running:
		default:
			continue
		}
		if !v.Sealed || !v.TargetFound[local] {
			continue
		}

		id, ok := NextTap(v, local, p.Tolerance)
		if !ok {
			continue
		}
		if !p.Driver.Submit(engine.Tap{Piston: id}) {
			return taps, nil
		}
		taps++
	}
}
