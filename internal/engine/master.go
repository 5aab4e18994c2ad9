package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/session"
)

// masterDuties runs after the inbox is drained. Only the master starts the
// game, owns the timer and decides the win.
func (e *Engine) masterDuties(ctx context.Context, dt time.Duration) error {
	if !e.machine.Context().IsMaster() || e.machine.Terminal() {
		return nil
	}

	switch e.machine.State() {
	case session.WaitingForBothTargetsFound:
		if e.machine.BothReady() && !e.planned {
			return e.startAsMaster(ctx)
		}

	case session.Running:
		// A lost target pauses the clock and the win check until both
		// peers track their targets again.
		if !e.sealed || !e.machine.BothReady() {
			return nil
		}
		for _, s := range e.machine.Advance(dt) {
			if err := e.broadcast(ctx, protocol.SetSecondsPassed{Seconds: s}); err != nil {
				return err
			}
			e.notify(Notice{Kind: NoticeTimer, Text: session.FormatElapsed(s), Seconds: s})
		}
		if e.board.AllBalanced() {
			if err := e.machine.Win(); err != nil {
				return newError(ErrCodeInvariantViolation, "win").wrap(err)
			}
			e.won()
			return e.broadcast(ctx, protocol.Win{})
		}
	}
	return nil
}

// startAsMaster enters Running, then plans, applies and broadcasts the whole
// board before the first timer tick.
func (e *Engine) startAsMaster(ctx context.Context) error {
	e.planned = true
	sctx := e.machine.Context()

	if e.planner == nil {
		return newError(ErrCodeConfig, "master has no setup planner")
	}
	plan, err := e.planner.Plan(sctx.Master(), sctx.Other())
	if err != nil {
		return newError(ErrCodeConfig, "plan setup").wrap(err)
	}
	if err := plan.Validate(e.board.Len()); err != nil {
		return newError(ErrCodeConfig, "plan does not fit a board of %d pistons", e.board.Len()).wrap(err)
	}
	if err := e.machine.Start(); err != nil {
		return newError(ErrCodeInvariantViolation, "start").wrap(err)
	}
	e.writeSession(ctx, e.seed)
	slog.Info("session starting",
		"local", e.local,
		"session", sctx.Session,
		"guest", sctx.Other(),
		"pistons", e.board.Len(),
		"seed", strconv.FormatUint(e.seed, 10),
	)

	for _, msg := range plan.Messages() {
		if lvl, ok := msg.(protocol.SetUnroundedLevel); ok {
			if err := e.setLevel(ctx, lvl.Piston, lvl.Value); err != nil {
				return err
			}
			continue
		}
		if err := e.applySetup(ctx, msg); err != nil {
			return asFatal(err)
		}
		if err := e.broadcast(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// asFatal upgrades a rejection of the master's own plan: a plan the local
// board refuses cannot be played.
func asFatal(err error) error {
	var re *RuntimeError
	if errors.As(err, &re) && !IsFatal(err) {
		return newError(ErrCodeInvariantViolation, "apply own setup").on(re.Piston).wrap(err)
	}
	return err
}

// tap is the local weight interaction. Only the authority of a piston may
// change its weight; a refused tap sends nothing. Both sides of a pair tapped
// in the same tick leave each board holding the other peer's reconcile
// until the next tap on that pair.
func (e *Engine) tap(ctx context.Context, id piston.ID) error {
	if e.machine.Frozen() {
		return newError(ErrCodeSessionFrozen, "tap after %s", e.machine.State()).on(id)
	}
	if e.machine.State() != session.Running || !e.sealed {
		return newError(ErrCodeNotRunning, "tap in %s", e.machine.State()).on(id)
	}
	if !e.machine.TargetFound(e.local) {
		return newError(ErrCodeTargetLost, "tap while the target is not tracked").on(id)
	}
	p, err := e.board.Get(id)
	if err != nil {
		return newError(ErrCodeUnknownPiston, "tap").on(id).wrap(err)
	}
	if p.Authority != e.local {
		return newError(ErrCodeAuthorityViolation, "piston is owned by %q", p.Authority).on(id)
	}
	if e.step <= 0 {
		return newError(ErrCodeInvalidInput, "no weight step selected").on(id)
	}

	weight := p.Weight + e.step
	if err := e.board.SetWeight(id, weight); err != nil {
		return newError(ErrCodeInvariantViolation, "set weight").on(id).wrap(err)
	}
	if err := e.broadcast(ctx, protocol.SetWeight{Piston: id, Weight: weight}); err != nil {
		return err
	}

	v, err := e.board.Recompute(id)
	if err != nil {
		return levelError(id, err)
	}
	slog.Debug("tap", "local", e.local, "piston", id, "weight", weight, "level", protocol.FormatLevel(v))
	return e.setLevel(ctx, id, v)
}

// setLevel applies a level locally and broadcasts every change the
// reconciliation produced, in order.
func (e *Engine) setLevel(ctx context.Context, id piston.ID, v float64) error {
	changes, err := e.board.SetUnroundedLevel(id, v)
	if err != nil {
		return asFatal(levelError(id, err))
	}
	for _, c := range changes {
		if err := e.broadcast(ctx, protocol.SetUnroundedLevel{Piston: c.ID, Value: c.Value}); err != nil {
			return err
		}
	}
	return nil
}
