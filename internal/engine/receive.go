package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/store"
)

// receive verifies and applies one delivered envelope. Nothing received is
// ever re-broadcast. Accepted envelopes are journaled after they apply.
func (e *Engine) receive(ctx context.Context, env protocol.Envelope) error {
	if err := e.admit(env); err != nil {
		return err
	}

	msg, err := protocol.DecodeMessage(env)
	if err != nil {
		return newError(ErrCodeInvalidInput, "decode %s", env.Kind).from(env.Sender).wrap(err)
	}

	if env.Sender == protocol.RelaySender {
		err = e.applyRelay(ctx, msg)
	} else {
		err = e.applyPeer(ctx, env.Sender, msg)
	}
	if err != nil {
		var re *RuntimeError
		if errors.As(err, &re) {
			re.Sender = env.Sender
			re.Session = env.Session
		}
		return err
	}

	e.record(ctx, store.DirectionIn, env)
	slog.Debug("envelope applied", "local", e.local, "session", env.Session, "sender", env.Sender, "seq", env.Seq, "kind", env.Kind)

	if env.Sender == protocol.RelaySender {
		return e.announceTarget(ctx)
	}
	return nil
}

// admit checks the envelope header: session, sender class and sequence.
func (e *Engine) admit(env protocol.Envelope) error {
	relay := env.Sender == protocol.RelaySender
	if relay != env.Kind.IsRelay() {
		return newError(ErrCodeAuthorityViolation, "%s may not be sent by %s", env.Kind, env.Sender).from(env.Sender)
	}

	sess := e.machine.Context().Session
	if sess == "" && relay {
		e.machine.SetSession(env.Session)
		sess = env.Session
	}
	if env.Session != sess {
		return newError(ErrCodeSessionMismatch, "envelope for session %q in session %q", env.Session, sess).
			from(env.Sender)
	}

	if env.Sender == e.local {
		return newError(ErrCodeAuthorityViolation, "envelope echoes the local peer").from(env.Sender)
	}
	if last := e.lastSeq[env.Sender]; env.Seq <= last {
		return newError(ErrCodeStaleSequence, "seq %d after %d", env.Seq, last).
			from(env.Sender).
			with("kind", string(env.Kind))
	}
	e.lastSeq[env.Sender] = env.Seq
	return nil
}

func (e *Engine) applyRelay(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.PeerJoined:
		if err := e.machine.PeerJoined(m.Peer); err != nil {
			return newError(ErrCodeInvalidInput, "peer joined").wrap(err)
		}
		slog.Info("peer joined", "local", e.local, "peer", m.Peer)
	case protocol.SessionReady:
		if err := e.machine.PeersChanged(m.Peers); err != nil {
			return newError(ErrCodeInvalidInput, "session ready").wrap(err)
		}
		slog.Info("session ready", "local", e.local, "session", e.machine.Context().Session, "master", e.machine.Context().Master())
	case protocol.PeerLeft:
		before := e.machine.State()
		e.machine.PeerLeft(m.Peer)
		if before != session.Abandoned && e.machine.State() == session.Abandoned && m.Peer != e.local {
			slog.Info("peer left, session abandoned", "local", e.local, "peer", m.Peer)
			e.notify(Notice{Kind: NoticeDeparture, Text: session.DepartureNotice})
		}
	default:
		return newError(ErrCodeInvalidInput, "unexpected relay message %s", msg.Kind())
	}
	return nil
}

// applyPeer is the receiver-side verification table. Every check runs
// against state this peer holds; nothing the sender claims is trusted.
func (e *Engine) applyPeer(ctx context.Context, sender piston.PeerID, msg protocol.Message) error {
	sctx := e.machine.Context()
	if !sctx.Has(sender) {
		return newError(ErrCodeUnknownPeer, "%s is not a member of the session", sender)
	}
	if e.machine.Frozen() {
		return newError(ErrCodeSessionFrozen, "%s after %s", msg.Kind(), e.machine.State())
	}
	master := sctx.Master()

	if msg.Kind().IsInit() {
		if sender != master {
			return newError(ErrCodeAuthorityViolation, "%s is master-only", msg.Kind())
		}
		if e.sealed {
			return newError(ErrCodeSetupSealed, "%s after setup_complete", msg.Kind())
		}
		return e.applySetup(ctx, msg)
	}

	switch m := msg.(type) {
	case protocol.TargetFound:
		if err := e.machine.SetTargetFound(sender, m.Found); err != nil {
			return newError(ErrCodeUnknownPeer, "target flag").wrap(err)
		}
		return nil

	case protocol.SetWeight:
		owner, err := e.board.Authority(m.Piston)
		if err != nil {
			return newError(ErrCodeUnknownPiston, "set_weight").on(m.Piston).wrap(err)
		}
		if owner != sender {
			return newError(ErrCodeAuthorityViolation, "weight of a piston owned by %q", owner).on(m.Piston)
		}
		if e.machine.State() != session.Running {
			return newError(ErrCodeNotRunning, "set_weight in %s", e.machine.State()).on(m.Piston)
		}
		if m.Weight <= 0 {
			return newError(ErrCodeInvalidInput, "weight %d", m.Weight).on(m.Piston)
		}
		return e.board.SetWeight(m.Piston, m.Weight)

	case protocol.SetUnroundedLevel:
		if err := e.verifyLevelSender(sender, master, m.Piston); err != nil {
			return err
		}
		if _, err := e.board.SetUnroundedLevel(m.Piston, m.Value); err != nil {
			return levelError(m.Piston, err)
		}
		return nil

	case protocol.SetSecondsPassed:
		if sender != master {
			return newError(ErrCodeAuthorityViolation, "set_seconds_passed is master-only")
		}
		if err := e.machine.ApplySeconds(m.Seconds); err != nil {
			if errors.Is(err, session.ErrStaleSeconds) {
				return newError(ErrCodeStaleSequence, "timer").wrap(err)
			}
			return newError(ErrCodeNotRunning, "timer").wrap(err)
		}
		e.notify(Notice{Kind: NoticeTimer, Text: session.FormatElapsed(m.Seconds), Seconds: m.Seconds})
		return nil

	case protocol.Win:
		if sender != master {
			return newError(ErrCodeAuthorityViolation, "win is master-only")
		}
		if err := e.machine.Win(); err != nil {
			return newError(ErrCodeNotRunning, "win").wrap(err)
		}
		if !e.board.AllBalanced() {
			slog.Warn("win received on an unbalanced board", "local", e.local, "session", sctx.Session)
		}
		e.won()
		return nil
	}
	return newError(ErrCodeInvalidInput, "unexpected message %s", msg.Kind())
}

// verifyLevelSender: during setup only the master sets levels; once running
// the authority of either piston of the pair may.
func (e *Engine) verifyLevelSender(sender, master piston.PeerID, id piston.ID) error {
	if !e.sealed {
		if sender != master {
			return newError(ErrCodeAuthorityViolation, "initial levels are master-only").on(id)
		}
		return nil
	}
	if e.machine.State() != session.Running {
		return newError(ErrCodeNotRunning, "set_unrounded_level in %s", e.machine.State()).on(id)
	}
	owner, err := e.board.Authority(id)
	if err != nil {
		return newError(ErrCodeUnknownPiston, "set_unrounded_level").on(id).wrap(err)
	}
	if owner == sender {
		return nil
	}
	partner, err := e.board.Partner(id)
	if err != nil {
		return newError(ErrCodeInvalidInput, "set_unrounded_level").on(id).wrap(err)
	}
	if partnerOwner, _ := e.board.Authority(partner); partnerOwner == sender {
		return nil
	}
	return newError(ErrCodeAuthorityViolation, "level of a pair owned by %q", owner).on(id)
}

// applySetup applies one init-only message. The same code runs on the master
// for its own plan and on the guest for the master's broadcast.
func (e *Engine) applySetup(ctx context.Context, msg protocol.Message) error {
	var err error
	id := NoPiston
	switch m := msg.(type) {
	case protocol.SetPosition:
		id = m.Piston
		err = e.board.SetPosition(m.Piston, piston.Position{Row: m.Row, Col: m.Col})
	case protocol.SetPairedPistons:
		id = m.First
		err = e.board.Pair(m.First, m.Second)
	case protocol.TransferAuthority:
		id = m.Piston
		if !e.machine.Context().Has(m.Peer) {
			return newError(ErrCodeUnknownPeer, "authority for %s", m.Peer).on(m.Piston)
		}
		err = e.board.SetAuthority(m.Piston, m.Peer)
	case protocol.SetMaterialIndex:
		id = m.Piston
		err = e.board.SetMaterialIndex(m.Piston, m.Index)
	case protocol.SetSquare:
		id = m.Piston
		err = e.board.SetArea(m.Piston, m.Area)
	case protocol.SetupComplete:
		return e.seal(ctx)
	default:
		return newError(ErrCodeInvalidInput, "unexpected setup message %s", msg.Kind())
	}
	if err != nil {
		if errors.Is(err, piston.ErrUnknownPiston) {
			return newError(ErrCodeUnknownPiston, "%s", msg.Kind()).on(id).wrap(err)
		}
		return newError(ErrCodeInvalidInput, "%s", msg.Kind()).on(id).wrap(err)
	}
	return nil
}

// seal closes setup. A board that fails validation here can never be played.
func (e *Engine) seal(ctx context.Context) error {
	if err := e.board.Validate(); err != nil {
		return newError(ErrCodeInvariantViolation, "setup_complete on an incomplete board").wrap(err)
	}
	e.sealed = true

	if !e.machine.Context().IsMaster() {
		if err := e.machine.Start(); err != nil {
			return newError(ErrCodeNotRunning, "setup_complete").wrap(err)
		}
		e.writeSession(ctx, 0)
	}
	slog.Info("board sealed", "local", e.local, "session", e.machine.Context().Session, "pistons", e.board.Len())
	e.notify(Notice{Kind: NoticeStarted, Text: session.FormatElapsed(0)})
	return nil
}

func (e *Engine) won() {
	e.wins++
	secs := e.machine.Seconds()
	slog.Info("session won", "local", e.local, "session", e.machine.Context().Session, "seconds", secs, "tier", session.TierFor(secs).String())
	e.notify(Notice{Kind: NoticeWon, Text: session.Congratulation(secs), Seconds: secs})
}

func levelError(id piston.ID, err error) error {
	switch {
	case errors.Is(err, piston.ErrUnknownPiston):
		return newError(ErrCodeUnknownPiston, "set_unrounded_level").on(id).wrap(err)
	case errors.Is(err, piston.ErrDegenerateBalance):
		return newError(ErrCodeInvariantViolation, "balance").on(id).wrap(err)
	default:
		return newError(ErrCodeInvalidInput, "set_unrounded_level").on(id).wrap(err)
	}
}
