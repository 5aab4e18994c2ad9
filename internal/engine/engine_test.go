package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/store"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"odd board", func(c *Config) { c.Pistons = 15 }},
		{"empty board", func(c *Config) { c.Pistons = 0 }},
		{"zero weight", func(c *Config) { c.DefaultWeight = 0 }},
		{"zero tick rate", func(c *Config) { c.TickRate = 0 }},
		{"negative step", func(c *Config) { c.WeightSteps = []int{1, -5} }},
		{"default step not offered", func(c *Config) { c.DefaultStep = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, ErrCodeConfig, CodeOf(err))
			assert.True(t, IsFatal(err))
		})
	}
}

func TestNewRejectsOddBoard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pistons = 3
	_, err := New(masterID, nil, nil, cfg)
	assert.ErrorIs(t, err, setup.ErrOddGrid)
}

func TestSetupReachesBothPeers(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	mv, gv := p.master.Snapshot(), p.guest.Snapshot()
	assert.Equal(t, session.Running, mv.State)
	assert.Equal(t, session.Running, gv.State)
	assert.True(t, mv.Sealed)
	assert.True(t, gv.Sealed)
	assert.Equal(t, "session-1", mv.Session)
	assert.Equal(t, masterID, gv.Master)
	assert.Equal(t, mv.Pistons, gv.Pistons, "both peers hold the same board")

	assert.Equal(t, []piston.ID{0, 2}, mv.Owned)
	assert.Equal(t, []piston.ID{1, 3}, gv.Owned)
	for _, pc := range gv.Pistons {
		partner := gv.Pistons[pc.Partner]
		assert.Equal(t, pc.ID, partner.Partner, "pairing is symmetric")
		assert.NotEqual(t, pc.Authority, partner.Authority, "a pair is split between peers")
	}
	assert.Equal(t, 2, level(t, p.guest, 0))
	assert.Equal(t, 18, level(t, p.guest, 1))
	assert.Equal(t, 4, level(t, p.guest, 2))
	assert.Equal(t, 16, level(t, p.guest, 3))

	assert.Len(t, noticesOf(drainNotices(p.guest), NoticeStarted), 1)
}

func TestSetupWaitsForBothTargets(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	require.NoError(t, p.master.Handle(context.Background(), TargetFound{}))
	p.settle(t)

	assert.Equal(t, session.WaitingForBothTargetsFound, p.master.Snapshot().State)
	assert.Empty(t, p.rec.kinds(masterID, protocol.KindSetPosition))

	require.NoError(t, p.guest.Handle(context.Background(), TargetFound{}))
	p.settle(t)
	assert.Equal(t, session.Running, p.master.Snapshot().State)
	assert.Len(t, p.rec.kinds(masterID, protocol.KindSetupComplete), 1)
}

func TestFourPistonScenario(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	wantA := []int{7, 5, 4, 3, 3}
	for i, want := range wantA {
		require.NoError(t, p.master.Handle(ctx, Tap{Piston: 0}))
		p.settle(t)

		for _, e := range []*Engine{p.master, p.guest} {
			assert.Equal(t, 10+10*(i+1), weight(t, e, 0))
			assert.Equal(t, want, level(t, e, 0), "tap %d", i+1)
			assert.Equal(t, piston.MaxLevel, level(t, e, 0)+level(t, e, 1), "sum after tap %d", i+1)
			assert.Equal(t, 4, level(t, e, 2), "C unaffected")
			assert.Equal(t, 16, level(t, e, 3), "D unaffected")
		}
	}

	// Guest balances C-D by loading D.
	for i := 0; i < 2; i++ {
		require.NoError(t, p.guest.Handle(ctx, Tap{Piston: 3}))
		p.settle(t)
	}
	assert.Equal(t, 9, level(t, p.master, 2))
	assert.Equal(t, 11, level(t, p.master, 3))
	assert.Equal(t, session.Running, p.master.Snapshot().State)

	// Then A-B by loading B. The fourth tap balances the last pair.
	for i := 0; i < 4; i++ {
		require.NoError(t, p.guest.Handle(ctx, Tap{Piston: 1}))
		p.settle(t)
	}
	for _, e := range []*Engine{p.master, p.guest} {
		v := e.Snapshot()
		assert.Equal(t, session.Won, v.State)
		assert.Equal(t, 1, v.Wins)
		assert.True(t, v.Balanced())
	}
	assert.Len(t, p.rec.kinds(masterID, protocol.KindWin), 1, "win is broadcast exactly once")

	won := noticesOf(drainNotices(p.guest), NoticeWon)
	require.Len(t, won, 1)
	assert.Contains(t, won[0].Text, "Excellent!")
	assert.Contains(t, won[0].Text, "00:00")

	// Frozen afterwards: no further mutation, nothing sent.
	sent := p.rec.count()
	err := p.guest.Handle(ctx, Tap{Piston: 1})
	assert.Equal(t, ErrCodeSessionFrozen, CodeOf(err))
	p.settle(t)
	assert.Equal(t, sent, p.rec.count())
	assert.Len(t, p.rec.kinds(masterID, protocol.KindWin), 1)
}

func TestNonAuthorityTapSendsNothing(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	sent := p.rec.count()
	err := p.guest.Handle(ctx, Tap{Piston: 0})
	require.Error(t, err)
	assert.True(t, IsAuthorityViolation(err))
	assert.Equal(t, piston.ID(0), err.(*RuntimeError).Piston)

	p.settle(t)
	assert.Equal(t, sent, p.rec.count())
	assert.Empty(t, p.rec.kinds(guestID, protocol.KindSetWeight))
	assert.Equal(t, piston.DefaultWeight, weight(t, p.master, 0))
}

func TestForgedWeightIsRejected(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	// The guest claims a weight on the master's piston A.
	env, err := protocol.NewEnvelope("session-1", guestID, p.guest.clock.Next(), protocol.SetWeight{Piston: 0, Weight: 500})
	require.NoError(t, err)
	require.NoError(t, p.gLink.Send(env))

	forgedTimer, err := protocol.NewEnvelope("session-1", guestID, p.guest.clock.Next(), protocol.SetSecondsPassed{Seconds: 600})
	require.NoError(t, err)
	require.NoError(t, p.gLink.Send(forgedTimer))

	require.NoError(t, p.master.Tick(ctx, 0))
	assert.Equal(t, piston.DefaultWeight, weight(t, p.master, 0))
	assert.Zero(t, p.master.Snapshot().Seconds)

	// Legitimate traffic continues after the rejections.
	require.NoError(t, p.guest.Handle(ctx, Tap{Piston: 1}))
	p.settle(t)
	assert.Equal(t, 20, weight(t, p.master, 1))
}

func TestReceiveVerificationTable(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)
	m := p.master

	envelope := func(sender piston.PeerID, seq int64, msg protocol.Message) protocol.Envelope {
		env, err := protocol.NewEnvelope("session-1", sender, seq, msg)
		require.NoError(t, err)
		return env
	}
	next := func() int64 { return p.guest.clock.Next() }

	tests := []struct {
		name string
		env  protocol.Envelope
		code RuntimeErrorCode
	}{
		{"setup from guest", envelope(guestID, next(), protocol.SetSquare{Piston: 0, Area: 10}), ErrCodeAuthorityViolation},
		{"timer from guest", envelope(guestID, next(), protocol.SetSecondsPassed{Seconds: 99}), ErrCodeAuthorityViolation},
		{"win from guest", envelope(guestID, next(), protocol.Win{}), ErrCodeAuthorityViolation},
		{"relay event from guest", envelope(guestID, next(), protocol.PeerLeft{Peer: masterID}), ErrCodeAuthorityViolation},
		{"peer message from relay", envelope(protocol.RelaySender, 100, protocol.Win{}), ErrCodeAuthorityViolation},
		{"stranger", envelope("mallory", 1, protocol.TargetFound{Found: true}), ErrCodeUnknownPeer},
		{"stale sequence", envelope(guestID, 1, protocol.SetWeight{Piston: 1, Weight: 20}), ErrCodeStaleSequence},
		{"unknown piston", envelope(guestID, next(), protocol.SetWeight{Piston: 42, Weight: 20}), ErrCodeUnknownPiston},
		{"echo of the local peer", envelope(masterID, 1000, protocol.TargetFound{Found: true}), ErrCodeAuthorityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.receive(ctx, tt.env)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err), "%v", err)
		})
	}

	other := envelope(guestID, next(), protocol.TargetFound{Found: true})
	other.Session = "session-2"
	assert.Equal(t, ErrCodeSessionMismatch, CodeOf(m.receive(ctx, other)))

	sealed := envelope(masterID, 1, protocol.SetSquare{Piston: 0, Area: 10})
	err := p.guest.receive(ctx, sealed)
	assert.Equal(t, ErrCodeStaleSequence, CodeOf(err), "replayed master envelope")
	sealed.Seq = p.master.clock.Current() + 1
	err = p.guest.receive(ctx, sealed)
	assert.Equal(t, ErrCodeSetupSealed, CodeOf(err))
}

func TestTimerIsMonotonicWithoutGaps(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)
	drainNotices(p.guest)

	for i := 0; i < 10; i++ {
		p.step(t, 400*time.Millisecond)
	}
	p.step(t, 2500*time.Millisecond) // one long frame covers several seconds
	p.settle(t)

	var got []int
	for _, env := range p.rec.kinds(masterID, protocol.KindSetSecondsPassed) {
		msg, err := protocol.DecodeMessage(env)
		require.NoError(t, err)
		got = append(got, msg.(protocol.SetSecondsPassed).Seconds)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, 6, p.guest.Snapshot().Seconds)

	timers := noticesOf(drainNotices(p.guest), NoticeTimer)
	require.Len(t, timers, 6)
	assert.Equal(t, "00:06", timers[5].Text)
}

func TestTargetLostPausesTimerAndTaps(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	require.NoError(t, p.master.Handle(ctx, TargetLost{}))
	p.step(t, 3*time.Second)
	p.settle(t)

	assert.Equal(t, session.Running, p.master.Snapshot().State, "a lost target never leaves Running")
	assert.Empty(t, p.rec.kinds(masterID, protocol.KindSetSecondsPassed))
	assert.False(t, p.guest.Snapshot().TargetFound[masterID])

	err := p.master.Handle(ctx, Tap{Piston: 0})
	assert.Equal(t, ErrCodeTargetLost, CodeOf(err))
	assert.NotEmpty(t, noticesOf(drainNotices(p.master), NoticeHint))

	require.NoError(t, p.master.Handle(ctx, TargetFound{}))
	p.step(t, 1500*time.Millisecond)
	p.settle(t)
	assert.Equal(t, 1, p.guest.Snapshot().Seconds)
}

func TestSelectStep(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	assert.Equal(t, ErrCodeInvalidInput, CodeOf(p.master.Handle(ctx, SelectStep{Step: 7})))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(p.master.Handle(ctx, SelectStep{Step: 0})))
	require.NoError(t, p.master.Handle(ctx, SelectStep{Step: 1}))
	assert.Equal(t, 1, p.master.Snapshot().Step)

	require.NoError(t, p.master.Handle(ctx, Tap{Piston: 2}))
	assert.Equal(t, 11, weight(t, p.master, 2))
}

func TestTapBeforeStartIsRejected(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	err := p.master.Handle(context.Background(), Tap{Piston: 0})
	assert.Equal(t, ErrCodeNotRunning, CodeOf(err))
}

func TestPeerLeavingAbandons(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)
	drainNotices(p.master)

	require.NoError(t, p.guest.Handle(ctx, Leave{}))
	assert.True(t, p.guest.Stopped())
	assert.Equal(t, session.Abandoned, p.guest.Snapshot().State)

	require.NoError(t, p.master.Tick(ctx, 0))
	assert.Equal(t, session.Abandoned, p.master.Snapshot().State)
	dep := noticesOf(drainNotices(p.master), NoticeDeparture)
	require.Len(t, dep, 1)
	assert.Equal(t, session.DepartureNotice, dep[0].Text)

	assert.Equal(t, ErrCodeSessionFrozen, CodeOf(p.master.Handle(ctx, Tap{Piston: 0})))
}

func TestSendFailureAbandons(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	// The guest's link drops; the master notices on its next send, before
	// it reads the relay's peer_left.
	require.NoError(t, p.gLink.Close())
	err := p.master.Handle(ctx, Tap{Piston: 0})
	require.Error(t, err)
	assert.True(t, IsDisconnected(err))
	assert.Equal(t, session.Abandoned, p.master.Snapshot().State)
	assert.Len(t, noticesOf(drainNotices(p.master), NoticeDeparture), 1)

	require.NoError(t, p.master.Tick(ctx, 0), "peer_left after abandonment is harmless")
	assert.Len(t, noticesOf(drainNotices(p.master), NoticeDeparture), 0)
}

func TestDegenerateBalanceIsFatal(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.start(t)

	// Corrupt the pair so that the next tap sees zero total pressure.
	require.NoError(t, p.master.board.SetWeight(0, -10))
	require.NoError(t, p.master.board.SetWeight(1, 0))

	require.True(t, p.master.Submit(Tap{Piston: 0}))
	err := p.master.Tick(ctx, 0)
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
	assert.True(t, p.master.Stopped())
	assert.ErrorIs(t, p.master.Tick(ctx, 0), err, "fatal errors are sticky")
}

func TestImmediateWinFromRestingBoard(t *testing.T) {
	layout := fourPistonLayout()
	layout.Levels = nil // every pair rests at 10/10

	p := newTestPair(t, fourPistonConfig(), layout)
	p.start(t)
	p.settle(t)

	assert.Equal(t, session.Won, p.master.Snapshot().State)
	assert.Equal(t, session.Won, p.guest.Snapshot().State)
	assert.Len(t, p.rec.kinds(masterID, protocol.KindWin), 1)
}

func TestTargetFoundAnnouncedOnJoin(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	require.NoError(t, p.master.Handle(context.Background(), TargetFound{}))
	assert.Empty(t, p.rec.kinds(masterID, protocol.KindTargetFound), "nobody to tell yet")

	p.settle(t)
	assert.Len(t, p.rec.kinds(masterID, protocol.KindTargetFound), 1)
	assert.True(t, p.guest.Snapshot().TargetFound[masterID])
}

func TestJournalRecordsAppliedEnvelopes(t *testing.T) {
	ctx := context.Background()
	mj, gj := &memJournal{}, &memJournal{}
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())
	p.master.journal = mj
	p.master.seed = 77
	p.guest.journal = gj
	p.start(t)

	require.NoError(t, p.master.Handle(ctx, Tap{Piston: 0}))
	p.settle(t)

	require.Len(t, mj.sessions, 1)
	assert.Equal(t, store.Session{ID: "session-1", Local: masterID, Master: masterID, Guest: guestID, Pistons: 4, Seed: 77}, mj.sessions[0])
	require.Len(t, gj.sessions, 1)
	assert.Equal(t, guestID, gj.sessions[0].Guest)
	assert.Zero(t, gj.sessions[0].Seed)

	var out, in int
	for _, m := range mj.messages {
		switch m.Direction {
		case store.DirectionOut:
			out++
			assert.Equal(t, masterID, m.Envelope.Sender)
		case store.DirectionIn:
			in++
		}
	}
	assert.Equal(t, len(p.rec.kinds(masterID, protocol.KindSetPosition)), 4)
	assert.Positive(t, out)
	assert.Positive(t, in)

	// The guest journals the master's envelopes as incoming.
	gotWeights := 0
	for _, m := range gj.messages {
		if m.Envelope.Kind == protocol.KindSetWeight {
			gotWeights++
			assert.Equal(t, store.DirectionIn, m.Direction)
		}
	}
	assert.Equal(t, 1, gotWeights)
}

func TestRunStopsOnLeave(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())

	done := make(chan error, 1)
	go func() { done <- p.master.Run(context.Background()) }()
	require.True(t, p.master.Submit(Leave{}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Leave")
	}
	assert.False(t, p.master.Submit(TargetFound{}), "inputs are refused after leaving")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.guest.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
