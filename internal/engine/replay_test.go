package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// playToWin runs the balance walkthrough with both peers journaling into s.
func playToWin(t *testing.T, s *store.Store) *testPair {
	t.Helper()
	ctx := context.Background()
	p := newTestPair(t, fourPistonConfig(), fourPistonLayout(), WithJournal(s), WithRoom("table"))
	p.start(t)

	for _, in := range []struct {
		e  *Engine
		id piston.ID
		n  int
	}{
		{p.master, 0, 5},
		{p.guest, 3, 2},
		{p.guest, 1, 4},
	} {
		for i := 0; i < in.n; i++ {
			require.NoError(t, in.e.Handle(ctx, Tap{Piston: in.id}))
			p.settle(t)
		}
	}
	require.Equal(t, session.Won, p.master.Snapshot().State)
	return p
}

func TestReplayReproducesBothJournals(t *testing.T) {
	s := setupTestStore(t)
	p := playToWin(t, s)
	ctx := context.Background()

	var digests []string
	for _, local := range []piston.PeerID{masterID, guestID} {
		records, err := s.ReadMessages(ctx, "session-1", local)
		require.NoError(t, err)
		require.NotEmpty(t, records)

		res, err := Replay(records, piston.DefaultWeight)
		require.NoError(t, err)
		assert.True(t, res.OK(), "%s: %v", local, res.Problems)
		assert.Equal(t, "session-1", res.Session)
		assert.Equal(t, session.Won, res.State)
		assert.Equal(t, 1, res.Wins)
		assert.True(t, res.Sealed)
		assert.Equal(t, len(records), res.Applied)
		digests = append(digests, res.Digest)
	}
	assert.Equal(t, digests[0], digests[1], "both peers converge on one board")

	live, err := BoardDigest(p.master.Snapshot().Pistons)
	require.NoError(t, err)
	assert.Equal(t, live, digests[0])

	sess, err := s.ReadSession(ctx, "session-1", masterID)
	require.NoError(t, err)
	assert.Equal(t, "table", sess.Room)
	assert.Equal(t, guestID, sess.Guest)
}

func TestReplayIsDeterministic(t *testing.T) {
	s := setupTestStore(t)
	playToWin(t, s)

	records, err := s.ReadMessages(context.Background(), "session-1", guestID)
	require.NoError(t, err)

	a, err := Replay(records, piston.DefaultWeight)
	require.NoError(t, err)
	b, err := Replay(records, piston.DefaultWeight)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Pistons, b.Pistons)
}

func TestReplayFlagsTamperedJournal(t *testing.T) {
	s := setupTestStore(t)
	playToWin(t, s)

	records, err := s.ReadMessages(context.Background(), "session-1", masterID)
	require.NoError(t, err)

	// A second win from the master.
	last := records[len(records)-1]
	dup, err := protocol.NewEnvelope("session-1", masterID, last.Envelope.Seq+1, protocol.Win{})
	require.NoError(t, err)
	tampered := append(records[:len(records):len(records)], store.Message{Ord: last.Ord + 1, Envelope: dup})

	res, err := Replay(tampered, piston.DefaultWeight)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 1, res.Wins)
	require.Len(t, res.Problems, 1)
	assert.Contains(t, res.Problems[0], string(ErrCodeSessionFrozen))
}

func TestReplayFlagsTimerGap(t *testing.T) {
	records := []store.Message{}
	add := func(sender piston.PeerID, seq int64, msg protocol.Message) {
		env, err := protocol.NewEnvelope("s", sender, seq, msg)
		require.NoError(t, err)
		records = append(records, store.Message{Ord: int64(len(records) + 1), Envelope: env})
	}

	layout := fourPistonLayout()
	layout.Grants[0].Peer, layout.Grants[2].Peer = masterID, masterID
	layout.Grants[1].Peer, layout.Grants[3].Peer = guestID, guestID

	add(protocol.RelaySender, 1, protocol.PeerJoined{Peer: masterID})
	add(protocol.RelaySender, 2, protocol.PeerJoined{Peer: guestID})
	add(protocol.RelaySender, 3, protocol.SessionReady{Peers: []piston.PeerID{masterID, guestID}})
	seq := int64(0)
	for _, msg := range layout.Messages() {
		seq++
		add(masterID, seq, msg)
	}
	add(masterID, seq+1, protocol.SetSecondsPassed{Seconds: 1})
	add(masterID, seq+2, protocol.SetSecondsPassed{Seconds: 3})

	res, err := Replay(records, piston.DefaultWeight)
	require.NoError(t, err)
	assert.Equal(t, session.Running, res.State)
	assert.Equal(t, 3, res.Seconds)
	require.Len(t, res.Problems, 1)
	assert.Contains(t, res.Problems[0], "timer jumped from 1 to 3")
}

func TestReplayEmptyJournal(t *testing.T) {
	res, err := Replay(nil, 0)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, session.WaitingForPeers, res.State)
	assert.NotEmpty(t, res.Digest)
}
