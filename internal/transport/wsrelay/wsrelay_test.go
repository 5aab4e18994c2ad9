package wsrelay

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/transport"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := transport.NewHub()
	srv := httptest.NewServer(NewServer(hub).Handler())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, baseURL, room string, peer piston.PeerID, mode Mode) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, baseURL, room, peer, mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// receiveUntil collects envelopes until one of the wanted kind arrives.
func receiveUntil(t *testing.T, c *Conn, kind protocol.Kind) []protocol.Envelope {
	t.Helper()
	var got []protocol.Envelope
	deadline := time.After(5 * time.Second)
	for {
		for {
			env, ok := c.TryReceive()
			if !ok {
				break
			}
			got = append(got, env)
			if env.Kind == kind {
				return got
			}
		}
		select {
		case <-c.Wait():
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %d envelopes", kind, len(got))
		}
	}
}

func TestRelaySessionOverWebsocket(t *testing.T) {
	srv := startRelay(t)

	alice := dial(t, srv.URL, "table", "alice", ModeCreate)
	bob := dial(t, srv.URL, "table", "bob", ModeJoin)

	ready := receiveUntil(t, alice, protocol.KindSessionReady)
	last := ready[len(ready)-1]
	msg, err := protocol.DecodeMessage(last)
	require.NoError(t, err)
	assert.Equal(t, []piston.PeerID{"alice", "bob"}, msg.(protocol.SessionReady).Peers)
	receiveUntil(t, bob, protocol.KindSessionReady)

	env, err := protocol.NewEnvelope(last.Session, "alice", 1, protocol.SetWeight{Piston: 3, Weight: 20})
	require.NoError(t, err)
	require.NoError(t, alice.Send(env))

	got := receiveUntil(t, bob, protocol.KindSetWeight)
	delivered := got[len(got)-1]
	assert.Equal(t, piston.PeerID("alice"), delivered.Sender)
	m, err := protocol.DecodeMessage(delivered)
	require.NoError(t, err)
	assert.Equal(t, protocol.SetWeight{Piston: 3, Weight: 20}, m)
}

func TestDialNormalizesNames(t *testing.T) {
	srv := startRelay(t)

	alice := dial(t, srv.URL, "table", "alice", ModeCreate)
	bob := dial(t, srv.URL, " table ", " bob", ModeJoin)
	assert.Equal(t, piston.PeerID("bob"), bob.Peer())

	ready := receiveUntil(t, bob, protocol.KindSessionReady)
	env, err := protocol.NewEnvelope(ready[len(ready)-1].Session, bob.Peer(), 1, protocol.TargetFound{Found: true})
	require.NoError(t, err)
	require.NoError(t, bob.Send(env))

	got := receiveUntil(t, alice, protocol.KindTargetFound)
	assert.Equal(t, piston.PeerID("bob"), got[len(got)-1].Sender)
}

func TestDialRejectsInvalidNames(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()

	_, err := Dial(ctx, srv.URL, "table", "  ", ModeCreate)
	assert.ErrorIs(t, err, transport.ErrInvalidName)

	_, err = Dial(ctx, srv.URL, "", "alice", ModeCreate)
	assert.ErrorIs(t, err, transport.ErrInvalidName)
}

func TestRelayRefusalsMapToSentinels(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()

	_, err := Dial(ctx, srv.URL, "missing", "bob", ModeJoin)
	assert.ErrorIs(t, err, transport.ErrNoRoom)

	dial(t, srv.URL, "table", "alice", ModeCreate)
	_, err = Dial(ctx, srv.URL, "table", "carol", ModeCreate)
	assert.ErrorIs(t, err, transport.ErrRoomExists)

	dial(t, srv.URL, "table", "bob", ModeJoin)
	_, err = Dial(ctx, srv.URL, "table", "carol", ModeJoin)
	assert.ErrorIs(t, err, transport.ErrRoomFull)
}

func TestListRooms(t *testing.T) {
	srv := startRelay(t)
	dial(t, srv.URL, "lobby-a", "alice", ModeCreate)

	rooms, err := ListRooms(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby-a", rooms[0].Name)
	assert.Equal(t, 1, rooms[0].Peers)
	assert.True(t, rooms[0].Open)
}

func TestPeerDepartureClosesSession(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv.URL, "table", "alice", ModeCreate)
	bob := dial(t, srv.URL, "table", "bob", ModeJoin)
	ready := receiveUntil(t, alice, protocol.KindSessionReady)
	session := ready[len(ready)-1].Session

	require.NoError(t, bob.Close())
	receiveUntil(t, alice, protocol.KindPeerLeft)

	seq := int64(0)
	assert.Eventually(t, func() bool {
		seq++
		env, err := protocol.NewEnvelope(session, "alice", seq, protocol.SetSecondsPassed{Seconds: int(seq)})
		if err != nil {
			return false
		}
		return errors.Is(alice.Send(env), transport.ErrClosed)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendRejectsForeignSender(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv.URL, "table", "alice", ModeCreate)
	err := alice.Send(protocol.Envelope{Session: "s", Sender: "mallory", Seq: 1, Kind: protocol.KindWin})
	assert.ErrorIs(t, err, transport.ErrSenderMismatch)
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://relay.example/base/", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/base/ws", u.String())

	_, err = wsURL("ftp://relay", "/ws")
	assert.Error(t, err)
}
