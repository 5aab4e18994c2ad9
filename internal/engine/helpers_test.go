package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/store"
	"github.com/roach88/pistonsync/internal/transport"
)

const (
	masterID piston.PeerID = "p1"
	guestID  piston.PeerID = "p2"
)

// fourPistonLayout is the board from the balance walkthrough: A-B with equal
// areas, C-D with a 1:4 area ratio. The master owns A and C.
func fourPistonLayout() setup.Plan {
	return setup.Plan{
		Positions: setup.Positions(2, 2),
		Pairs:     [][2]piston.ID{{0, 1}, {2, 3}},
		Grants: []setup.Grant{
			{Piston: 0, Material: setup.MaterialMaster},
			{Piston: 1, Material: setup.MaterialGuest},
			{Piston: 2, Material: setup.MaterialMaster},
			{Piston: 3, Material: setup.MaterialGuest},
		},
		Areas:  []int{2000, 2000, 1000, 4000},
		Levels: []piston.Change{{ID: 0, Value: 2}, {ID: 2, Value: 4}},
	}
}

func fourPistonConfig() Config {
	cfg := DefaultConfig()
	cfg.Pistons = 4
	cfg.DefaultStep = 10
	return cfg
}

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) Record(_ string, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) kinds(sender piston.PeerID, kind protocol.Kind) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.envs {
		if env.Sender == sender && env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type testPair struct {
	hub    *transport.Hub
	rec    *recorder
	master *Engine
	guest  *Engine
	mLink  *transport.Link
	gLink  *transport.Link
}

func newTestPair(t *testing.T, cfg Config, layout setup.Plan, opts ...Option) *testPair {
	t.Helper()
	rec := &recorder{}
	hub := transport.NewHub(
		transport.WithRecorder(rec),
		transport.WithSessionIDs(NewFixedGenerator("session-1").Generate),
	)
	t.Cleanup(hub.Shutdown)

	mLink, err := hub.Create("table", masterID)
	require.NoError(t, err)
	gLink, err := hub.Join("table", guestID)
	require.NoError(t, err)

	master, err := New(masterID, mLink, setup.FixedPlanner{Layout: layout}, cfg, opts...)
	require.NoError(t, err)
	guest, err := New(guestID, gLink, nil, cfg, opts...)
	require.NoError(t, err)

	return &testPair{hub: hub, rec: rec, master: master, guest: guest, mLink: mLink, gLink: gLink}
}

// step ticks the master then the guest once.
func (p *testPair) step(t *testing.T, dt time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.master.Tick(ctx, dt))
	require.NoError(t, p.guest.Tick(ctx, dt))
}

// settle delivers everything in flight without advancing the timer.
func (p *testPair) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		p.step(t, 0)
	}
}

// start makes both targets found and runs setup.
func (p *testPair) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.master.Handle(ctx, TargetFound{}))
	require.NoError(t, p.guest.Handle(ctx, TargetFound{}))
	p.settle(t)
}

func level(t *testing.T, e *Engine, id piston.ID) int {
	t.Helper()
	l, err := e.board.Level(id)
	require.NoError(t, err)
	return l
}

func weight(t *testing.T, e *Engine, id piston.ID) int {
	t.Helper()
	p, err := e.board.Get(id)
	require.NoError(t, err)
	return p.Weight
}

func drainNotices(e *Engine) []Notice {
	var out []Notice
	for {
		select {
		case n := <-e.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func noticesOf(ns []Notice, kind NoticeKind) []Notice {
	var out []Notice
	for _, n := range ns {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type memJournal struct {
	sessions []store.Session
	messages []store.Message
}

func (j *memJournal) WriteSession(_ context.Context, s store.Session) error {
	j.sessions = append(j.sessions, s)
	return nil
}

func (j *memJournal) Append(_ context.Context, m store.Message) error {
	m.Ord = int64(len(j.messages) + 1)
	j.messages = append(j.messages, m)
	return nil
}
