package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/store"
)

// replayObserver is the local id of a replaying engine. It is never a valid
// room peer name, so every journaled envelope, including those the journal
// owner sent, goes through the receive path.
const replayObserver piston.PeerID = "~replay"

// ReplayResult summarizes a journal replay.
type ReplayResult struct {
	Session  string
	State    session.State
	Seconds  int
	Wins     int
	Applied  int
	Sealed   bool
	Pistons  []piston.Piston
	Digest   string
	Problems []string
}

// OK reports whether the replay found no problem.
func (r ReplayResult) OK() bool {
	return len(r.Problems) == 0
}

// Replay rebuilds a board from one peer's journal and checks what a correct
// session guarantees:
//
//   - every envelope passes the receiver-side verification table
//   - the pairing is a perfect matching once setup completed
//   - every pair sums to MaxLevel
//   - the timer counts up one second at a time
//   - at most one win
//
// Replay is deterministic: the same journal always yields the same Digest.
func Replay(records []store.Message, defaultWeight int) (ReplayResult, error) {
	n := 0
	for _, r := range records {
		if r.Envelope.Kind == protocol.KindSetPosition {
			n++
		}
	}
	if defaultWeight <= 0 {
		defaultWeight = piston.DefaultWeight
	}

	e := &Engine{
		local:   replayObserver,
		cfg:     Config{Pistons: n, DefaultWeight: defaultWeight, TickRate: DefaultTickRate},
		clock:   NewClock(),
		notices: make(chan Notice, noticeBuffer),
		board:   piston.NewBoard(n, defaultWeight),
		machine: session.New(replayObserver),
		lastSeq: make(map[piston.PeerID]int64),
	}

	ctx := context.Background()
	var res ReplayResult
	lastSecond := 0
	for _, r := range records {
		if err := e.receive(ctx, r.Envelope); err != nil {
			res.Problems = append(res.Problems, fmt.Sprintf("ord %d: %v", r.Ord, err))
			if IsFatal(err) {
				break
			}
			continue
		}
		res.Applied++
		if r.Envelope.Kind == protocol.KindSetSecondsPassed {
			s := e.machine.Seconds()
			if s != lastSecond+1 {
				res.Problems = append(res.Problems, fmt.Sprintf("ord %d: timer jumped from %d to %d", r.Ord, lastSecond, s))
			}
			lastSecond = s
		}
	}

	res.Session = e.machine.Context().Session
	res.State = e.machine.State()
	res.Seconds = e.machine.Seconds()
	res.Wins = e.wins
	res.Sealed = e.sealed
	res.Pistons = e.board.Snapshot()

	if e.sealed {
		if err := e.board.Validate(); err != nil {
			res.Problems = append(res.Problems, fmt.Sprintf("matching: %v", err))
		}
		res.Problems = append(res.Problems, sumProblems(res.Pistons)...)
	}
	if res.Wins > 1 {
		res.Problems = append(res.Problems, fmt.Sprintf("%d wins", res.Wins))
	}

	digest, err := BoardDigest(res.Pistons)
	if err != nil {
		return res, err
	}
	res.Digest = digest
	return res, nil
}

func sumProblems(pistons []piston.Piston) []string {
	var out []string
	for _, p := range pistons {
		if !p.Paired() || p.Partner < p.ID {
			continue
		}
		q := pistons[p.Partner]
		if math.Abs(p.UnroundedLevel+q.UnroundedLevel-piston.MaxLevel) > 1e-9 {
			out = append(out, fmt.Sprintf("pair %d-%d: unrounded levels sum to %s", p.ID, q.ID,
				protocol.FormatLevel(p.UnroundedLevel+q.UnroundedLevel)))
		}
		if p.Level()+q.Level() != piston.MaxLevel {
			out = append(out, fmt.Sprintf("pair %d-%d: levels %d+%d", p.ID, q.ID, p.Level(), q.Level()))
		}
	}
	return out
}

// BoardDigest is a content hash of a board, stable across platforms: levels
// enter the hash as fixed-precision strings.
func BoardDigest(pistons []piston.Piston) (string, error) {
	items := make([]any, len(pistons))
	for i, p := range pistons {
		items[i] = map[string]any{
			"id":        int(p.ID),
			"row":       p.Position.Row,
			"col":       p.Position.Col,
			"weight":    p.Weight,
			"area":      p.Area,
			"partner":   int(p.Partner),
			"level":     protocol.FormatLevel(p.UnroundedLevel),
			"authority": string(p.Authority),
			"material":  p.MaterialIndex,
		}
	}
	return protocol.ContentHash(protocol.DomainBoard, map[string]any{"pistons": items})
}
