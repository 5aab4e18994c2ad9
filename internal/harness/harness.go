package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/store"
	"github.com/roach88/pistonsync/internal/testutil"
	"github.com/roach88/pistonsync/internal/transport"
)

// settleRounds is enough loop rounds for any change to reach the other peer
// and for the master to react to it.
const settleRounds = 3

// Harness is the scenario execution engine.
// It runs two real engines with a deterministic clock and session id.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	clock    *testutil.ManualClock
	peers    map[string]*engine.Engine
	order    []string
	tickHz   int
	result   *Result
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory journal and relay, so scenarios
// are isolated and byte-for-byte repeatable.
//
// Execution flow:
//  1. Create the journal, relay and room; master creates, guest joins
//  2. Execute flow steps, settling after each collaborator event
//  3. Replay both journals
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	result := NewResult()
	var trace []TraceEvent
	clock := testutil.NewManualClock()
	sessions := testutil.NewFixedSessionGenerator(scenario.Session)

	hub := transport.NewHub(
		transport.WithSessionIDs(sessions.Generate),
		transport.WithNow(clock.Now),
		transport.WithRecorder(transport.RecorderFunc(func(_ string, env protocol.Envelope) {
			trace = append(trace, traceEvent(env))
		})),
	)
	defer hub.Shutdown()

	cfg := engineConfig(scenario)
	mLink, err := hub.Create(scenario.Name, RoleMaster)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	gLink, err := hub.Join(scenario.Name, RoleGuest)
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	result.Session = mLink.Session()

	opts := []engine.Option{engine.WithJournal(st), engine.WithRoom(scenario.Name)}
	master, err := engine.New(RoleMaster, mLink, setup.FixedPlanner{Layout: scenario.Board.Plan()}, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create master: %w", err)
	}
	guest, err := engine.New(RoleGuest, gLink, nil, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create guest: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		store:    st,
		clock:    clock,
		peers:    map[string]*engine.Engine{RoleMaster: master, RoleGuest: guest},
		order:    []string{RoleMaster, RoleGuest},
		tickHz:   cfg.TickRate,
		result:   result,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	ctx := context.Background()
	h.executeFlow(ctx)

	// Shutdown relays departures of its own; they are not part of the run.
	result.Trace = append(result.Trace, trace...)
	if err := h.collect(ctx); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func engineConfig(s *Scenario) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Pistons = s.Board.Rows * s.Board.Cols
	if s.Weight.Initial > 0 {
		cfg.DefaultWeight = s.Weight.Initial
	}
	if s.Weight.Steps != nil {
		cfg.WeightSteps = s.Weight.Steps
	}
	if s.Weight.Step > 0 {
		cfg.DefaultStep = s.Weight.Step
	}
	if s.TickHz > 0 {
		cfg.TickRate = s.TickHz
	}
	return cfg
}

// executeFlow runs every flow step. A fatal engine error stops the flow;
// the assertions still run against whatever state was reached.
func (h *Harness) executeFlow(ctx context.Context) {
	for i, step := range h.scenario.Flow {
		if step.Do == DoTick {
			if err := h.tick(ctx, step.Seconds); err != nil {
				h.result.AddError(fmt.Sprintf("flow step %d (tick): engine stopped: %v", i, err))
				return
			}
			continue
		}

		e := h.peers[step.Peer]
		err := e.Handle(ctx, input(step))
		h.checkStep(i, step, err)
		h.logger.Info("flow step completed", "step", i, "peer", step.Peer, "do", step.Do, "error", err)

		if err := h.settle(ctx); err != nil {
			h.result.AddError(fmt.Sprintf("flow step %d (%s): engine stopped: %v", i, step.Do, err))
			return
		}
	}
}

func input(step Step) engine.Input {
	switch step.Do {
	case DoFound:
		return engine.TargetFound{}
	case DoLost:
		return engine.TargetLost{}
	case DoTap:
		return engine.Tap{Piston: piston.ID(step.Piston)}
	case DoStep:
		return engine.SelectStep{Step: step.Value}
	default:
		return engine.Leave{}
	}
}

func (h *Harness) checkStep(i int, step Step, err error) {
	got := string(engine.CodeOf(err))
	switch {
	case step.Error == "" && err != nil:
		h.result.AddError(fmt.Sprintf("flow step %d (%s %s): unexpected error: %v", i, step.Peer, step.Do, err))
	case step.Error != "" && err == nil:
		h.result.AddError(fmt.Sprintf("flow step %d (%s %s): expected %s, got success", i, step.Peer, step.Do, step.Error))
	case step.Error != "" && got != step.Error:
		h.result.AddError(fmt.Sprintf("flow step %d (%s %s): expected %s, got %v", i, step.Peer, step.Do, step.Error, err))
	}
}

// round ticks every peer once, master first.
func (h *Harness) round(ctx context.Context, dt time.Duration) error {
	h.clock.Advance(dt)
	for _, role := range h.order {
		if err := h.peers[role].Tick(ctx, dt); err != nil {
			return fmt.Errorf("%s: %w", role, err)
		}
	}
	return nil
}

func (h *Harness) settle(ctx context.Context) error {
	for i := 0; i < settleRounds; i++ {
		if err := h.round(ctx, 0); err != nil {
			return err
		}
	}
	return nil
}

// tick runs the loop for the given number of seconds at the scenario tick
// rate, then settles. The per-round durations add up to exactly one second
// per second so the master's timer never drifts.
func (h *Harness) tick(ctx context.Context, seconds int) error {
	hz := time.Duration(h.tickHz)
	for s := 0; s < seconds; s++ {
		for k := time.Duration(1); k <= hz; k++ {
			dt := k*time.Second/hz - (k-1)*time.Second/hz
			if err := h.round(ctx, dt); err != nil {
				return err
			}
		}
	}
	return h.settle(ctx)
}

// collect stores the final views and replays each peer's journal.
func (h *Harness) collect(ctx context.Context) error {
	for _, role := range h.order {
		e := h.peers[role]
		h.result.Views[role] = e.Snapshot()

		records, err := h.store.ReadMessages(ctx, h.result.Session, e.Local())
		if err != nil {
			return fmt.Errorf("failed to read %s journal: %w", role, err)
		}
		replay, err := engine.Replay(records, engineConfig(h.scenario).DefaultWeight)
		if err != nil {
			return fmt.Errorf("failed to replay %s journal: %w", role, err)
		}
		h.result.Replays[role] = replay
	}
	return nil
}

func traceEvent(env protocol.Envelope) TraceEvent {
	ev := TraceEvent{Seq: env.Seq, Sender: string(env.Sender), Kind: string(env.Kind), Args: map[string]any{}}
	if msg, err := protocol.DecodeMessage(env); err == nil {
		ev.Args = protocol.Describe(msg)
	}
	return ev
}
