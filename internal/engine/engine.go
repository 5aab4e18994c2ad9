package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/queue"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/store"
	"github.com/roach88/pistonsync/internal/transport"
)

// DefaultTickRate is the loop frequency in Hz.
const DefaultTickRate = 30

// Config holds the per-session game parameters the engine needs.
type Config struct {
	Pistons       int
	DefaultWeight int
	WeightSteps   []int // allowed SelectStep values; empty allows any positive step
	DefaultStep   int
	TickRate      int
}

// DefaultConfig is a 4x4 board with the stock weight-panel steps.
func DefaultConfig() Config {
	return Config{
		Pistons:       16,
		DefaultWeight: piston.DefaultWeight,
		WeightSteps:   []int{1, 5, 10},
		DefaultStep:   5,
		TickRate:      DefaultTickRate,
	}
}

// Validate rejects configurations that cannot produce a playable board.
func (c Config) Validate() error {
	if c.Pistons <= 0 || c.Pistons%2 != 0 {
		return newError(ErrCodeConfig, "piston count %d has no perfect matching", c.Pistons).wrap(setup.ErrOddGrid)
	}
	if c.DefaultWeight <= 0 {
		return newError(ErrCodeConfig, "default weight must be positive, got %d", c.DefaultWeight)
	}
	if c.TickRate <= 0 {
		return newError(ErrCodeConfig, "tick rate must be positive, got %d", c.TickRate)
	}
	for _, s := range c.WeightSteps {
		if s <= 0 {
			return newError(ErrCodeConfig, "weight step must be positive, got %d", s)
		}
	}
	if c.DefaultStep < 0 {
		return newError(ErrCodeConfig, "default step must not be negative, got %d", c.DefaultStep)
	}
	if c.DefaultStep > 0 && len(c.WeightSteps) > 0 && !slices.Contains(c.WeightSteps, c.DefaultStep) {
		return newError(ErrCodeConfig, "default step %d is not one of %v", c.DefaultStep, c.WeightSteps)
	}
	return nil
}

// Journal receives every envelope the engine applies, in application order.
// Implemented by store.Store.
type Journal interface {
	WriteSession(ctx context.Context, sess store.Session) error
	Append(ctx context.Context, msg store.Message) error
}

// Engine is one peer's single-writer protocol engine.
//
// All board and session state is owned by the goroutine that calls Run (or,
// in tests, the one calling Tick and Handle). Other goroutines interact
// through Submit, Snapshot and Notices only.
type Engine struct {
	local   piston.PeerID
	ch      transport.Channel
	planner setup.Planner
	cfg     Config
	journal Journal
	clock   *Clock
	seed    uint64
	room    string
	inputs  *queue.Queue[Input]
	notices chan Notice

	board     *piston.Board
	machine   *session.Machine
	sealed    bool
	planned   bool
	step      int
	wins      int
	lastSeq   map[piston.PeerID]int64
	announced piston.PeerID // other peer our target flag was last announced to
	closed    bool
	fatal     error

	mu   sync.RWMutex
	view View
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records applied envelopes.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithSeed records the seed the planner was built from, so the session row
// of the journal can reproduce the setup.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithClock replaces the send clock, for example to resume a sequence.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRoom records the lobby room name in the journal.
func WithRoom(name string) Option {
	return func(e *Engine) { e.room = name }
}

// New creates the engine of the local peer. The planner is only consulted
// if the local peer ends up master.
func New(local piston.PeerID, ch transport.Channel, planner setup.Planner, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if local == "" {
		return nil, newError(ErrCodeConfig, "local peer id is empty")
	}

	e := &Engine{
		local:   local,
		ch:      ch,
		planner: planner,
		cfg:     cfg,
		clock:   NewClock(),
		inputs:  queue.New[Input](),
		notices: make(chan Notice, noticeBuffer),
		board:   piston.NewBoard(cfg.Pistons, cfg.DefaultWeight),
		machine: session.New(local),
		step:    cfg.DefaultStep,
		lastSeq: make(map[piston.PeerID]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.publish()
	return e, nil
}

// Local returns the local peer id.
func (e *Engine) Local() piston.PeerID {
	return e.local
}

// Submit queues a local input for the next tick.
// Thread-safe: may be called from any goroutine.
//
// Returns false once the engine has stopped.
func (e *Engine) Submit(in Input) bool {
	return e.inputs.Push(in)
}

// Handle applies one input immediately and returns its error. It must be
// called from the goroutine that drives Tick.
func (e *Engine) Handle(ctx context.Context, in Input) error {
	err := e.handle(ctx, in)
	e.recordFatal(err)
	e.publish()
	return err
}

// Stopped reports whether the engine left the session or hit a fatal error.
func (e *Engine) Stopped() bool {
	return e.closed || e.fatal != nil
}

// Run drives Tick at the configured rate until the local peer leaves, the
// session is abandoned, the context is cancelled or a fatal error occurs.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "local", e.local, "tick_hz", e.cfg.TickRate)

	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.TickRate))
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled", "local", e.local)
			e.shutdown()
			return ctx.Err()

		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if err := e.Tick(ctx, dt); err != nil {
				slog.Error("engine stopping: fatal error", "local", e.local, "error", err)
				e.shutdown()
				return err
			}
			if e.closed {
				slog.Info("engine stopping: left session", "local", e.local)
				return nil
			}
			if e.machine.State() == session.Abandoned {
				slog.Info("engine stopping: session abandoned", "local", e.local, "leaver", e.machine.Leaver())
				e.shutdown()
				return nil
			}
		}
	}
}

// Tick is one deterministic step of the loop: local inputs, then remote
// envelopes in delivery order, then the master's duties. dt is the time
// elapsed since the previous tick.
func (e *Engine) Tick(ctx context.Context, dt time.Duration) error {
	if e.fatal != nil {
		return e.fatal
	}
	defer e.publish()

	for !e.closed && e.fatal == nil {
		in, ok := e.inputs.TryPop()
		if !ok {
			break
		}
		if err := e.handle(ctx, in); err != nil {
			e.recordFatal(err)
			slog.Warn("input rejected", "local", e.local, "input", in.String(), "error", err)
			e.notify(Notice{Kind: NoticeRejected, Text: err.Error(), Err: err})
		}
	}

	for !e.closed && e.fatal == nil {
		env, ok := e.ch.TryReceive()
		if !ok {
			break
		}
		if err := e.receive(ctx, env); err != nil {
			e.recordFatal(err)
			slog.Warn("envelope rejected",
				"local", e.local,
				"session", env.Session,
				"sender", env.Sender,
				"seq", env.Seq,
				"kind", env.Kind,
				"error", err,
			)
		}
	}
	e.detectClosedChannel()

	if !e.closed && e.fatal == nil {
		e.recordFatal(e.masterDuties(ctx, dt))
	}
	return e.fatal
}

func (e *Engine) recordFatal(err error) {
	if err != nil && IsFatal(err) && e.fatal == nil {
		e.fatal = err
	}
}

func (e *Engine) handle(ctx context.Context, in Input) error {
	if e.closed {
		return newError(ErrCodeSessionFrozen, "engine left the session")
	}
	switch in := in.(type) {
	case TargetFound:
		return e.setTargetFound(ctx, true)
	case TargetLost:
		return e.setTargetFound(ctx, false)
	case SelectStep:
		return e.selectStep(in.Step)
	case Tap:
		return e.tap(ctx, in.Piston)
	case Leave:
		e.leave()
		return nil
	default:
		return newError(ErrCodeInvalidInput, "unknown input %T", in)
	}
}

func (e *Engine) setTargetFound(ctx context.Context, found bool) error {
	if err := e.machine.SetTargetFound(e.local, found); err != nil {
		return newError(ErrCodeInvalidInput, "set target flag").wrap(err)
	}
	if !found {
		e.notify(Notice{Kind: NoticeHint, Text: HintText})
	}
	if e.machine.Terminal() || e.machine.Context().Other() == "" {
		return nil
	}
	return e.broadcast(ctx, protocol.TargetFound{Found: found})
}

// announceTarget re-sends the local flag once the other peer becomes known;
// it could not have received the flag before joining.
func (e *Engine) announceTarget(ctx context.Context) error {
	other := e.machine.Context().Other()
	if other == "" || other == e.announced || e.machine.Terminal() {
		return nil
	}
	e.announced = other
	if !e.machine.TargetFound(e.local) {
		return nil
	}
	return e.broadcast(ctx, protocol.TargetFound{Found: true})
}

func (e *Engine) selectStep(step int) error {
	if step <= 0 {
		return newError(ErrCodeInvalidInput, "weight step must be positive, got %d", step)
	}
	if len(e.cfg.WeightSteps) > 0 && !slices.Contains(e.cfg.WeightSteps, step) {
		return newError(ErrCodeInvalidInput, "weight step %d is not one of %v", step, e.cfg.WeightSteps)
	}
	e.step = step
	return nil
}

func (e *Engine) leave() {
	if e.closed {
		return
	}
	e.machine.PeerLeft(e.local)
	e.shutdown()
	slog.Info("left session", "local", e.local, "session", e.machine.Context().Session)
}

func (e *Engine) shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	e.inputs.Close()
	if e.ch != nil {
		if err := e.ch.Close(); err != nil {
			slog.Warn("channel close failed", "local", e.local, "error", err)
		}
	}
}

// detectClosedChannel treats a channel closed underneath the engine (for
// example a dropped websocket) as the other peer disconnecting.
func (e *Engine) detectClosedChannel() {
	if e.closed || e.ch == nil {
		return
	}
	select {
	case _, ok := <-e.ch.Wait():
		if !ok {
			e.disconnected()
		}
	default:
	}
}

func (e *Engine) disconnected() {
	if e.machine.Terminal() {
		return
	}
	e.machine.Disconnected()
	slog.Info("peer disconnected", "local", e.local, "session", e.machine.Context().Session)
	e.notify(Notice{Kind: NoticeDeparture, Text: session.DepartureNotice})
}

// broadcast stamps msg with the next sequence number, journals it and sends
// it to the other peer. A closed channel abandons the session.
func (e *Engine) broadcast(ctx context.Context, msg protocol.Message) error {
	sess := e.machine.Context().Session
	env, err := protocol.NewEnvelope(sess, e.local, e.clock.Next(), msg)
	if err != nil {
		return newError(ErrCodeInvalidInput, "encode %s", msg.Kind()).wrap(err)
	}
	e.record(ctx, store.DirectionOut, env)

	if e.ch == nil {
		return nil
	}
	if err := e.ch.Send(env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			e.disconnected()
			re := newError(ErrCodePeerDisconnected, "send %s", msg.Kind()).wrap(err)
			re.Session = sess
			return re
		}
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	slog.Debug("envelope sent", "local", e.local, "session", sess, "seq", env.Seq, "kind", env.Kind)
	return nil
}

func (e *Engine) record(ctx context.Context, dir store.Direction, env protocol.Envelope) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(ctx, store.Message{Local: e.local, Direction: dir, Envelope: env}); err != nil {
		// Log and continue: the journal is an audit trail, not game state.
		slog.Error("journal append failed",
			"local", e.local,
			"session", env.Session,
			"sender", env.Sender,
			"seq", env.Seq,
			"kind", env.Kind,
			"error", err,
		)
	}
}

func (e *Engine) writeSession(ctx context.Context, seed uint64) {
	if e.journal == nil {
		return
	}
	sctx := e.machine.Context()
	row := store.Session{
		ID:      sctx.Session,
		Local:   e.local,
		Room:    e.room,
		Master:  sctx.Master(),
		Guest:   sctx.Other(),
		Pistons: e.board.Len(),
		Seed:    seed,
	}
	if !sctx.IsMaster() {
		row.Guest = e.local
	}
	if err := e.journal.WriteSession(ctx, row); err != nil {
		slog.Error("journal session write failed", "local", e.local, "session", row.ID, "error", err)
	}
}
