package autoplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/transport"
)

// DefaultMaxTicks bounds a simulation to ten simulated minutes at 30 Hz.
const DefaultMaxTicks = 30 * 60 * 10

// ErrUnfinished is returned when a simulation runs out of ticks before the
// session ends.
var ErrUnfinished = errors.New("simulation did not finish")

// Options configure a simulation.
type Options struct {
	Config   engine.Config
	Planner  setup.Planner
	Seed     uint64
	Room     string
	Master   piston.PeerID
	Guest    piston.PeerID
	Sessions engine.IDGenerator // session ids minted by the hub
	Journal  engine.Journal
	Recorder transport.Recorder

	// TapEvery is the number of ticks between two decisions of a player.
	TapEvery  int
	Tolerance int
	MaxTicks  int
}

func (o *Options) defaults() {
	if o.Room == "" {
		o.Room = "simulation"
	}
	if o.Master == "" {
		o.Master = "master"
	}
	if o.Guest == "" {
		o.Guest = "guest"
	}
	if o.Sessions == nil {
		o.Sessions = engine.UUIDv7Generator{}
	}
	if o.TapEvery <= 0 {
		o.TapEvery = 10
	}
	if o.MaxTicks <= 0 {
		o.MaxTicks = DefaultMaxTicks
	}
}

// Result is the outcome of a simulation as seen by the master.
type Result struct {
	Session  string
	State    session.State
	Seconds  int
	Ticks    int
	Taps     map[piston.PeerID]int
	Rejected int
	Message  string
	Master   engine.View
	Guest    engine.View
}

// Simulate plays one complete session between two scripted players over an
// in-memory hub. Time advances by exactly one tick period per step, so the
// same options always produce the same session.
func Simulate(ctx context.Context, opts Options) (Result, error) {
	opts.defaults()
	if opts.Planner == nil {
		return Result{}, fmt.Errorf("simulate: no setup planner")
	}

	hubOpts := []transport.HubOption{transport.WithSessionIDs(opts.Sessions.Generate)}
	if opts.Recorder != nil {
		hubOpts = append(hubOpts, transport.WithRecorder(opts.Recorder))
	}
	hub := transport.NewHub(hubOpts...)
	defer hub.Shutdown()

	mLink, err := hub.Create(opts.Room, opts.Master)
	if err != nil {
		return Result{}, fmt.Errorf("simulate: create room: %w", err)
	}
	gLink, err := hub.Join(opts.Room, opts.Guest)
	if err != nil {
		return Result{}, fmt.Errorf("simulate: join room: %w", err)
	}

	engineOpts := []engine.Option{engine.WithRoom(opts.Room)}
	if opts.Journal != nil {
		engineOpts = append(engineOpts, engine.WithJournal(opts.Journal))
	}
	master, err := engine.New(opts.Master, mLink, opts.Planner, opts.Config, append(engineOpts, engine.WithSeed(opts.Seed))...)
	if err != nil {
		return Result{}, err
	}
	guest, err := engine.New(opts.Guest, gLink, nil, opts.Config, engineOpts...)
	if err != nil {
		return Result{}, err
	}

	res := Result{Taps: map[piston.PeerID]int{opts.Master: 0, opts.Guest: 0}}
	for _, e := range []*engine.Engine{master, guest} {
		if err := e.Handle(ctx, engine.TargetFound{}); err != nil {
			return res, err
		}
	}

	hz := time.Duration(opts.Config.TickRate)
	for res.Ticks < opts.MaxTicks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Ticks++
		// Per-tick durations sum to exactly one second per hz ticks.
		k := time.Duration((res.Ticks-1)%opts.Config.TickRate + 1)
		dt := k*time.Second/hz - (k-1)*time.Second/hz
		for _, e := range []*engine.Engine{master, guest} {
			if err := e.Tick(ctx, dt); err != nil {
				return finish(res, master, guest), err
			}
		}

		mv, gv := master.Snapshot(), guest.Snapshot()
		if ended(mv.State) && ended(gv.State) {
			break
		}
		if res.Ticks%opts.TapEvery != 0 {
			continue
		}
		for _, e := range []*engine.Engine{master, guest} {
			v := e.Snapshot()
			if v.State != session.Running || !v.Sealed {
				continue
			}
			id, ok := NextTap(v, e.Local(), opts.Tolerance)
			if !ok {
				continue
			}
			if err := e.Handle(ctx, engine.Tap{Piston: id}); err != nil {
				if engine.IsFatal(err) {
					return finish(res, master, guest), err
				}
				res.Rejected++
				slog.Debug("simulated tap rejected", "local", e.Local(), "piston", id, "error", err)
				continue
			}
			res.Taps[e.Local()]++
		}
	}

	res = finish(res, master, guest)
	if !ended(res.State) {
		return res, fmt.Errorf("%w after %d ticks", ErrUnfinished, res.Ticks)
	}
	slog.Info("simulation finished",
		"session", res.Session,
		"state", res.State.String(),
		"seconds", res.Seconds,
		"ticks", res.Ticks,
	)
	return res, nil
}

func ended(s session.State) bool {
	return s == session.Won || s == session.Abandoned
}

func finish(res Result, master, guest *engine.Engine) Result {
	res.Master = master.Snapshot()
	res.Guest = guest.Snapshot()
	res.Session = res.Master.Session
	res.State = res.Master.State
	res.Seconds = res.Master.Seconds
	switch res.State {
	case session.Won:
		res.Message = session.Congratulation(res.Seconds)
	case session.Abandoned:
		res.Message = session.DepartureNotice
	}
	return res
}
