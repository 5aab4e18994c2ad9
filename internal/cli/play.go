package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/autoplay"
	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/random"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/setup"
	"github.com/roach88/pistonsync/internal/transport"
	"github.com/roach88/pistonsync/internal/transport/wsrelay"
)

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	Relay    string
	Room     string
	Peer     string
	Create   bool
	Auto     bool
	Interval time.Duration
	Database string
	Seed     uint64
}

// PlayResult is the outcome of one played session.
type PlayResult struct {
	Session string `json:"session"`
	Room    string `json:"room"`
	Peer    string `json:"peer"`
	Master  bool   `json:"master"`
	State   string `json:"state"`
	Seconds int    `json:"seconds"`
	Wins    int    `json:"wins"`
	Message string `json:"message,omitempty"`
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a room as a headless peer",
		Long: `Join a room on a relay and play one session.

Without --auto, commands are read from stdin, one per line:

  found       the image target is tracked
  lost        the image target was lost
  tap N       add weight to piston N
  step N      select the weight added per tap
  board       print the board
  quit        leave the session

End of input leaves the session. With --auto a scripted player finds the
target and balances the pistons this peer owns.

Exit codes:
  0 - Session won (or interrupted)
  1 - Session abandoned or engine failure
  2 - Command error (relay unreachable, room full, etc.)

Examples:
  pistons play --room table --create
  pistons play --room table --auto --db ./journal.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay address (default $PISTONS_RELAY_ADDR)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room name (required)")
	_ = cmd.MarkFlagRequired("room")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "peer name (default: a fresh id)")
	cmd.Flags().BoolVar(&opts.Create, "create", false, "create the room instead of joining it")
	cmd.Flags().BoolVar(&opts.Auto, "auto", false, "let a scripted player play")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 200*time.Millisecond, "pause between scripted taps")
	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (default $PISTONS_DB)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "setup seed when this peer is master (default: random)")

	return cmd
}

func runPlay(opts *PlayOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := configureLogging(opts.RootOptions, cfg.Env, cmd.ErrOrStderr()); err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	name, err := transport.NormalizeName(firstNonEmpty(opts.Peer, engine.UUIDv7Generator{}.Generate()))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid peer name", err)
	}
	room, err := transport.NormalizeName(opts.Room)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid room name", err)
	}
	peer := piston.PeerID(name)
	mode := wsrelay.ModeJoin
	if opts.Create {
		mode = wsrelay.ModeCreate
	}
	base := relayURL(firstNonEmpty(opts.Relay, cfg.Env.RelayAddr))

	seed := opts.Seed
	if !cmd.Flags().Changed("seed") {
		if seed, err = random.NewSeed(); err != nil {
			return WrapExitError(ExitCommandError, "failed to seed setup", err)
		}
	}

	engOpts := []engine.Option{engine.WithRoom(room), engine.WithSeed(seed)}
	if path := firstNonEmpty(opts.Database, cfg.Env.DB); path != "" {
		st, err := openJournal(path, false)
		if err != nil {
			return err
		}
		defer closeJournal(st)
		engOpts = append(engOpts, engine.WithJournal(st))
	}

	conn, err := wsrelay.Dial(ctx, base, room, peer, mode)
	if err != nil {
		_ = formatter.Error(ErrCodeSession, err.Error(), nil)
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to %s room %s", mode, room), err)
	}

	planner := setup.NewRandomPlanner(cfg.Game.Setup(), random.New(seed))
	eng, err := engine.New(conn.Peer(), conn, planner, cfg.Game.Engine(), engOpts...)
	if err != nil {
		_ = conn.Close()
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	out := &syncWriter{w: cmd.OutOrStdout()}
	if !formatter.JSON() {
		fmt.Fprintf(out, "Joined room %s as %s.\n", room, peer)
	}

	var quit atomic.Bool
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printNotices(runCtx, eng, out, formatter)
	}()

	if opts.Auto {
		player := &autoplay.Player{
			Driver:     eng,
			Interval:   opts.Interval,
			Tolerance:  piston.BalanceTolerance,
			LeaveOnEnd: true,
		}
		go func() {
			if _, err := player.Play(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("autoplay stopped", "error", err)
			}
		}()
	} else {
		go readCommands(cmd.InOrStdin(), eng, out, formatter.JSON(), &quit)
	}

	runErr := <-done
	stopRun()
	wg.Wait()

	v := eng.Snapshot()
	result := PlayResult{
		Session: v.Session,
		Room:    room,
		Peer:    string(peer),
		Master:  v.Master == peer,
		State:   v.State.String(),
		Seconds: v.Seconds,
		Wins:    v.Wins,
	}
	switch v.State {
	case session.Won:
		result.Message = session.Congratulation(v.Seconds)
	case session.Abandoned:
		result.Message = session.DepartureNotice
		if quit.Load() {
			result.Message = "You left the game"
		}
	}
	// Leaving on purpose is not a failure.
	abandoned := v.State == session.Abandoned && !quit.Load()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		_ = formatter.Failure(ErrCodeSession, runErr.Error(), result)
		return WrapExitError(ExitFailure, "engine stopped", runErr)
	}
	if formatter.JSON() {
		if abandoned {
			_ = formatter.Failure(ErrCodeSession, "session abandoned", result)
			return NewExitError(ExitFailure, "session abandoned")
		}
		return formatter.Success(result)
	}

	fmt.Fprintf(out, "Session %s ended: %s after %s.\n", result.Session, result.State, session.FormatElapsed(v.Seconds))
	if abandoned {
		return NewExitError(ExitFailure, "session abandoned")
	}
	return nil
}

// printNotices forwards engine notices to the terminal until ctx ends.
// Timer notices are only shown in verbose mode.
func printNotices(ctx context.Context, eng *engine.Engine, w io.Writer, f *OutputFormatter) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-eng.Notices():
			if f.JSON() {
				continue
			}
			switch n.Kind {
			case engine.NoticeTimer:
				if f.Verbose {
					fmt.Fprintf(w, "  %s\n", n.Text)
				}
			case engine.NoticeRejected:
				fmt.Fprintf(w, "rejected: %s\n", n.Text)
			default:
				fmt.Fprintln(w, n.Text)
			}
		}
	}
}

// readCommands turns stdin lines into engine inputs. End of input leaves.
func readCommands(r io.Reader, eng *engine.Engine, w io.Writer, quiet bool, quit *atomic.Bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		in, show, err := parseCommand(scanner.Text())
		switch {
		case err != nil:
			if !quiet {
				fmt.Fprintf(w, "error: %v\n", err)
			}
			continue
		case show:
			if !quiet {
				renderBoard(w, eng.Snapshot())
			}
			continue
		case in == nil:
			continue
		}
		_, leaving := in.(engine.Leave)
		if leaving {
			quit.Store(true)
		}
		if !eng.Submit(in) || leaving {
			return
		}
	}
	quit.Store(true)
	eng.Submit(engine.Leave{})
}

// parseCommand parses one stdin line. show is true for "board"; a blank
// line yields neither an input nor an error.
func parseCommand(line string) (in engine.Input, show bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false, nil
	}

	arg := func() (int, error) {
		if len(fields) != 2 {
			return 0, fmt.Errorf("%s needs one number", fields[0])
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("%s: %w", fields[0], err)
		}
		return n, nil
	}

	switch strings.ToLower(fields[0]) {
	case "found":
		return engine.TargetFound{}, false, nil
	case "lost":
		return engine.TargetLost{}, false, nil
	case "tap":
		n, err := arg()
		if err != nil {
			return nil, false, err
		}
		return engine.Tap{Piston: piston.ID(n)}, false, nil
	case "step":
		n, err := arg()
		if err != nil {
			return nil, false, err
		}
		return engine.SelectStep{Step: n}, false, nil
	case "board":
		return nil, true, nil
	case "quit", "leave", "exit":
		return engine.Leave{}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command %q", fields[0])
}

// syncWriter serializes writes from the notice printer and the command
// reader.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
