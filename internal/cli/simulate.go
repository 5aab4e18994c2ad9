package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/autoplay"
	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/random"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/setup"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Seed     uint64
	TapEvery int
	MaxTicks int
	Database string
	Board    bool
}

// SimulateResult is the outcome of one simulated session.
type SimulateResult struct {
	Session  string         `json:"session"`
	Seed     uint64         `json:"seed"`
	State    string         `json:"state"`
	Seconds  int            `json:"seconds"`
	Ticks    int            `json:"ticks"`
	Taps     map[string]int `json:"taps"`
	Rejected int            `json:"rejected"`
	Message  string         `json:"message"`
	Digest   string         `json:"digest"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a whole session between two scripted peers",
		Long: `Play one session between two scripted peers on an in-memory relay.

Simulated time advances one tick at a time, so a given seed and
configuration always produce the same session.

Exit codes:
  0 - The session was won
  1 - The session did not finish within --max-ticks
  2 - Command error (invalid configuration, etc.)

Examples:
  pistons simulate
  pistons simulate --seed 42 --board
  pistons simulate --config small.cue --db ./sim.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "setup seed (default: random)")
	cmd.Flags().IntVar(&opts.TapEvery, "tap-every", 10, "ticks between two decisions of a player")
	cmd.Flags().IntVar(&opts.MaxTicks, "max-ticks", autoplay.DefaultMaxTicks, "give up after this many ticks")
	cmd.Flags().StringVar(&opts.Database, "db", "", "journal both peers into this database")
	cmd.Flags().BoolVar(&opts.Board, "board", false, "print the final board")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := configureLogging(opts.RootOptions, cfg.Env, cmd.ErrOrStderr()); err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	seed := opts.Seed
	if !cmd.Flags().Changed("seed") {
		if seed, err = random.NewSeed(); err != nil {
			return WrapExitError(ExitCommandError, "failed to seed setup", err)
		}
	}

	simOpts := autoplay.Options{
		Config:    cfg.Game.Engine(),
		Planner:   setup.NewRandomPlanner(cfg.Game.Setup(), random.New(seed)),
		Seed:      seed,
		TapEvery:  opts.TapEvery,
		MaxTicks:  opts.MaxTicks,
		Tolerance: piston.BalanceTolerance,
	}
	if opts.Database != "" {
		st, err := openJournal(opts.Database, false)
		if err != nil {
			return err
		}
		defer closeJournal(st)
		simOpts.Journal = st
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	formatter.VerboseLog("Simulating with seed %d", seed)
	res, simErr := autoplay.Simulate(ctx, simOpts)
	if simErr != nil && !errors.Is(simErr, autoplay.ErrUnfinished) {
		return WrapExitError(ExitCommandError, "simulation failed", simErr)
	}

	digest, err := engine.BoardDigest(res.Master.Pistons)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash board", err)
	}
	out := SimulateResult{
		Session:  res.Session,
		Seed:     seed,
		State:    res.State.String(),
		Seconds:  res.Seconds,
		Ticks:    res.Ticks,
		Taps:     make(map[string]int, len(res.Taps)),
		Rejected: res.Rejected,
		Message:  res.Message,
		Digest:   digest,
	}
	for peer, n := range res.Taps {
		out.Taps[string(peer)] = n
	}

	if formatter.JSON() {
		if simErr != nil {
			_ = formatter.Failure(ErrCodeSession, simErr.Error(), out)
			return WrapExitError(ExitFailure, "simulation unfinished", simErr)
		}
		return formatter.Success(out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Session %s (seed %d)\n", out.Session, out.Seed)
	fmt.Fprintf(w, "  State:   %s after %s (%d ticks)\n", out.State, session.FormatElapsed(out.Seconds), out.Ticks)
	fmt.Fprintf(w, "  Taps:    master %d, guest %d, rejected %d\n", out.Taps["master"], out.Taps["guest"], out.Rejected)
	if out.Message != "" {
		fmt.Fprintf(w, "  %s\n", out.Message)
	}
	if opts.Board {
		fmt.Fprintln(w)
		renderBoard(w, res.Master)
	}
	if simErr != nil {
		fmt.Fprintf(w, "✗ %v\n", simErr)
		return WrapExitError(ExitFailure, "simulation unfinished", simErr)
	}
	return nil
}

// renderBoard prints one row per piston, then the grid of displayed levels.
func renderBoard(w io.Writer, v engine.View) {
	if len(v.Pistons) == 0 {
		fmt.Fprintln(w, "No board yet.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PISTON\tCELL\tPARTNER\tOWNER\tWEIGHT\tAREA\tLEVEL")
	rows, cols := 0, 0
	for _, p := range v.Pistons {
		mark := ""
		if p.Authority == v.Local {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%d,%d\t%d\t%s%s\t%d\t%d\t%d\n",
			p.ID, p.Position.Row, p.Position.Col, p.Partner, p.Authority, mark, p.Weight, p.Area, p.Level())
		rows = max(rows, p.Position.Row+1)
		cols = max(cols, p.Position.Col+1)
	}
	_ = tw.Flush()

	grid := make([][]string, rows)
	for r := range grid {
		grid[r] = make([]string, cols)
		for c := range grid[r] {
			grid[r][c] = " .."
		}
	}
	for _, p := range v.Pistons {
		grid[p.Position.Row][p.Position.Col] = fmt.Sprintf("%3d", p.Level())
	}
	fmt.Fprintln(w)
	for _, row := range grid {
		fmt.Fprintln(w, strings.Join(row, " "))
	}
	fmt.Fprintf(w, "\nState: %s  Time: %s  Balanced: %v\n", v.State, session.FormatElapsed(v.Seconds), v.Balanced())
}
