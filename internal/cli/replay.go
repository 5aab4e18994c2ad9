package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/engine"
	"github.com/roach88/pistonsync/internal/session"
	"github.com/roach88/pistonsync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // optional - specific session only
}

// ReplayJournalResult holds the replay result of one peer's journal.
type ReplayJournalResult struct {
	Session       string   `json:"session"`
	Local         string   `json:"local"`
	Room          string   `json:"room,omitempty"` // empty when the session was abandoned before setup
	Messages      int      `json:"messages"`
	Applied       int      `json:"applied"`
	State         string   `json:"state"`
	Seconds       int      `json:"seconds"`
	Wins          int      `json:"wins"`
	Digest        string   `json:"digest"`
	Deterministic bool     `json:"deterministic"`
	Problems      []string `json:"problems,omitempty"`
}

// ReplaySessionResult groups the journals of one session.
type ReplaySessionResult struct {
	Session  string                `json:"session"`
	Journals []ReplayJournalResult `json:"journals"`
	// Converged is set when the session has two finished journals and their
	// boards match.
	Converged *bool `json:"converged,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Sessions      []ReplaySessionResult `json:"sessions"`
	TotalJournals int                   `json:"total_journals"`
	OK            bool                  `json:"ok"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journals and verify them",
		Long: `Rebuild every journaled board from its messages and check it.

Each journal is replayed twice and both boards must hash alike. A replay
also checks the pairing, the level sum of every pair, the timer and the
number of wins. When both peers journaled a won session, their boards
must match.

Exit codes:
  0 - Every journal replays cleanly
  1 - A journal is broken or the peers diverged
  2 - Command error (database not found, etc.)

Examples:
  pistons replay --db ./pistons.db
  pistons replay --db ./pistons.db --session 0192b7e4-...
  pistons replay --db ./pistons.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (default $PISTONS_DB)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay one session only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := configureLogging(opts.RootOptions, cfg.Env, cmd.ErrOrStderr()); err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openJournal(firstNonEmpty(opts.Database, cfg.Env.DB), true)
	if err != nil {
		return err
	}
	defer closeJournal(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	refs, err := st.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	if opts.Session != "" {
		refs = slices.DeleteFunc(refs, func(r store.SessionRef) bool { return r.Session != opts.Session })
		if len(refs) == 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", opts.Session))
		}
	}

	result := ReplayResult{Sessions: []ReplaySessionResult{}, TotalJournals: len(refs), OK: true}
	for _, ref := range refs {
		formatter.VerboseLog("Replaying %s as seen by %s (%d messages)", ref.Session, ref.Local, ref.Messages)
		jr, err := replayJournal(ctx, st, ref, cfg.Game.Weight.Initial)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s/%s", ref.Session, ref.Local), err)
		}
		if n := len(result.Sessions); n == 0 || result.Sessions[n-1].Session != ref.Session {
			result.Sessions = append(result.Sessions, ReplaySessionResult{Session: ref.Session})
		}
		last := &result.Sessions[len(result.Sessions)-1]
		last.Journals = append(last.Journals, jr)
		if !jr.Deterministic || len(jr.Problems) > 0 {
			result.OK = false
		}
	}
	for i := range result.Sessions {
		s := &result.Sessions[i]
		s.Converged = converged(s.Journals)
		if s.Converged != nil && !*s.Converged {
			result.OK = false
		}
	}

	if formatter.JSON() {
		if !result.OK {
			_ = formatter.Failure(ErrCodeReplay, "replay found problems", result)
			return NewExitError(ExitFailure, "replay found problems")
		}
		return formatter.Success(result)
	}
	return outputReplayText(cmd.OutOrStdout(), result)
}

// replayJournal replays one journal twice.
func replayJournal(ctx context.Context, st *store.Store, ref store.SessionRef, weight int) (ReplayJournalResult, error) {
	records, err := st.ReadMessages(ctx, ref.Session, ref.Local)
	if err != nil {
		return ReplayJournalResult{}, err
	}
	meta, err := st.ReadSession(ctx, ref.Session, ref.Local)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ReplayJournalResult{}, err
	}

	first, err := engine.Replay(records, weight)
	if err != nil {
		return ReplayJournalResult{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := engine.Replay(records, weight)
	if err != nil {
		return ReplayJournalResult{}, fmt.Errorf("second replay failed: %w", err)
	}

	return ReplayJournalResult{
		Session:       ref.Session,
		Local:         string(ref.Local),
		Room:          meta.Room,
		Messages:      len(records),
		Applied:       first.Applied,
		State:         first.State.String(),
		Seconds:       first.Seconds,
		Wins:          first.Wins,
		Digest:        first.Digest,
		Deterministic: first.Digest == second.Digest && first.State == second.State && first.Seconds == second.Seconds,
		Problems:      first.Problems,
	}, nil
}

// converged compares the boards of a session once both journals reached a
// win. An abandoned session may stop with messages in flight, so its
// journals are not compared.
func converged(journals []ReplayJournalResult) *bool {
	if len(journals) != 2 {
		return nil
	}
	won := session.Won.String()
	if journals[0].State != won || journals[1].State != won {
		return nil
	}
	ok := journals[0].Digest == journals[1].Digest
	return &ok
}

func outputReplayText(w io.Writer, result ReplayResult) error {
	if result.TotalJournals == 0 {
		fmt.Fprintln(w, "No sessions found in journal.")
		return nil
	}

	fmt.Fprintf(w, "Replaying %d journal(s)...\n\n", result.TotalJournals)
	for _, s := range result.Sessions {
		fmt.Fprintf(w, "Session %s\n", s.Session)
		for _, j := range s.Journals {
			mark := "✓"
			if !j.Deterministic || len(j.Problems) > 0 {
				mark = "✗"
			}
			fmt.Fprintf(w, "  %s %s: %s after %s, %d/%d applied, %d win(s)\n",
				mark, j.Local, j.State, session.FormatElapsed(j.Seconds), j.Applied, j.Messages, j.Wins)
			if !j.Deterministic {
				fmt.Fprintln(w, "    replay is not deterministic")
			}
			for _, p := range j.Problems {
				fmt.Fprintf(w, "    %s\n", p)
			}
		}
		if s.Converged != nil {
			if *s.Converged {
				fmt.Fprintln(w, "  ✓ boards match")
			} else {
				fmt.Fprintf(w, "  ✗ boards diverged: %s vs %s\n", s.Journals[0].Digest, s.Journals[1].Digest)
			}
		}
		fmt.Fprintln(w)
	}

	if !result.OK {
		fmt.Fprintln(w, "✗ Replay found problems")
		return NewExitError(ExitFailure, "replay found problems")
	}
	fmt.Fprintln(w, "✓ All journals replay cleanly")
	return nil
}
