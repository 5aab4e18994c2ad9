package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string
	Peer     string // optional - whose journal; defaults to the first one
	Kind     string // optional - filter to one message kind
}

// TraceEvent is one journaled envelope in the timeline.
type TraceEvent struct {
	Ord       int64          `json:"ord"`
	Direction string         `json:"direction"`
	Sender    string         `json:"sender"`
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Args      map[string]any `json:"args"`
}

// TraceStats holds summary statistics for the timeline.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	Sent        int            `json:"sent"`
	Received    int            `json:"received"`
	Kinds       map[string]int `json:"kinds"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Session  string       `json:"session"`
	Local    string       `json:"local"`
	Room     string       `json:"room,omitempty"`
	Master   string       `json:"master,omitempty"`
	Guest    string       `json:"guest,omitempty"`
	Seed     uint64       `json:"seed,omitempty"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journaled messages of a session",
		Long: `Show every message one peer sent or received during a session, in the
order the peer applied them.

Examples:
  pistons trace --db ./pistons.db --session 0192b7e4-...
  pistons trace --db ./pistons.db --session 0192b7e4-... --peer guest
  pistons trace --db ./pistons.db --session 0192b7e4-... --kind set_weight --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (default $PISTONS_DB)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (required)")
	_ = cmd.MarkFlagRequired("session")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "show this peer's journal")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "show only messages of this kind")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := configureLogging(opts.RootOptions, cfg.Env, cmd.ErrOrStderr()); err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Kind != "" && !protocol.Known(protocol.Kind(opts.Kind)) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown message kind: %s", opts.Kind))
	}

	st, err := openJournal(firstNonEmpty(opts.Database, cfg.Env.DB), true)
	if err != nil {
		return err
	}
	defer closeJournal(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	local, err := pickJournal(ctx, st, opts.Session, opts.Peer)
	if err != nil {
		return err
	}
	formatter.VerboseLog("Reading %s as seen by %s", opts.Session, local)

	result := TraceResult{
		Session:  opts.Session,
		Local:    string(local),
		Timeline: []TraceEvent{},
		Stats:    TraceStats{Kinds: map[string]int{}},
	}
	meta, err := st.ReadSession(ctx, opts.Session, local)
	switch {
	case err == nil:
		result.Room = meta.Room
		result.Master = string(meta.Master)
		result.Guest = string(meta.Guest)
		result.Seed = meta.Seed
	case !errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}

	records, err := st.ReadMessages(ctx, opts.Session, local)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	for _, r := range records {
		if opts.Kind != "" && string(r.Envelope.Kind) != opts.Kind {
			continue
		}
		ev := TraceEvent{
			Ord:       r.Ord,
			Direction: string(r.Direction),
			Sender:    string(r.Envelope.Sender),
			Seq:       r.Envelope.Seq,
			Kind:      string(r.Envelope.Kind),
			Args:      map[string]any{},
		}
		if msg, err := protocol.DecodeMessage(r.Envelope); err == nil {
			ev.Args = protocol.Describe(msg)
		} else {
			formatter.VerboseLog("ord %d: %v", r.Ord, err)
		}
		result.Timeline = append(result.Timeline, ev)
		result.Stats.Kinds[ev.Kind]++
		if r.Direction == store.DirectionOut {
			result.Stats.Sent++
		} else {
			result.Stats.Received++
		}
	}
	result.Stats.TotalEvents = len(result.Timeline)

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(cmd.OutOrStdout(), result)
	return nil
}

// pickJournal resolves whose journal to show. Without --peer the first
// journal of the session is used.
func pickJournal(ctx context.Context, st *store.Store, session, peer string) (piston.PeerID, error) {
	refs, err := st.ListSessions(ctx)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	var locals []string
	for _, ref := range refs {
		if ref.Session == session {
			locals = append(locals, string(ref.Local))
		}
	}
	if len(locals) == 0 {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", session))
	}
	if peer == "" {
		return piston.PeerID(locals[0]), nil
	}
	for _, l := range locals {
		if l == peer {
			return piston.PeerID(l), nil
		}
	}
	return "", NewExitError(ExitCommandError,
		fmt.Sprintf("no journal of %s for session %s (have: %s)", peer, session, strings.Join(locals, ", ")))
}

func outputTraceText(w io.Writer, result TraceResult) {
	fmt.Fprintf(w, "Trace for session: %s (as seen by %s)\n", result.Session, result.Local)
	if result.Room != "" {
		fmt.Fprintf(w, "Room %s: master %s, guest %s", result.Room, result.Master, result.Guest)
		if result.Seed != 0 {
			fmt.Fprintf(w, ", seed %d", result.Seed)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w)

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No messages found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORD\tDIR\tFROM\tKIND\tARGS")
	for _, ev := range result.Timeline {
		fmt.Fprintf(tw, "%d\t%s\t%s#%d\t%s\t%s\n", ev.Ord, ev.Direction, ev.Sender, ev.Seq, ev.Kind, formatArgs(ev.Args))
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Total: %d messages (%d sent, %d received)\n",
		result.Stats.TotalEvents, result.Stats.Sent, result.Stats.Received)
}

// formatArgs renders args as key=value pairs in key order.
func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, args[k])
	}
	return strings.Join(parts, " ")
}
