package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/transport"
	"github.com/roach88/pistonsync/internal/transport/wsrelay"
)

// RoomsOptions holds flags for the rooms command.
type RoomsOptions struct {
	*RootOptions
	Relay   string
	Timeout time.Duration
}

// RoomsResult is the lobby listing.
type RoomsResult struct {
	Relay string               `json:"relay"`
	Rooms []transport.RoomInfo `json:"rooms"`
}

// NewRoomsCommand creates the rooms command.
func NewRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RoomsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms on a relay",
		Long: `List the rooms a relay currently knows about.

A room is open while it waits for its second peer.

Examples:
  pistons rooms
  pistons rooms --relay http://relay.local:8080 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay address (default $PISTONS_RELAY_ADDR)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func runRooms(opts *RoomsOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	base := relayURL(firstNonEmpty(opts.Relay, cfg.Env.RelayAddr))

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	formatter.VerboseLog("Listing rooms on %s", base)
	rooms, err := wsrelay.ListRooms(ctx, base)
	if err != nil {
		_ = formatter.Error(ErrCodeSession, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list rooms", err)
	}

	if formatter.JSON() {
		return formatter.Success(RoomsResult{Relay: base, Rooms: rooms})
	}

	w := cmd.OutOrStdout()
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tPEERS\tOPEN\tSESSION")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", r.Name, r.Peers, r.Open, r.Session)
	}
	return tw.Flush()
}
