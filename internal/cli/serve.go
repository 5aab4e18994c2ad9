package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/transport"
	"github.com/roach88/pistonsync/internal/transport/wsrelay"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	EmptyTTL time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and lobby",
		Long: `Run the websocket relay that pairs peers into rooms.

Peers create or join a room by name; the first peer in a room is the
master. GET /rooms lists the rooms, GET /ws upgrades to a relayed session.

Examples:
  pistons serve
  pistons serve --addr :9000 --empty-ttl 5m
  PISTONS_RELAY_ADDR=0.0.0.0:8080 pistons serve --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $PISTONS_RELAY_ADDR)")
	cmd.Flags().DurationVar(&opts.EmptyTTL, "empty-ttl", 0, "keep empty rooms listed this long (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := configureLogging(opts.RootOptions, cfg.Env, cmd.ErrOrStderr()); err != nil {
		return err
	}

	ttl := cfg.Game.EmptyTTL()
	if cmd.Flags().Changed("empty-ttl") {
		ttl = opts.EmptyTTL
	}
	addr := firstNonEmpty(opts.Addr, cfg.Env.RelayAddr)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	hub := transport.NewHub(transport.WithEmptyTTL(ttl))
	srv := wsrelay.NewServer(hub)

	slog.Info("relay starting", "addr", addr, "empty_ttl", ttl)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s. Press Ctrl-C to stop.\n", addr)

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitCommandError, "relay failed", err)
	}
	slog.Info("relay stopped gracefully")
	return nil
}
