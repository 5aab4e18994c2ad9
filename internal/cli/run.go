package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/config"
	"github.com/roach88/pistonsync/internal/store"
)

// settings is the resolved configuration of one command invocation:
// defaults < CUE file < environment < flags.
type settings struct {
	Game config.Game
	Env  config.Env
}

func loadSettings(opts *RootOptions) (settings, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return settings{}, WrapExitError(ExitCommandError, "invalid environment", err)
	}

	game := config.Default()
	if opts.Config != "" {
		game, err = config.Load(opts.Config)
		if err != nil {
			return settings{}, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
	}
	return settings{Game: game.WithEnv(env), Env: env}, nil
}

// configureLogging installs the process-wide handler. --verbose wins over
// PISTONS_LOG_LEVEL.
func configureLogging(opts *RootOptions, env config.Env, w io.Writer) error {
	level := slog.LevelDebug
	if !opts.Verbose {
		l, err := env.SlogLevel()
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid log level", err)
		}
		level = l
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's own
// context is (for example from a test).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// openJournal opens a journal database. Read-only commands refuse a path
// that does not exist rather than creating an empty database.
func openJournal(path string, mustExist bool) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no journal: pass --db or set PISTONS_DB")
	}
	if mustExist {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

func closeJournal(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing journal", "error", err)
	}
}

// relayURL turns a host:port into an http base URL.
func relayURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
