// Package cli is the liveness command line.
package cli

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"
)

type RootCmd struct {
	verbose bool
}

func (r *RootCmd) Command() *serpent.Command {
	return &serpent.Command{
		Use:   "liveness",
		Short: "Presence rosters and session liveness for many clients",
		Long: "Runs clients that share a presence roster of active users and " +
			"are signed out when their account is deactivated or expires.",
		Options: serpent.OptionSet{
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "LIVENESS_VERBOSE",
				Description:   "Output debug level logs.",
				Value:         serpent.BoolOf(&r.verbose),
			},
		},
		Children: []*serpent.Command{
			r.simulate(),
			r.version(),
		},
	}
}

func (r *RootCmd) logger(inv *serpent.Invocation) slog.Logger {
	logger := slog.Make(sloghuman.Sink(inv.Stderr))
	if r.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// ServeHandler serves handler on addr until the returned func is called.
func ServeHandler(ctx context.Context, logger slog.Logger, handler http.Handler, addr, name string) (closeFunc func()) {
	logger.Debug(ctx, "http server listening", slog.F("addr", addr), slog.F("name", name))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server listen", slog.F("name", name), slog.F("addr", addr), slog.Error(err))
		}
	}()

	return func() {
		_ = srv.Close()
	}
}
