package cli

import (
	"fmt"
	"time"

	"github.com/coder/serpent"

	"github.com/coder/liveness/buildinfo"
)

func (*RootCmd) version() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show version",
		Handler: func(inv *serpent.Invocation) error {
			_, _ = fmt.Fprintf(inv.Stdout, "liveness %s\n", buildinfo.Version())
			if built, ok := buildinfo.Time(); ok {
				_, _ = fmt.Fprintf(inv.Stdout, "built %s\n", built.Format(time.RFC1123))
			}
			_, _ = fmt.Fprintln(inv.Stdout, buildinfo.ExternalURL())
			return nil
		},
	}
}
