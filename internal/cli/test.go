package cli

import (
	"context"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenmanager"
)

func newTestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test [server...]",
		Short: "Acquire a fresh token from each server's issuer",
		Long: `Forces a token acquisition for the named servers, or for every server
when none are given, and prints the outcome. Exits non-zero if any
acquisition fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			tm, err := tokenmanager.NewFromConfig(cfg, tokenmanager.WithLogger(printfLogger(logger)))
			if err != nil {
				return err
			}
			defer tm.Close()

			names := args
			if len(names) == 0 {
				names = tm.Servers()
			}
			if len(names) == 0 {
				return errNoServers
			}

			return runTests(cmd.Context(), cmd.OutOrStdout(), tm, names)
		},
	}
}

type refresher interface {
	Refresh(ctx context.Context, id string) (*tokenmanager.CachedToken, error)
}

// runTests renders one row per server and returns the first failure.
func runTests(ctx context.Context, w io.Writer, tm refresher, names []string) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"SERVER", "RESULT", "DURATION", "FINGERPRINT", "EXPIRES", "ERROR"})

	var firstErr error
	for _, name := range names {
		start := time.Now()
		tok, err := tm.Refresh(ctx, name)
		elapsed := time.Since(start).Round(time.Millisecond)

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			code := tokenerr.Internal.Code()
			if root := tokenerr.Root(err); root != nil {
				code = root.ErrorCode()
			}
			t.AppendRow(table.Row{name, text.FgRed.Sprint("FAIL"), elapsed, "", "", code + " " + tokenerr.RootKind(err).String()})
			continue
		}
		t.AppendRow(table.Row{name, text.FgGreen.Sprint("OK"), elapsed, tok.Fingerprint(), tok.ExpiresAt.Format(time.RFC3339), ""})
	}

	t.Render()
	return firstErr
}
