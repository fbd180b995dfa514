package cli

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/provider"
)

func newServersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers",
		Long:  `Lists the configured servers with their resolved provider and policies. No issuer is contacted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return renderServers(cmd.OutOrStdout(), cfg.ServerList())
		},
	}
}

func renderServers(w io.Writer, servers []*config.ServerConfig) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "PROVIDER", "URL", "TOKEN ENDPOINT", "REFRESH BUFFER", "RETRY", "BREAKER"})

	for _, s := range servers {
		kind, err := provider.Resolve(s)
		if err != nil {
			return err
		}
		endpoint := s.TokenEndpoint
		if endpoint == "" {
			endpoint = text.FgHiBlack.Sprint("(provider default)")
		}
		t.AppendRow(table.Row{
			text.FgHiCyan.Sprint(s.Name),
			string(kind),
			s.URL,
			endpoint,
			s.RefreshBuffer,
			fmt.Sprintf("%s x%d", s.Retry.Strategy, s.Retry.MaxAttempts),
			fmt.Sprintf("%d / %s", s.CircuitBreaker.FailureThreshold, s.CircuitBreaker.Timeout),
		})
	}

	t.Render()
	return nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}
