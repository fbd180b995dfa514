package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenmanager"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		raw    bool
		header bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "token <server>",
		Short: "Acquire a token for a configured server",
		Long: `Acquires a token for the named server and prints a summary.

The raw token is only printed with --raw or --header.

Examples:
  tokenbroker token pacs                 # fingerprint and expiry
  tokenbroker token pacs --raw           # the access token
  tokenbroker token pacs --header        # "Authorization: Bearer ..."
  tokenbroker token pacs --json          # summary as JSON`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if raw && header {
				return fmt.Errorf("--raw and --header are mutually exclusive")
			}

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

			tok, err := tm.Token(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case raw:
				fmt.Fprintln(out, tok.AccessToken)
			case header:
				fmt.Fprintln(out, "Authorization: "+tok.AuthorizationHeader())
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tokenSummary(tok))
			default:
				s := tokenSummary(tok)
				fmt.Fprintf(out, "Server:      %s\n", s.Server)
				fmt.Fprintf(out, "Type:        %s\n", s.TokenType)
				fmt.Fprintf(out, "Fingerprint: %s\n", s.Fingerprint)
				fmt.Fprintf(out, "Expires:     %s (in %s)\n", s.ExpiresAt.Format(time.RFC3339), time.Until(s.ExpiresAt).Round(time.Second))
				if s.Scope != "" {
					fmt.Fprintf(out, "Scope:       %s\n", s.Scope)
				}
				if s.Subject != "" {
					fmt.Fprintf(out, "Subject:     %s\n", s.Subject)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw access token")
	cmd.Flags().BoolVar(&header, "header", false, "print an Authorization header line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

type summary struct {
	Server      string    `json:"server"`
	TokenType   string    `json:"token_type"`
	Fingerprint string    `json:"fingerprint"`
	Scope       string    `json:"scope,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RefreshAt   time.Time `json:"refresh_at"`
}

func tokenSummary(tok *tokenmanager.CachedToken) summary {
	s := summary{
		Server:      tok.Server,
		TokenType:   tok.TokenType,
		Fingerprint: tok.Fingerprint(),
		Scope:       tok.Scope,
		IssuedAt:    tok.IssuedAt,
		ExpiresAt:   tok.ExpiresAt,
		RefreshAt:   tok.RefreshAt,
	}
	if tok.Claims != nil {
		s.Subject = tok.Claims.Subject
	}
	return s
}
