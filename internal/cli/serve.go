package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/admin"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenmanager"
)

func newServeCmd(opts *options) *cobra.Command {
	var listen string
	var warm bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API with status, connectivity tests and metrics",
		Long: `Starts the token manager and serves the admin API until interrupted.

Endpoints:
  GET  /health                 overall health
  GET  /status                 status of every server
  GET  /servers                configured servers
  GET  /servers/{name}         status of one server
  POST /servers/{name}/test    force a token acquisition
  GET  /metrics                Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Admin.Listen = listen
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			printf := printfLogger(logger)
			collector := metrics.New()

			tm, err := tokenmanager.NewFromConfig(cfg,
				tokenmanager.WithLogger(printf),
				tokenmanager.WithMetrics(collector),
			)
			if err != nil {
				return err
			}
			defer tm.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if warm {
				warmUp(ctx, tm, logger.Info, logger.Warn)
			}

			srvOpts := []admin.Option{
				admin.WithMetrics(collector),
				admin.WithVersion(opts.version),
				admin.WithLogger(printf),
			}
			if cfg.Admin.Auth.Enabled {
				v, err := admin.NewValidator(cfg.Admin.Auth, printf)
				if err != nil {
					return err
				}
				defer v.Close()
				var mwOpts []admin.MiddlewareOption
				if cfg.Admin.Auth.RequiredScope != "" {
					mwOpts = append(mwOpts, admin.WithRequiredScope(cfg.Admin.Auth.RequiredScope))
				}
				mwOpts = append(mwOpts, admin.WithMiddlewareLogger(printf))
				srvOpts = append(srvOpts, admin.WithAuthentication(v, mwOpts...))
			}

			logger.Info("starting tokenbroker",
				"version", opts.version,
				"servers", len(cfg.Servers),
				"cache", cfg.Cache.Backend,
				"listen", cfg.Admin.Listen,
			)
			return admin.New(tm, srvOpts...).ListenAndServe(ctx, cfg.Admin)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "admin listen address (overrides admin.listen)")
	cmd.Flags().BoolVar(&warm, "warm", false, "acquire a token for every server before serving")
	return cmd
}

// warmUp acquires a token for every server. Failures are logged and do not
// stop the server; the next caller retries.
func warmUp(ctx context.Context, tm *tokenmanager.Manager, info, warn func(msg string, args ...any)) {
	for _, name := range tm.Servers() {
		tok, err := tm.Token(ctx, name)
		if err != nil {
			warn("token warm-up failed", "server", name, "error", err)
			continue
		}
		info("token warm-up succeeded", "server", name, "fingerprint", tok.Fingerprint(), "expires_at", tok.ExpiresAt)
	}
}
