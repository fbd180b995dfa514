// Package cli implements the tokenbroker command line.
package cli

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess       = 0
	ExitCodeError         = 1
	ExitCodeConfiguration = 2
	ExitCodeAuthorization = 3
	ExitCodeUnavailable   = 4
)

// ConfigEnv names the environment variable holding the default config path.
const ConfigEnv = "TOKENBROKER_CONFIG"

const defaultConfigPath = "tokenbroker.yaml"

type options struct {
	configPath string
	logLevel   string
	version    string
}

// NewRootCommand creates the tokenbroker command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{version: version}

	root := &cobra.Command{
		Use:   "tokenbroker",
		Short: "Acquire and cache OAuth2 client-credentials tokens for DICOMweb servers",
		Long: `tokenbroker obtains OAuth2 access tokens for configured DICOMweb servers
using the client-credentials grant. Tokens are cached and refreshed shortly
before they expire, with retries, a circuit breaker and a rate limiter
protecting every issuer.

Supported providers: generic OAuth2, Azure AD, Azure managed identity,
Google service accounts and AWS Cognito.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "tokenbroker version %s\n" .Version}}`)

	defaultPath := os.Getenv(ConfigEnv)
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultPath, "path to the configuration file (env "+ConfigEnv+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log_level)")

	root.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newServersCmd(opts),
		newTestCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the command line and exits with a code describing the
// failure, if any.
func Execute(version string) {
	root := NewRootCommand(version)
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	switch tokenerr.RootKind(err) {
	case tokenerr.Configuration, tokenerr.UnknownServer:
		return ExitCodeConfiguration
	case tokenerr.Authorization, tokenerr.TokenValidation:
		return ExitCodeAuthorization
	case tokenerr.Network, tokenerr.CircuitOpen, tokenerr.RateLimited, tokenerr.InvalidIssuerResponse:
		return ExitCodeUnavailable
	default:
		return ExitCodeError
	}
}

func printError(w io.Writer, err error) {
	_, _ = io.WriteString(w, "Error: "+err.Error()+"\n")
	if hint := tokenerr.HintOf(err); hint != "" {
		_, _ = io.WriteString(w, "Hint: "+hint+"\n")
	}
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, &tokenerr.Error{Kind: tokenerr.Configuration, Message: "log level", Err: err}
	}
	return cfg, nil
}

var errNoServers = errors.New("no servers selected")
