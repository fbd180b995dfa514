package provider

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// Kind names an identity provider flavour.
type Kind string

const (
	Auto                 Kind = "auto"
	Generic              Kind = "generic"
	Azure                Kind = "azure"
	AzureManagedIdentity Kind = "azure_managed_identity"
	Google               Kind = "google"
	AWS                  Kind = "aws"
)

// Kinds lists every concrete provider kind.
var Kinds = []Kind{Generic, Azure, AzureManagedIdentity, Google, AWS}

// Token is the result of a successful acquisition.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
	Scope       string
}

// Provider acquires access tokens from one kind of identity provider.
type Provider interface {
	Kind() Kind
	Acquire(ctx context.Context, cfg *config.ServerConfig) (*Token, error)
}

// KeySource is implemented by providers that publish well-known signing
// keys. Either return value may be empty.
type KeySource interface {
	JWKSURL(cfg *config.ServerConfig) string
	Issuer(cfg *config.ServerConfig) string
}

// Logger is an interface for optional logging in providers.
type Logger interface {
	Printf(format string, args ...any)
}

// Option configures a Provider created by New.
type Option func(*options)

type options struct {
	client       *http.Client
	logger       Logger
	getenv       func(string) string
	imdsEndpoint string
}

// WithHTTPClient sets the HTTP client used to reach the issuer.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithLogger sets a logger for acquisition diagnostics.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLoggingEnabled logs using the default Go log package.
func WithLoggingEnabled() Option {
	return func(o *options) {
		o.logger = log.Default()
	}
}

// WithGetenv overrides environment lookups, used by the managed identity
// provider to discover the App Service identity endpoint.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) {
		o.getenv = getenv
	}
}

// WithIMDSEndpoint overrides the instance metadata token endpoint.
func WithIMDSEndpoint(endpoint string) Option {
	return func(o *options) {
		o.imdsEndpoint = endpoint
	}
}

// New creates the provider for kind. Auto must be resolved first.
func New(kind Kind, opts ...Option) (Provider, error) {
	o := &options{
		getenv:       os.Getenv,
		imdsEndpoint: DefaultIMDSEndpoint,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = http.DefaultClient
	}

	switch kind {
	case Generic:
		return newGeneric(o), nil
	case Azure:
		return newAzure(o), nil
	case AzureManagedIdentity:
		return newManagedIdentity(o), nil
	case Google:
		return newGoogle(o), nil
	case AWS:
		return newAWS(o), nil
	default:
		return nil, &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: fmt.Sprintf("unknown provider %q", kind),
			Hint:    "use auto, generic, azure, azure_managed_identity, google or aws",
		}
	}
}

// ParseKind validates a configured provider name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" || k == Auto {
		return Auto, nil
	}
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", &tokenerr.Error{
		Kind:    tokenerr.Configuration,
		Message: fmt.Sprintf("unknown provider %q", s),
		Hint:    "use auto, generic, azure, azure_managed_identity, google or aws",
	}
}

// Detect guesses the provider kind from a token endpoint URL. It only looks
// at the host name and falls back to Generic.
func Detect(endpoint string) Kind {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Generic
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case host == "login.microsoftonline.com" || strings.HasSuffix(host, ".login.microsoftonline.com"):
		return Azure
	case host == "169.254.169.254":
		return AzureManagedIdentity
	case host == "oauth2.googleapis.com" || host == "accounts.google.com" || strings.HasSuffix(host, ".googleapis.com"):
		return Google
	case strings.HasSuffix(host, ".amazoncognito.com") || strings.HasSuffix(host, ".amazonaws.com"):
		return AWS
	default:
		return Generic
	}
}

// Resolve returns the provider kind for a server. An explicit provider
// always wins; otherwise the managed identity marker, provider specific
// settings and finally the token endpoint host decide.
func Resolve(cfg *config.ServerConfig) (Kind, error) {
	kind, err := ParseKind(cfg.Provider)
	if err != nil {
		if te, ok := err.(*tokenerr.Error); ok {
			te.Server = cfg.Name
		}
		return "", err
	}
	if kind != Auto {
		return kind, nil
	}

	switch {
	case cfg.ClientSecret == config.ManagedIdentitySecret:
		return AzureManagedIdentity, nil
	case cfg.TokenEndpoint != "":
		return Detect(cfg.TokenEndpoint), nil
	case cfg.TenantID != "":
		return Azure, nil
	case cfg.ServiceAccountJSON != "" || cfg.ServiceAccountFile != "":
		return Google, nil
	case cfg.Domain != "":
		return AWS, nil
	default:
		return "", &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Server:  cfg.Name,
			Message: "token_endpoint is required",
			Hint:    "set token_endpoint or an explicit provider with its settings",
		}
	}
}
