package provider

import (
	"context"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

const (
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	googleJWKSURL       = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer        = "https://accounts.google.com"
	googleDefaultScope  = "https://www.googleapis.com/auth/cloud-platform"
)

var googleHints = map[string]string{
	"invalid_grant":       "the service account key was rejected; check the key and the system clock",
	"invalid_client":      "the OAuth client is unknown; check client_id and client_secret",
	"unauthorized_client": "the client or service account may not request this scope",
	"invalid_scope":       "request a Google API scope such as " + googleDefaultScope,
}

// googleProvider uses the service account JWT-bearer flow when a key is
// configured and the client credentials grant otherwise.
type googleProvider struct {
	*clientCredentials
}

func newGoogle(o *options) *googleProvider {
	return &googleProvider{clientCredentials: &clientCredentials{
		kind:      Google,
		client:    o.client,
		logger:    o.logger,
		authStyle: oauth2.AuthStyleInParams,
		endpoint:  googleEndpoint,
		scopes:    googleScopes,
		hint:      lookupHint(googleHints),
	}}
}

func googleEndpoint(cfg *config.ServerConfig) (string, error) {
	if cfg.TokenEndpoint != "" {
		return cfg.TokenEndpoint, nil
	}
	return googleTokenEndpoint, nil
}

func googleScopes(cfg *config.ServerConfig) []string {
	if scopes := fieldScopes(cfg); len(scopes) > 0 {
		return scopes
	}
	return []string{googleDefaultScope}
}

func (p *googleProvider) Acquire(ctx context.Context, cfg *config.ServerConfig) (*Token, error) {
	key := []byte(cfg.ServiceAccountJSON)
	if len(key) == 0 && cfg.ServiceAccountFile != "" {
		data, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, &tokenerr.Error{
				Kind:     tokenerr.Configuration,
				Server:   cfg.Name,
				Provider: string(Google),
				Message:  "read service account file",
				Err:      err,
			}
		}
		key = data
	}
	if len(key) == 0 {
		return p.clientCredentials.Acquire(ctx, cfg)
	}

	conf, err := google.JWTConfigFromJSON(key, googleScopes(cfg)...)
	if err != nil {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.Configuration,
			Server:   cfg.Name,
			Provider: string(Google),
			Message:  "parse service account key",
			Hint:     "service_account_json must be a service account key file in JSON format",
			Err:      err,
		}
	}
	if cfg.TokenEndpoint != "" {
		conf.TokenURL = cfg.TokenEndpoint
	}
	if cfg.Audience != "" {
		conf.Audience = cfg.Audience
	}

	tok, err := conf.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, p.client)).Token()
	if err != nil {
		return nil, classify(Google, cfg, err, p.hint)
	}
	return convertToken(Google, cfg, tok)
}

// JWKSURL implements KeySource.
func (p *googleProvider) JWKSURL(*config.ServerConfig) string { return googleJWKSURL }

// Issuer implements KeySource.
func (p *googleProvider) Issuer(*config.ServerConfig) string { return googleIssuer }
