package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// authorizationCodes are OAuth error codes that retrying cannot fix.
var authorizationCodes = map[string]bool{
	"invalid_client":      true,
	"unauthorized_client": true,
	"invalid_grant":       true,
	"invalid_scope":       true,
	"access_denied":       true,
	"invalid_request":     true,
}

var genericHints = map[string]string{
	"invalid_client":      "verify client_id and client_secret",
	"unauthorized_client": "the client is not allowed to use the client credentials grant",
	"invalid_grant":       "the grant was rejected; check credentials and clock skew",
	"invalid_scope":       "the requested scope is unknown to the issuer",
	"access_denied":       "the issuer denied access to the requested resource",
	"invalid_request":     "the token request is malformed; check scope and audience",
}

// clientCredentials acquires tokens with the OAuth2 client credentials grant
// through golang.org/x/oauth2/clientcredentials. Provider flavours customise
// it through the function fields.
type clientCredentials struct {
	kind      Kind
	client    *http.Client
	logger    Logger
	authStyle oauth2.AuthStyle

	endpoint func(cfg *config.ServerConfig) (string, error)
	scopes   func(cfg *config.ServerConfig) []string
	params   func(cfg *config.ServerConfig) url.Values
	hint     func(issuerCode, description string) string
}

func (p *clientCredentials) Kind() Kind { return p.kind }

func (p *clientCredentials) Acquire(ctx context.Context, cfg *config.ServerConfig) (*Token, error) {
	tokenURL, err := p.endpoint(cfg)
	if err != nil {
		return nil, err
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       p.scopes(cfg),
		AuthStyle:    p.authStyle,
	}
	if p.params != nil {
		conf.EndpointParams = p.params(cfg)
	}

	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, p.client))
	if err != nil {
		return nil, classify(p.kind, cfg, err, p.hint)
	}

	if p.logger != nil {
		p.logger.Printf("provider: %s issued a token for server %s", p.kind, cfg.Name)
	}
	return convertToken(p.kind, cfg, tok)
}

func staticEndpoint(cfg *config.ServerConfig) (string, error) {
	if cfg.TokenEndpoint == "" {
		return "", &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Server:  cfg.Name,
			Message: "token_endpoint is required",
		}
	}
	return cfg.TokenEndpoint, nil
}

func fieldScopes(cfg *config.ServerConfig) []string {
	return strings.Fields(cfg.Scope)
}

func audienceParam(cfg *config.ServerConfig) url.Values {
	if cfg.Audience == "" {
		return nil
	}
	return url.Values{"audience": {cfg.Audience}}
}

func newGeneric(o *options) *clientCredentials {
	return &clientCredentials{
		kind:      Generic,
		client:    o.client,
		logger:    o.logger,
		authStyle: oauth2.AuthStyleInParams,
		endpoint:  staticEndpoint,
		scopes:    fieldScopes,
		params:    audienceParam,
		hint:      lookupHint(genericHints),
	}
}

func lookupHint(hints map[string]string) func(code, description string) string {
	return func(code, _ string) string {
		return hints[code]
	}
}

// convertToken turns an oauth2.Token into a Token, rejecting responses that
// lack a usable lifetime.
func convertToken(kind Kind, cfg *config.ServerConfig, tok *oauth2.Token) (*Token, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.InvalidIssuerResponse,
			Server:   cfg.Name,
			Provider: string(kind),
			Message:  "response has no access_token",
		}
	}

	var expiresIn time.Duration
	switch {
	case tok.ExpiresIn > 0:
		expiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		expiresIn = time.Until(tok.Expiry)
	}
	if expiresIn <= 0 {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.InvalidIssuerResponse,
			Server:   cfg.Name,
			Provider: string(kind),
			Message:  "response has no positive expires_in",
			Hint:     "the issuer must return a token lifetime",
		}
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	scope, _ := tok.Extra("scope").(string)

	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		ExpiresIn:   expiresIn,
		Scope:       scope,
	}, nil
}

// classify maps an acquisition error onto the tokenerr taxonomy.
func classify(kind Kind, cfg *config.ServerConfig, err error, hint func(code, description string) string) error {
	var te *tokenerr.Error
	if errors.As(err, &te) {
		return err
	}

	e := &tokenerr.Error{Server: cfg.Name, Provider: string(kind), Err: err}

	var rErr *oauth2.RetrieveError
	var netErr net.Error
	switch {
	case errors.As(err, &rErr):
		if rErr.Response != nil {
			e.StatusCode = rErr.Response.StatusCode
		}
		e.IssuerCode = rErr.ErrorCode
		e.Kind = classifyStatus(e.StatusCode, rErr.ErrorCode)
		e.Message = issuerMessage(e.StatusCode, rErr.ErrorCode)
		if hint != nil {
			e.Hint = hint(rErr.ErrorCode, rErr.ErrorDescription)
		}
		if e.Hint == "" {
			e.Hint = genericHints[rErr.ErrorCode]
		}
		if e.Kind == tokenerr.Authorization {
			e.Code = authorizationCode(e.StatusCode, rErr.ErrorCode)
		}
		// The body is already reduced to code and status.
		e.Err = nil
	case isTLSError(err):
		e.Kind = tokenerr.Network
		e.Code = "NET-003"
		e.Message = "TLS handshake with the issuer failed"
		e.Hint = "check ca_file or verify_tls for this server"
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		e.Kind = tokenerr.Network
		e.Message = "issuer request timed out"
		e.Hint = "increase timeout or check issuer latency"
	case errors.As(err, &netErr), isURLError(err), errors.Is(err, context.Canceled):
		e.Kind = tokenerr.Network
		e.Code = "NET-002"
		e.Message = "issuer unreachable"
		e.Hint = "check the token endpoint host and network connectivity"
	default:
		e.Kind = tokenerr.InvalidIssuerResponse
		e.Message = "could not parse the issuer response"
	}
	return e
}

func classifyStatus(status int, code string) tokenerr.Kind {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return tokenerr.Network
	case code == "temporarily_unavailable":
		return tokenerr.Network
	case authorizationCodes[code]:
		return tokenerr.Authorization
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return tokenerr.Authorization
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return tokenerr.Configuration
	default:
		return tokenerr.InvalidIssuerResponse
	}
}

func authorizationCode(status int, code string) string {
	if status == http.StatusForbidden || code == "access_denied" || code == "invalid_scope" {
		return "AUTH-002"
	}
	return "AUTH-001"
}

func issuerMessage(status int, code string) string {
	switch {
	case code != "" && status != 0:
		return fmt.Sprintf("issuer returned HTTP %d (%s)", status, code)
	case code != "":
		return fmt.Sprintf("issuer returned error %s", code)
	default:
		return fmt.Sprintf("issuer returned HTTP %d", status)
	}
}

func isURLError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}
