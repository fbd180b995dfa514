package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

const (
	azureAuthority     = "https://login.microsoftonline.com"
	azureDefaultTenant = "common"

	// DefaultIMDSEndpoint is the Azure instance metadata token endpoint.
	DefaultIMDSEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"
	// DefaultManagedIdentityResource is requested when no scope is configured.
	DefaultManagedIdentityResource = "https://dicom.healthcareapis.azure.com"

	imdsAPIVersion       = "2018-02-01"
	appServiceAPIVersion = "2019-08-01"
)

var aadstsPattern = regexp.MustCompile(`AADSTS\d+`)

var aadstsHints = map[string]string{
	"AADSTS7000215": "invalid client secret; use the secret value, not the secret ID",
	"AADSTS7000222": "the client secret has expired; create a new one",
	"AADSTS700016":  "application not found in the tenant; check client_id and tenant_id",
	"AADSTS90002":   "tenant not found; check tenant_id",
	"AADSTS70011":   "invalid scope; use <resource>/.default for client credentials",
	"AADSTS500011":  "resource principal not found; check the scope resource URI",
	"AADSTS50034":   "the account does not exist in the tenant",
	"AADSTS700024":  "client assertion is outside its valid time range",
}

type azure struct {
	*clientCredentials
}

func newAzure(o *options) *azure {
	return &azure{clientCredentials: &clientCredentials{
		kind:      Azure,
		client:    o.client,
		logger:    o.logger,
		authStyle: oauth2.AuthStyleInParams,
		endpoint:  azureEndpoint,
		scopes:    azureScopes,
		hint:      azureHint,
	}}
}

func azureTenant(cfg *config.ServerConfig) string {
	if cfg.TenantID != "" {
		return cfg.TenantID
	}
	return azureDefaultTenant
}

func azureEndpoint(cfg *config.ServerConfig) (string, error) {
	if cfg.TokenEndpoint != "" {
		return cfg.TokenEndpoint, nil
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", azureAuthority, url.PathEscape(azureTenant(cfg))), nil
}

// azureScopes turns resource URIs into the "<resource>/.default" form that
// the client credentials grant requires.
func azureScopes(cfg *config.ServerConfig) []string {
	scopes := strings.Fields(cfg.Scope)
	if len(scopes) == 0 && cfg.Audience != "" {
		scopes = []string{cfg.Audience}
	}
	for i, s := range scopes {
		scopes[i] = defaultScope(s)
	}
	return scopes
}

func defaultScope(s string) string {
	if strings.HasSuffix(s, "/.default") || !strings.Contains(s, "://") {
		return s
	}
	return strings.TrimSuffix(s, "/") + "/.default"
}

func azureHint(code, description string) string {
	if m := aadstsPattern.FindString(description); m != "" {
		if hint, ok := aadstsHints[m]; ok {
			return m + ": " + hint
		}
		return m + ": see https://login.microsoftonline.com/error?code=" + strings.TrimPrefix(m, "AADSTS")
	}
	return genericHints[code]
}

// JWKSURL implements KeySource.
func (p *azure) JWKSURL(cfg *config.ServerConfig) string {
	return fmt.Sprintf("%s/%s/discovery/v2.0/keys", azureAuthority, url.PathEscape(azureTenant(cfg)))
}

// Issuer implements KeySource. Multi-tenant authorities have no fixed issuer.
func (p *azure) Issuer(cfg *config.ServerConfig) string {
	if cfg.TenantID == "" || cfg.TenantID == azureDefaultTenant {
		return ""
	}
	return fmt.Sprintf("%s/%s/v2.0", azureAuthority, cfg.TenantID)
}

// managedIdentity obtains tokens for the platform-assigned identity from the
// instance metadata service, or from the App Service identity endpoint when
// IDENTITY_ENDPOINT and IDENTITY_HEADER are set.
type managedIdentity struct {
	client       *http.Client
	logger       Logger
	getenv       func(string) string
	imdsEndpoint string
}

func newManagedIdentity(o *options) *managedIdentity {
	return &managedIdentity{
		client:       o.client,
		logger:       o.logger,
		getenv:       o.getenv,
		imdsEndpoint: o.imdsEndpoint,
	}
}

func (p *managedIdentity) Kind() Kind { return AzureManagedIdentity }

// managedIdentityResponse accepts expires_in as a number or a string; the
// metadata service returns strings.
type managedIdentityResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	ExpiresOn   json.Number `json:"expires_on"`
	Resource    string      `json:"resource"`
	Error       string      `json:"error"`
	Description string      `json:"error_description"`
}

func managedIdentityResource(cfg *config.ServerConfig) string {
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = cfg.Audience
	}
	if scope == "" {
		return DefaultManagedIdentityResource
	}
	return strings.TrimSuffix(strings.Fields(scope)[0], "/.default")
}

func (p *managedIdentity) request(ctx context.Context, cfg *config.ServerConfig) (*http.Request, error) {
	params := url.Values{}
	params.Set("resource", managedIdentityResource(cfg))
	if cfg.ClientID != "" {
		params.Set("client_id", cfg.ClientID)
	}

	endpoint, header := p.getenv("IDENTITY_ENDPOINT"), p.getenv("IDENTITY_HEADER")
	if endpoint != "" && header != "" && cfg.TokenEndpoint == "" {
		params.Set("api-version", appServiceAPIVersion)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-IDENTITY-HEADER", header)
		return req, nil
	}

	base := p.imdsEndpoint
	if cfg.TokenEndpoint != "" {
		base = cfg.TokenEndpoint
	}
	params.Set("api-version", imdsAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata", "true")
	return req, nil
}

func (p *managedIdentity) Acquire(ctx context.Context, cfg *config.ServerConfig) (*Token, error) {
	req, err := p.request(ctx, cfg)
	if err != nil {
		return nil, &tokenerr.Error{Kind: tokenerr.Configuration, Server: cfg.Name, Provider: string(AzureManagedIdentity), Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		e := classify(AzureManagedIdentity, cfg, err, nil)
		if te, ok := e.(*tokenerr.Error); ok && te.Code == "NET-002" {
			te.Hint = "the identity endpoint is unreachable; is this running on Azure compute with a managed identity?"
		}
		return nil, e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(AzureManagedIdentity, cfg, err, nil)
	}

	var parsed managedIdentityResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode, parsed.Error)
		// The metadata service asks callers to retry 404 and 410.
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			kind = tokenerr.Network
		}
		return nil, &tokenerr.Error{
			Kind:       kind,
			Server:     cfg.Name,
			Provider:   string(AzureManagedIdentity),
			StatusCode: resp.StatusCode,
			IssuerCode: parsed.Error,
			Message:    issuerMessage(resp.StatusCode, parsed.Error),
			Hint:       "check that the identity is assigned and has access to the requested resource",
		}
	}
	if decodeErr != nil {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.InvalidIssuerResponse,
			Server:   cfg.Name,
			Provider: string(AzureManagedIdentity),
			Message:  "could not parse the identity endpoint response",
			Err:      decodeErr,
		}
	}
	if parsed.AccessToken == "" {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.InvalidIssuerResponse,
			Server:   cfg.Name,
			Provider: string(AzureManagedIdentity),
			Message:  "response has no access_token",
		}
	}

	expiresIn := parseSeconds(parsed.ExpiresIn)
	if expiresIn <= 0 {
		if on := parseSeconds(parsed.ExpiresOn); on > 0 {
			expiresIn = time.Until(time.Unix(int64(on/time.Second), 0))
		}
	}
	if expiresIn <= 0 {
		return nil, &tokenerr.Error{
			Kind:     tokenerr.InvalidIssuerResponse,
			Server:   cfg.Name,
			Provider: string(AzureManagedIdentity),
			Message:  "response has no positive expires_in",
		}
	}

	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	if p.logger != nil {
		p.logger.Printf("provider: managed identity issued a token for server %s", cfg.Name)
	}

	return &Token{
		AccessToken: parsed.AccessToken,
		TokenType:   tokenType,
		ExpiresIn:   expiresIn,
		Scope:       parsed.Resource,
	}, nil
}

func parseSeconds(n json.Number) time.Duration {
	if n == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(string(n), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
