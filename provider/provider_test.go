package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/testutil"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Kind
	}{
		{"https://login.microsoftonline.com/tenant/oauth2/v2.0/token", Azure},
		{"https://oauth2.googleapis.com/token", Google},
		{"https://my-pool.auth.us-east-1.amazoncognito.com/oauth2/token", AWS},
		{"https://cognito-idp.eu-west-1.amazonaws.com/token", AWS},
		{"http://169.254.169.254/metadata/identity/oauth2/token", AzureManagedIdentity},
		{"https://keycloak.example.com/realms/x/protocol/openid-connect/token", Generic},
		{"https://login.microsoftonline.com.evil.example/token", Generic},
		{"::not a url", Generic},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := Detect(tt.endpoint); got != tt.want {
				t.Fatalf("Detect(%q) = %s, want %s", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ServerConfig
		want    Kind
		wantErr bool
	}{
		{
			name: "explicit wins over endpoint",
			cfg:  config.ServerConfig{Provider: "generic", TokenEndpoint: "https://login.microsoftonline.com/t/oauth2/v2.0/token"},
			want: Generic,
		},
		{
			name: "auto detects from endpoint",
			cfg:  config.ServerConfig{Provider: "auto", TokenEndpoint: "https://oauth2.googleapis.com/token"},
			want: Google,
		},
		{
			name: "managed identity marker",
			cfg:  config.ServerConfig{ClientSecret: config.ManagedIdentitySecret},
			want: AzureManagedIdentity,
		},
		{
			name: "tenant without endpoint",
			cfg:  config.ServerConfig{TenantID: "contoso"},
			want: Azure,
		},
		{
			name: "cognito domain without endpoint",
			cfg:  config.ServerConfig{Domain: "my-pool"},
			want: AWS,
		},
		{
			name:    "unknown provider",
			cfg:     config.ServerConfig{Provider: "okta"},
			wantErr: true,
		},
		{
			name:    "nothing to go on",
			cfg:     config.ServerConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Name = "svc"
			got, err := Resolve(&cfg)
			if tt.wantErr {
				if !errors.Is(err, tokenerr.Configuration) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(Auto); !errors.Is(err, tokenerr.Configuration) {
		t.Fatalf("expected configuration error for unresolved kind, got %v", err)
	}
}

func serverConfig(endpoint string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:          "svc1",
		TokenEndpoint: endpoint,
		ClientID:      "client",
		ClientSecret:  "secret",
		Scope:         "read write",
	}
}

func TestGenericAcquire(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{
		Status: http.StatusOK,
		Body:   `{"access_token":"abc","token_type":"Bearer","expires_in":3600,"scope":"read write"}`,
	})

	p, err := New(Generic, WithHTTPClient(issuer.Server.Client()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg := serverConfig(issuer.URL)
	cfg.Audience = "https://api.example.com"
	tok, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if tok.AccessToken != "abc" || tok.TokenType != "Bearer" || tok.ExpiresIn != time.Hour || tok.Scope != "read write" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	reqs := issuer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	form := reqs[0].Form
	if form.Get("grant_type") != "client_credentials" || form.Get("client_id") != "client" || form.Get("client_secret") != "secret" {
		t.Errorf("unexpected form: %v", form)
	}
	if form.Get("scope") != "read write" {
		t.Errorf("expected scope 'read write', got %q", form.Get("scope"))
	}
	if form.Get("audience") != "https://api.example.com" {
		t.Errorf("expected audience parameter, got %q", form.Get("audience"))
	}
}

func TestGenericAcquireClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		response   testutil.Response
		wantKind   tokenerr.Kind
		wantCode   string
		wantIssuer string
	}{
		{
			name:     "server error",
			response: testutil.Response{Status: http.StatusInternalServerError, Body: `oops`},
			wantKind: tokenerr.Network,
		},
		{
			name:     "too many requests",
			response: testutil.Response{Status: http.StatusTooManyRequests, Body: `{}`},
			wantKind: tokenerr.Network,
		},
		{
			name:       "invalid client",
			response:   testutil.ErrorResponse(http.StatusUnauthorized, "invalid_client", "bad secret"),
			wantKind:   tokenerr.Authorization,
			wantCode:   "AUTH-001",
			wantIssuer: "invalid_client",
		},
		{
			name:       "invalid scope",
			response:   testutil.ErrorResponse(http.StatusBadRequest, "invalid_scope", ""),
			wantKind:   tokenerr.Authorization,
			wantCode:   "AUTH-002",
			wantIssuer: "invalid_scope",
		},
		{
			name:     "forbidden without body",
			response: testutil.Response{Status: http.StatusForbidden, Body: ``},
			wantKind: tokenerr.Authorization,
			wantCode: "AUTH-002",
		},
		{
			name:     "missing access token",
			response: testutil.Response{Status: http.StatusOK, Body: `{"token_type":"Bearer","expires_in":3600}`},
			wantKind: tokenerr.InvalidIssuerResponse,
		},
		{
			name:     "missing expires_in",
			response: testutil.Response{Status: http.StatusOK, Body: `{"access_token":"abc","token_type":"Bearer"}`},
			wantKind: tokenerr.InvalidIssuerResponse,
		},
		{
			name:     "malformed expires_in",
			response: testutil.Response{Status: http.StatusOK, Body: `{"access_token":"abc","expires_in":"soon"}`},
			wantKind: tokenerr.InvalidIssuerResponse,
		},
		{
			name:     "not json",
			response: testutil.Response{Status: http.StatusOK, Body: `<html>`},
			wantKind: tokenerr.InvalidIssuerResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := testutil.NewIssuer(t, tt.response)
			p, _ := New(Generic, WithHTTPClient(issuer.Server.Client()))

			_, err := p.Acquire(context.Background(), serverConfig(issuer.URL))
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}

			var te *tokenerr.Error
			if !errors.As(err, &te) {
				t.Fatalf("expected *tokenerr.Error, got %T", err)
			}
			if te.Server != "svc1" || te.Provider != string(Generic) {
				t.Errorf("unexpected server/provider: %q/%q", te.Server, te.Provider)
			}
			if tt.wantCode != "" && te.ErrorCode() != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, te.ErrorCode())
			}
			if te.IssuerCode != tt.wantIssuer {
				t.Errorf("expected issuer code %q, got %q", tt.wantIssuer, te.IssuerCode)
			}
		})
	}
}

func TestGenericAcquireUnreachable(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	endpoint := issuer.URL
	issuer.Server.Close()

	p, _ := New(Generic)
	_, err := p.Acquire(context.Background(), serverConfig(endpoint))
	if !errors.Is(err, tokenerr.Network) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !tokenerr.Retryable(err) {
		t.Fatal("expected unreachable issuer to be retryable")
	}
}

func TestGenericAcquireTimeout(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{Status: http.StatusOK, Body: `{}`, Delay: 2 * time.Second})
	p, _ := New(Generic, WithHTTPClient(issuer.Server.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx, serverConfig(issuer.URL))
	if !errors.Is(err, tokenerr.Network) {
		t.Fatalf("expected network error on timeout, got %v", err)
	}
}

func TestGenericRequiresEndpoint(t *testing.T) {
	p, _ := New(Generic)
	_, err := p.Acquire(context.Background(), serverConfig(""))
	if !errors.Is(err, tokenerr.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestAzureScopesAndHints(t *testing.T) {
	issuer := testutil.NewIssuer(t,
		testutil.ErrorResponse(http.StatusUnauthorized, "invalid_client", "AADSTS7000215: Invalid client secret provided."),
	)
	p, _ := New(Azure, WithHTTPClient(issuer.Server.Client()))

	cfg := serverConfig(issuer.URL)
	cfg.Scope = "https://dicom.healthcareapis.azure.com api://my-app/.default openid"
	_, err := p.Acquire(context.Background(), cfg)
	if !errors.Is(err, tokenerr.Authorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if hint := tokenerr.HintOf(err); !strings.HasPrefix(hint, "AADSTS7000215") {
		t.Fatalf("expected AADSTS hint, got %q", hint)
	}

	scope := issuer.Requests()[0].Form.Get("scope")
	want := "https://dicom.healthcareapis.azure.com/.default api://my-app/.default openid"
	if scope != want {
		t.Fatalf("expected scope %q, got %q", want, scope)
	}
}

func TestAzureDerivedEndpointAndKeys(t *testing.T) {
	cfg := &config.ServerConfig{Name: "svc", TenantID: "contoso"}

	endpoint, err := azureEndpoint(cfg)
	if err != nil {
		t.Fatalf("azureEndpoint() error = %v", err)
	}
	if endpoint != "https://login.microsoftonline.com/contoso/oauth2/v2.0/token" {
		t.Fatalf("unexpected endpoint %s", endpoint)
	}

	p, _ := New(Azure)
	ks, ok := p.(KeySource)
	if !ok {
		t.Fatal("expected Azure provider to publish keys")
	}
	if got := ks.JWKSURL(cfg); got != "https://login.microsoftonline.com/contoso/discovery/v2.0/keys" {
		t.Errorf("unexpected JWKS URL %s", got)
	}
	if got := ks.Issuer(cfg); got != "https://login.microsoftonline.com/contoso/v2.0" {
		t.Errorf("unexpected issuer %s", got)
	}
	if got := ks.Issuer(&config.ServerConfig{}); got != "" {
		t.Errorf("expected no fixed issuer for the common tenant, got %s", got)
	}
}

func TestAWSUsesBasicAuthAndDerivedEndpoint(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	p, _ := New(AWS, WithHTTPClient(issuer.Server.Client()))

	if _, err := p.Acquire(context.Background(), serverConfig(issuer.URL)); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	req := issuer.Requests()[0]
	if !strings.HasPrefix(req.Header.Get("Authorization"), "Basic ") {
		t.Fatalf("expected basic auth header, got %q", req.Header.Get("Authorization"))
	}
	if req.Form.Get("client_secret") != "" {
		t.Fatal("client secret must not be sent in the body")
	}

	endpoint, err := awsEndpoint(&config.ServerConfig{Domain: "pool", Region: "eu-central-1"})
	if err != nil || endpoint != "https://pool.auth.eu-central-1.amazoncognito.com/oauth2/token" {
		t.Fatalf("unexpected endpoint %q err=%v", endpoint, err)
	}
	if _, err := awsEndpoint(&config.ServerConfig{}); !errors.Is(err, tokenerr.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGoogleDefaults(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	p, _ := New(Google, WithHTTPClient(issuer.Server.Client()))

	cfg := serverConfig(issuer.URL)
	cfg.Scope = ""
	if _, err := p.Acquire(context.Background(), cfg); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if scope := issuer.Requests()[0].Form.Get("scope"); scope != googleDefaultScope {
		t.Fatalf("expected default scope, got %q", scope)
	}

	endpoint, _ := googleEndpoint(&config.ServerConfig{})
	if endpoint != "https://oauth2.googleapis.com/token" {
		t.Fatalf("unexpected default endpoint %s", endpoint)
	}
	if ks, ok := p.(KeySource); !ok || ks.Issuer(cfg) != "https://accounts.google.com" {
		t.Fatal("expected Google provider to publish its issuer")
	}
}

func TestGoogleInvalidServiceAccount(t *testing.T) {
	p, _ := New(Google)
	cfg := serverConfig("")
	cfg.ServiceAccountJSON = `{"type":"authorized_user"}`

	_, err := p.Acquire(context.Background(), cfg)
	if !errors.Is(err, tokenerr.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestManagedIdentityIMDS(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{
		Status: http.StatusOK,
		Body:   `{"access_token":"mi-token","expires_in":"3599","token_type":"Bearer","resource":"https://dicom.healthcareapis.azure.com"}`,
	})
	p, _ := New(AzureManagedIdentity,
		WithHTTPClient(issuer.Server.Client()),
		WithIMDSEndpoint(issuer.URL),
		WithGetenv(func(string) string { return "" }),
	)

	cfg := &config.ServerConfig{Name: "svc", ClientSecret: config.ManagedIdentitySecret, ClientID: "user-assigned-id"}
	tok, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if tok.AccessToken != "mi-token" || tok.ExpiresIn != 3599*time.Second {
		t.Fatalf("unexpected token: %+v", tok)
	}

	req := issuer.Requests()[0]
	if req.Method != http.MethodGet || req.Header.Get("Metadata") != "true" {
		t.Fatalf("expected metadata GET, got %s %v", req.Method, req.Header)
	}
	if req.Query.Get("resource") != DefaultManagedIdentityResource || req.Query.Get("api-version") != imdsAPIVersion {
		t.Errorf("unexpected query: %v", req.Query)
	}
	if req.Query.Get("client_id") != "user-assigned-id" {
		t.Errorf("expected client_id for user-assigned identity, got %v", req.Query)
	}
}

func TestManagedIdentityAppService(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{
		Status: http.StatusOK,
		Body:   `{"access_token":"app-token","expires_in":600}`,
	})
	env := map[string]string{"IDENTITY_ENDPOINT": issuer.URL, "IDENTITY_HEADER": "secret-header"}
	p, _ := New(AzureManagedIdentity,
		WithHTTPClient(issuer.Server.Client()),
		WithGetenv(func(k string) string { return env[k] }),
	)

	cfg := &config.ServerConfig{Name: "svc", Provider: "azure_managed_identity", Scope: "https://storage.azure.com/.default"}
	tok, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if tok.ExpiresIn != 10*time.Minute {
		t.Fatalf("unexpected lifetime %v", tok.ExpiresIn)
	}

	req := issuer.Requests()[0]
	if req.Header.Get("X-IDENTITY-HEADER") != "secret-header" {
		t.Errorf("expected identity header")
	}
	if req.Query.Get("resource") != "https://storage.azure.com" || req.Query.Get("api-version") != appServiceAPIVersion {
		t.Errorf("unexpected query: %v", req.Query)
	}
}

func TestManagedIdentityFailures(t *testing.T) {
	tests := []struct {
		name     string
		response testutil.Response
		want     tokenerr.Kind
	}{
		{"identity not found", testutil.ErrorResponse(http.StatusBadRequest, "invalid_request", "Identity not found"), tokenerr.Authorization},
		{"metadata busy", testutil.Response{Status: http.StatusGone, Body: ``}, tokenerr.Network},
		{"throttled", testutil.Response{Status: http.StatusTooManyRequests, Body: ``}, tokenerr.Network},
		{"no token", testutil.Response{Status: http.StatusOK, Body: `{"expires_in":"60"}`}, tokenerr.InvalidIssuerResponse},
		{"no lifetime", testutil.Response{Status: http.StatusOK, Body: `{"access_token":"x"}`}, tokenerr.InvalidIssuerResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := testutil.NewIssuer(t, tt.response)
			p, _ := New(AzureManagedIdentity,
				WithHTTPClient(issuer.Server.Client()),
				WithIMDSEndpoint(issuer.URL),
				WithGetenv(func(string) string { return "" }),
			)
			_, err := p.Acquire(context.Background(), &config.ServerConfig{Name: "svc", ClientSecret: config.ManagedIdentitySecret})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
		})
	}
}
