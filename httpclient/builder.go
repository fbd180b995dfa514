package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
)

// DefaultTimeout bounds a whole request, including reading the body.
const DefaultTimeout = 30 * time.Second

// Builder assembles an *http.Client. The same builder produces the clients
// that talk to token endpoints (ForServer) and the clients that call the
// protected servers with injected bearer tokens (WithTokenSource, WithRouter).
type Builder struct {
	tokens  TokenSource
	server  string
	router  *Router
	metrics *metrics.Collector
	logger  Logger

	tls tlsSettings

	timeout       time.Duration
	base          http.RoundTripper
	noRedirects   bool
	customizedTLS bool
}

type tlsSettings struct {
	caFile     string
	certFile   string
	keyFile    string
	skipVerify bool
}

// NewBuilder creates a builder with a 30 second timeout that follows redirects.
func NewBuilder() *Builder {
	return &Builder{timeout: DefaultTimeout}
}

// WithTokenSource authenticates every request as the given server.
func (b *Builder) WithTokenSource(tokens TokenSource, server string) *Builder {
	b.tokens = tokens
	b.server = server
	b.router = nil
	return b
}

// WithRouter authenticates each request as the server selected by router.
// Requests that match no server are sent without a token.
func (b *Builder) WithRouter(tokens TokenSource, router *Router) *Builder {
	b.tokens = tokens
	b.server = ""
	b.router = router
	return b
}

// WithMetrics records outbound request latency per server.
func (b *Builder) WithMetrics(collector *metrics.Collector) *Builder {
	b.metrics = collector
	return b
}

// WithLogger sets a logger for requests dropped for lack of a token.
func (b *Builder) WithLogger(logger Logger) *Builder {
	b.logger = logger
	return b
}

// ForServer applies the TLS settings and timeout of a server configuration.
// It is used for the client that talks to the server's token endpoint.
func (b *Builder) ForServer(cfg *config.ServerConfig) *Builder {
	if cfg.Timeout > 0 {
		b.timeout = cfg.Timeout
	}
	if cfg.CAFile != "" {
		b.tls.caFile = cfg.CAFile
		b.customizedTLS = true
	}
	if !cfg.TLSVerify() {
		b.WithInsecureSkipVerify()
	}
	return b
}

// WithTLS sets the trust roots and the client certificate.
//
// Parameters:
//   - caFile: Path to CA certificate for server verification (optional, uses system roots if empty)
//   - certFile: Path to client certificate for mTLS (optional, must be paired with keyFile)
//   - keyFile: Path to client private key for mTLS (optional, must be paired with certFile)
func (b *Builder) WithTLS(caFile, certFile, keyFile string) *Builder {
	b.tls.caFile = caFile
	b.tls.certFile = certFile
	b.tls.keyFile = keyFile
	b.customizedTLS = true
	return b
}

// WithInsecureSkipVerify disables certificate verification. Only for
// issuers on trusted networks with self-signed certificates.
func (b *Builder) WithInsecureSkipVerify() *Builder {
	b.tls.skipVerify = true
	b.customizedTLS = true
	return b
}

// WithTimeout overrides the request timeout.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// WithBaseTransport sets the transport that carries requests. TLS settings
// are ignored when a base transport is given.
func (b *Builder) WithBaseTransport(transport http.RoundTripper) *Builder {
	b.base = transport
	return b
}

// WithoutRedirects returns redirect responses to the caller instead of
// following them. Issuer clients use it so credentials are never replayed
// to another host.
func (b *Builder) WithoutRedirects() *Builder {
	b.noRedirects = true
	return b
}

// Build constructs the HTTP client.
//
// Returns:
//   - *http.Client: Configured HTTP client
//   - error: Error if a certificate cannot be loaded
func (b *Builder) Build() (*http.Client, error) {
	transport := b.base
	if transport == nil {
		base, err := b.newTransport()
		if err != nil {
			return nil, err
		}
		transport = base
	}

	if b.tokens != nil {
		t := NewOAuth2Transport(b.tokens, b.server, transport)
		t.Router = b.router
		t.Metrics = b.metrics
		t.Logger = b.logger
		transport = t
	}

	client := &http.Client{Transport: transport, Timeout: b.timeout}
	if b.noRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, nil
}

func (b *Builder) newTransport() (*http.Transport, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	transport := base.Clone()

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if b.customizedTLS {
		var err error
		if tlsConfig, err = b.tls.config(); err != nil {
			return nil, fmt.Errorf("httpclient: TLS config failed: %w", err)
		}
	}
	transport.TLSClientConfig = tlsConfig
	return transport, nil
}

func (s tlsSettings) config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.skipVerify, // #nosec G402 -- verify_tls: false
	}

	if s.caFile != "" {
		pem, err := os.ReadFile(s.caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", s.caFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case s.certFile != "" && s.keyFile != "":
		cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case s.certFile != "" || s.keyFile != "":
		return nil, errors.New("client certificate and key must be set together")
	}

	return cfg, nil
}

// NewHTTPClient returns a client that authenticates every request as server,
// using the default transport and timeout.
//
// Example:
//
//	client := httpclient.NewHTTPClient(manager, "pacs")
//	resp, err := client.Get("https://pacs.example.com/dicom-web/studies")
func NewHTTPClient(tokens TokenSource, server string) *http.Client {
	return &http.Client{
		Transport: NewOAuth2Transport(tokens, server, nil),
		Timeout:   DefaultTimeout,
	}
}
