package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
)

// Builder assembles a gRPC client connection that authenticates every call
// with the bearer token of one configured server.
type Builder struct {
	address string

	tokens TokenSource
	server string
	perRPC bool

	transport transportSecurity

	dialOpts []grpc.DialOption
}

// transportSecurity describes how the connection is secured. The zero value
// is TLS 1.2+ verified against the system roots.
type transportSecurity struct {
	plaintext  bool
	caFile     string
	certFile   string
	keyFile    string
	serverName string
	skipVerify bool
}

// NewBuilder creates a new gRPC client builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithAddress sets the target address (e.g., "pacs.example.com:9090").
func (b *Builder) WithAddress(address string) *Builder {
	b.address = address
	return b
}

// WithTokenSource attaches bearer tokens of server to every unary and
// streaming call.
//
// Parameters:
//   - tokens: Token source, usually a *tokenmanager.Manager
//   - server: Name of the configured server whose tokens are sent
func (b *Builder) WithTokenSource(tokens TokenSource, server string) *Builder {
	b.tokens = tokens
	b.server = server
	return b
}

// WithPerRPCCredentials sends tokens through PerRPCCredentials instead of
// interceptors. gRPC then refuses to send them over plaintext connections.
func (b *Builder) WithPerRPCCredentials() *Builder {
	b.perRPC = true
	return b
}

// ForServer derives the target and TLS settings from a server configuration:
// the host and port of its URL (443 when absent), its CA file and its
// certificate verification flag. Tokens are requested for cfg.Name when a
// token source is set without a server.
func (b *Builder) ForServer(cfg *config.ServerConfig) *Builder {
	if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		port := u.Port()
		if port == "" {
			port = "443"
		}
		b.address = net.JoinHostPort(u.Hostname(), port)
	}
	if b.server == "" {
		b.server = cfg.Name
	}
	b.transport.caFile = cfg.CAFile
	b.transport.skipVerify = !cfg.TLSVerify()
	return b
}

// WithTLS secures the connection with TLS.
//
// Parameters:
//   - caFile: Path to CA certificate for server verification (optional, uses system roots if empty)
//   - certFile: Path to client certificate for mTLS (optional, must be paired with keyFile)
//   - keyFile: Path to client private key for mTLS (optional, must be paired with certFile)
//   - serverName: Expected server name for TLS verification (optional, overrides SNI)
func (b *Builder) WithTLS(caFile, certFile, keyFile, serverName string) *Builder {
	b.transport = transportSecurity{
		caFile:     caFile,
		certFile:   certFile,
		keyFile:    keyFile,
		serverName: serverName,
		skipVerify: b.transport.skipVerify,
	}
	return b
}

// WithInsecure connects without TLS. Meant for sidecars on loopback and tests.
func (b *Builder) WithInsecure() *Builder {
	b.transport.plaintext = true
	return b
}

// WithDialOptions adds custom gRPC dial options, applied after the builder's
// own options.
func (b *Builder) WithDialOptions(opts ...grpc.DialOption) *Builder {
	b.dialOpts = append(b.dialOpts, opts...)
	return b
}

// Build creates the client connection. The connection is lazy; no network
// traffic happens until the first call.
//
// Returns:
//   - *grpc.ClientConn: Client connection
//   - error: Error if the builder configuration is invalid
func (b *Builder) Build(_ context.Context) (*grpc.ClientConn, error) {
	if b.address == "" {
		return nil, errors.New("grpcclient: server address is required")
	}

	var opts []grpc.DialOption

	if b.tokens != nil {
		if b.server == "" {
			return nil, errors.New("grpcclient: server name is required with a token source")
		}
		if b.perRPC {
			creds := NewPerRPCCredentials(b.tokens, b.server)
			creds.AllowInsecure = b.transport.plaintext
			opts = append(opts, grpc.WithPerRPCCredentials(creds))
		} else {
			opts = append(opts,
				grpc.WithUnaryInterceptor(UnaryClientInterceptor(b.tokens, b.server)),
				grpc.WithStreamInterceptor(StreamClientInterceptor(b.tokens, b.server)),
			)
		}
	}

	if b.transport.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := b.transport.config()
		if err != nil {
			return nil, fmt.Errorf("grpcclient: TLS config failed: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts, b.dialOpts...)

	conn, err := grpc.NewClient(b.address, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcclient: dial failed: %w", err)
	}
	return conn, nil
}

func (t transportSecurity) config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.serverName,
		InsecureSkipVerify: t.skipVerify, // #nosec G402 -- opt-in per server
	}

	if t.caFile != "" {
		pem, err := os.ReadFile(t.caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", t.caFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case t.certFile != "" && t.keyFile != "":
		cert, err := tls.LoadX509KeyPair(t.certFile, t.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case t.certFile != "" || t.keyFile != "":
		return nil, errors.New("client certificate and key must be set together")
	}

	return cfg, nil
}
