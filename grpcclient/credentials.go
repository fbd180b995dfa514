package grpcclient

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// PerRPCCredentials implements credentials.PerRPCCredentials for one
// configured server. Use it with grpc.WithPerRPCCredentials when
// interceptors are already taken.
type PerRPCCredentials struct {
	Tokens TokenSource
	Server string

	// AllowInsecure permits sending the token over plaintext connections.
	AllowInsecure bool
}

var _ credentials.PerRPCCredentials = (*PerRPCCredentials)(nil)

// NewPerRPCCredentials creates credentials for server.
func NewPerRPCCredentials(tokens TokenSource, server string) *PerRPCCredentials {
	return &PerRPCCredentials{Tokens: tokens, Server: server}
}

// GetRequestMetadata returns the authorization metadata for one RPC.
func (c *PerRPCCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if c.Tokens == nil {
		return nil, status.Error(codes.Internal, "grpcclient: TokenSource is nil")
	}
	token, err := c.Tokens.GetToken(ctx, c.Server)
	if err != nil {
		return nil, StatusFromError(err)
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

// RequireTransportSecurity reports whether TLS is required.
func (c *PerRPCCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}
