// Package grpcclient attaches bearer tokens of a configured server to
// outgoing gRPC calls.
//
// Tokens come from a TokenSource, normally a *tokenmanager.Manager, so gRPC
// callers share caching, refresh and the resilience policies with every other
// consumer of the same manager. A failed acquisition fails the call with a
// status derived from the token error (see StatusFromError); the call is
// never sent without a token.
//
// # Features
//
//   - Unary and stream interceptors adding "authorization: Bearer <token>" metadata
//   - PerRPCCredentials for use with grpc.WithPerRPCCredentials
//   - Builder deriving target and TLS settings from a server configuration
//   - TLS 1.2+ with system roots unless told otherwise; custom CA and mTLS
//
// # Quick Start
//
//	tm, err := tokenmanager.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tm.Close()
//
//	serverCfg, _ := tm.ServerConfig("pacs")
//	conn, err := grpcclient.NewBuilder().
//	    WithTokenSource(tm, "pacs").
//	    ForServer(serverCfg).
//	    Build(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
// Plaintext connections need WithInsecure. Combined with
// WithPerRPCCredentials, tokens are still sent because the builder marks the
// credentials as allowed over insecure transports.
package grpcclient
