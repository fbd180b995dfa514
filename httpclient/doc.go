// Package httpclient offers HTTP client construction helpers that attach bearer tokens of configured
// servers, with TLS/mTLS options.
//
// It provides a fluent Builder that can create an http.Client with automatic Bearer token injection from a
// TokenSource (normally a *tokenmanager.Manager), configurable TLS (custom CA, mTLS, insecure for tests),
// timeouts, base transports, and redirect handling. OAuth2Transport can wrap any RoundTripper.
//
// # Features
//
//   - Fluent builder for http.Client with token injection for one server or a URL routing table
//   - TLS 1.2+ by default, with custom CA/mTLS and optional InsecureSkipVerify
//   - ForServer applies a server's timeout, CA file and verify_tls setting
//   - Custom timeouts, base transport override, and redirect disabling
//   - Token failures become a synthetic 503 response instead of an unauthenticated request
//
// # Quick Start
//
//	tm, err := tokenmanager.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tm.Close()
//
//	client, err := httpclient.NewBuilder().
//	    WithTokenSource(tm, "pacs").
//	    WithTLS("/path/to/ca.crt", "", "").
//	    WithTimeout(60 * time.Second).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := client.Get("https://pacs.example.com/dicom-web/studies")
//
// # Routing
//
// NewRouter maps request URLs to servers by their configured url prefix. The longest prefix wins and
// requests matching no server are forwarded without a token.
//
//	router := httpclient.NewRouter(tm.ServerConfigs())
//	client := &http.Client{Transport: httpclient.NewRoutingTransport(tm, router, nil)}
//
// All components are safe for concurrent use if the provided TokenSource is.
package httpclient
