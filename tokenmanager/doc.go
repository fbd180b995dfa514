// Package tokenmanager obtains and caches OAuth2 client-credentials tokens for
// a set of configured servers.
//
// Each server has its own provider, retry policy, circuit breaker and rate
// limiter. Tokens are served from a cache backend until their refresh time;
// concurrent callers that find no fresh token share a single issuer call.
//
// # Features
//
//   - Read-through cache (in-process or valkey) keyed by server
//   - Single-flight refresh per server, detached from caller cancellation
//   - Retry with fixed, linear or exponential backoff on network errors
//   - Per-server circuit breaker and token bucket rate limiter
//   - Optional local JWT validation before a token is cached
//   - Optional stale-while-revalidate serving
//   - Status snapshots, Prometheus metrics and OpenTelemetry spans
//
// # Quick Start
//
//	cfg, err := config.Load("tokenbroker.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tm, err := tokenmanager.NewFromConfig(cfg, tokenmanager.WithLoggingEnabled())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tm.Close()
//
//	token, err := tm.GetToken(ctx, "pacs")
//
//	client := &http.Client{Transport: httpclient.NewOAuth2Transport(tm, "pacs", nil)}
//
// # Notes
//
//   - Tokens are never logged; String and the status snapshot print a fingerprint.
//   - A token past its refresh time is only served when serve_stale is enabled.
package tokenmanager
