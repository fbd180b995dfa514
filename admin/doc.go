// Package admin serves the operational HTTP surface of a token manager.
//
// Every JSON response uses the envelope
//
//	{"version": "...", "api_version": "v1", "timestamp": "...", "data": {...}}
//
// and failures carry an "error" object with the stable error code, kind,
// message and troubleshooting hint instead of "data". Raw tokens are never
// returned; the connectivity test reports a fingerprint.
//
// # Quick Start
//
//	srv := admin.New(tm,
//	    admin.WithMetrics(collector),
//	    admin.WithVersion(version),
//	    admin.WithLoggingEnabled(),
//	)
//	if err := srv.ListenAndServe(ctx, cfg.Admin); err != nil {
//	    log.Fatal(err)
//	}
//
// # Authentication
//
// WithAuthentication protects every route except /health and /metrics with
// bearer JWTs, for example validated by NewValidator from the admin.auth
// configuration section.
package admin
