// Package testutil provides test helpers for the token broker packages.
//
// # Utilities
//
//   - NewLocalHTTPServer: start an httptest server bound to 127.0.0.1
//   - Issuer: scripted OAuth2 token endpoint that counts and records requests
//   - RoundTripFunc and StaticJSONResponse: inline http.RoundTripper stubs
//   - GenerateTestKeyPair, CreateJWKSServer, NewJWTClaims: signed JWTs and
//     the JWKS documents that verify them
//   - NewTestPKI: a temporary CA with server and client certificates
package testutil
