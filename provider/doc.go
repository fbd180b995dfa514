// Package provider acquires OAuth2 access tokens from identity providers.
//
// Every provider maps issuer failures onto the tokenerr taxonomy so callers
// can decide whether to retry:
//
//   - HTTP 5xx, 429, timeouts, TLS and connection failures are Network errors
//   - invalid_client, invalid_grant, invalid_scope and HTTP 400/401/403 are
//     Authorization errors
//   - bodies without access_token or a positive expires_in are
//     InvalidIssuerResponse errors
//
// # Providers
//
//   - Generic: client credentials grant against any token endpoint
//   - Azure: Entra ID v2.0 endpoint derived from tenant_id, scopes normalised
//     to <resource>/.default, AADSTS codes turned into hints
//   - AzureManagedIdentity: instance metadata service or App Service identity
//     endpoint, no client secret
//   - Google: service account JWT-bearer flow, or client credentials
//   - AWS: Cognito domains with credentials in the Basic header
//
// # Quick Start
//
//	kind, err := provider.Resolve(serverCfg)
//	if err != nil {
//	    return err
//	}
//	p, err := provider.New(kind, provider.WithHTTPClient(client))
//	if err != nil {
//	    return err
//	}
//	tok, err := p.Acquire(ctx, serverCfg)
package provider
