package provider

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

const awsDefaultRegion = "us-west-2"

var awsHints = map[string]string{
	"invalid_client":      "the Cognito app client id or secret is wrong",
	"unauthorized_client": "enable the client credentials flow for the Cognito app client",
	"invalid_scope":       "scopes must be defined on a Cognito resource server, e.g. <resource>/<scope>",
}

// newAWS targets Amazon Cognito user pool domains, which expect the client
// credentials in the Basic authorization header.
func newAWS(o *options) *clientCredentials {
	return &clientCredentials{
		kind:      AWS,
		client:    o.client,
		logger:    o.logger,
		authStyle: oauth2.AuthStyleInHeader,
		endpoint:  awsEndpoint,
		scopes:    fieldScopes,
		hint:      lookupHint(awsHints),
	}
}

func awsEndpoint(cfg *config.ServerConfig) (string, error) {
	if cfg.TokenEndpoint != "" {
		return cfg.TokenEndpoint, nil
	}
	if cfg.Domain == "" {
		return "", &tokenerr.Error{
			Kind:     tokenerr.Configuration,
			Server:   cfg.Name,
			Provider: string(AWS),
			Message:  "token_endpoint or domain is required",
		}
	}
	region := cfg.Region
	if region == "" {
		region = awsDefaultRegion
	}
	return fmt.Sprintf("https://%s.auth.%s.amazoncognito.com/oauth2/token", cfg.Domain, region), nil
}
