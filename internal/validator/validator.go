package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// Logger is an interface for optional logging in the validator.
type Logger interface {
	Printf(format string, args ...any)
}

// DefaultAlgorithms are accepted when Config.Algorithms is empty.
var DefaultAlgorithms = []string{
	jwt.SigningMethodRS256.Name,
	jwt.SigningMethodRS384.Name,
	jwt.SigningMethodRS512.Name,
	jwt.SigningMethodPS256.Name,
	jwt.SigningMethodES256.Name,
	jwt.SigningMethodES384.Name,
	jwt.SigningMethodES512.Name,
}

// Claims is the summary of a token's registered claims.
type Claims struct {
	Subject  string    `json:"sub,omitempty"`
	Issuer   string    `json:"iss,omitempty"`
	Audience []string  `json:"aud,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
	IssuedAt time.Time `json:"iat,omitempty"`
	Scopes   []string  `json:"scopes,omitempty"`
}

// Config describes where verification keys come from and which claims are
// enforced. Exactly one of JWKSURL and PublicKeyPEM is needed; Issuer and
// Audience are only checked when set.
type Config struct {
	JWKSURL         string
	PublicKeyPEM    string
	Issuer          string
	Audience        string
	Algorithms      []string
	HTTPClient      *http.Client
	RefreshInterval time.Duration
	Logger          Logger
}

// JWTValidator verifies signatures and claims of access tokens.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
	methods  []string
	logger   Logger
}

// New creates a JWTValidator.
//
// Parameters:
//   - cfg: key source, expected claims and optional JWKS HTTP client
//
// Returns:
//   - *JWTValidator: Configured validator instance
//   - error: Configuration error if no key source is usable
func New(cfg Config) (*JWTValidator, error) {
	v := &JWTValidator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		methods:  cfg.Algorithms,
		logger:   cfg.Logger,
	}
	if len(v.methods) == 0 {
		v.methods = DefaultAlgorithms
	}

	switch {
	case strings.TrimSpace(cfg.PublicKeyPEM) != "":
		key, err := parsePublicKey([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Message: "parse jwt.public_key",
				Hint:    "the key must be a PEM encoded RSA, ECDSA or Ed25519 public key",
				Err:     err,
			}
		}
		v.keyfunc = func(*jwt.Token) (any, error) { return key, nil }

	case cfg.JWKSURL != "":
		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		refresh := cfg.RefreshInterval
		if refresh == 0 {
			refresh = time.Hour
		}

		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Client:            client,
			RefreshInterval:   refresh,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				if cfg.Logger != nil {
					cfg.Logger.Printf("validator: JWKS refresh error: %v", err)
				}
			},
		})
		if err != nil {
			return nil, &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Message: fmt.Sprintf("load JWKS from %s", cfg.JWKSURL),
				Err:     err,
			}
		}
		v.jwks = jwks
		v.keyfunc = jwks.Keyfunc

	default:
		return nil, &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: "jwt validation needs jwks_url or public_key",
		}
	}

	return v, nil
}

func parsePublicKey(data []byte) (any, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("unsupported or malformed public key")
	}
	return key, nil
}

// Validate checks the token's signature, expiry and, when configured, its
// issuer and audience.
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc, opts...)
	if err != nil {
		return nil, &tokenerr.Error{
			Kind:    tokenerr.TokenValidation,
			Message: validationMessage(err),
			Hint:    "check jwt.issuer, jwt.audience and the signing keys",
			Err:     err,
		}
	}
	if !token.Valid {
		return nil, &tokenerr.Error{Kind: tokenerr.TokenValidation, Message: "token is invalid"}
	}

	summary := summarize(claims)
	if v.logger != nil {
		v.logger.Printf("validator: token for subject %s valid until %s", summary.Subject, summary.Expiry.Format(time.RFC3339))
	}
	return summary, nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature is invalid"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim is missing"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is not a JWT"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "no key to verify the token"
	default:
		return "token rejected"
	}
}

// Close stops background JWKS refreshes.
func (v *JWTValidator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// ParseUnverified extracts the claims summary of a JWT without checking its
// signature. It reports false for tokens that are not JWTs.
func ParseUnverified(tokenString string) (*Claims, bool) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, false
	}
	return summarize(claims), true
}

func summarize(claims jwt.MapClaims) *Claims {
	c := &Claims{Scopes: extractScopes(claims)}
	c.Subject, _ = claims.GetSubject()
	c.Issuer, _ = claims.GetIssuer()
	c.Audience, _ = claims.GetAudience()
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		c.Expiry = exp.Time
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	return c
}

// extractScopes supports "scope" and "scp" claims as strings or arrays.
func extractScopes(claims jwt.MapClaims) []string {
	for _, key := range []string{"scope", "scp"} {
		switch v := claims[key].(type) {
		case string:
			return strings.Fields(v)
		case []any:
			scopes := make([]string, 0, len(v))
			for _, s := range v {
				if str, ok := s.(string); ok {
					scopes = append(scopes, str)
				}
			}
			return scopes
		}
	}
	return nil
}
