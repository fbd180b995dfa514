package admin

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/validator"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// TokenValidator validates bearer tokens presented to the admin surface.
// *validator.JWTValidator implements it.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*validator.Claims, error)
}

// Claims is the summary of a validated admin caller token.
type Claims = validator.Claims

// NewValidator creates the validator for admin callers from cfg.
func NewValidator(cfg config.AdminAuthConfig, logger Logger) (*validator.JWTValidator, error) {
	vcfg := validator.Config{
		JWKSURL:      cfg.JWKSURL,
		PublicKeyPEM: cfg.PublicKey,
		Issuer:       cfg.Issuer,
		Audience:     cfg.Audience,
		Algorithms:   cfg.Algorithms,
	}
	if logger != nil {
		vcfg.Logger = logger
	}
	return validator.New(vcfg)
}

var errMissingToken = errors.New("admin: missing bearer token")

// MiddlewareConfig holds configuration for authentication middleware.
type MiddlewareConfig struct {
	validator     TokenValidator
	exemptPaths   map[string]bool
	requiredScope string
	logger        Logger
}

// MiddlewareOption is a functional option for configuring middleware.
type MiddlewareOption func(*MiddlewareConfig)

// WithExemptPaths specifies paths that don't require authentication.
// These paths must match exactly.
func WithExemptPaths(paths ...string) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		for _, path := range paths {
			c.exemptPaths[path] = true
		}
	}
}

// WithRequiredScope rejects tokens that do not carry scope.
func WithRequiredScope(scope string) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.requiredScope = scope
	}
}

// WithMiddlewareLogger sets a logger for the middleware.
func WithMiddlewareLogger(logger Logger) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.logger = logger
	}
}

// Middleware returns an HTTP middleware that validates bearer tokens.
//
// The middleware:
//   - Extracts the token from the "Authorization: Bearer <token>" header
//   - Validates it with the provided TokenValidator
//   - Stores the claims in the request context (see ClaimsFromContext)
//   - Answers 401 for missing or invalid tokens and 403 for a missing scope
func Middleware(v TokenValidator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	config := &MiddlewareConfig{
		validator:   v,
		exemptPaths: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := extractAndValidateToken(r, config)
			if err != nil {
				if config.logger != nil {
					config.logger.Printf("admin: authentication failed for %s %s: %v", r.Method, r.URL.Path, err)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="tokenbroker"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if config.requiredScope != "" && !slices.Contains(claims.Scopes, config.requiredScope) {
				if config.logger != nil {
					config.logger.Printf("admin: subject %s lacks scope %s", claims.Subject, config.requiredScope)
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func extractAndValidateToken(r *http.Request, config *MiddlewareConfig) (*Claims, error) {
	if config.validator == nil {
		return nil, tokenerr.New(tokenerr.Configuration, "", "admin authentication has no validator")
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errMissingToken
	}

	return config.validator.Validate(r.Context(), strings.TrimSpace(token))
}

type contextKey string

const claimsKey contextKey = "admin.claims"

func withClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims of the authenticated admin caller.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
