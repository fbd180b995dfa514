package tokenmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/validator"
)

// CachedToken is an access token together with its lifecycle timestamps.
// The raw token is only reachable through AccessToken; String and GoString
// print a fingerprint instead.
type CachedToken struct {
	Server      string            `json:"server"`
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	Scope       string            `json:"scope,omitempty"`
	IssuedAt    time.Time         `json:"issued_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	RefreshAt   time.Time         `json:"refresh_at"`
	Claims      *validator.Claims `json:"claims,omitempty"`
}

// Fresh reports whether the token can be served without a refresh.
func (t *CachedToken) Fresh(now time.Time) bool {
	return t != nil && now.Before(t.RefreshAt)
}

// Usable reports whether the token has not expired yet.
func (t *CachedToken) Usable(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// AuthorizationHeader returns the value for the Authorization header.
func (t *CachedToken) AuthorizationHeader() string {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// Fingerprint returns a short SHA-256 digest identifying the token.
func (t *CachedToken) Fingerprint() string {
	if t == nil || t.AccessToken == "" {
		return ""
	}
	return Fingerprint(t.AccessToken)
}

// Fingerprint returns the first 12 hex digits of the SHA-256 of token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

func (t *CachedToken) String() string {
	if t == nil {
		return "CachedToken(nil)"
	}
	return fmt.Sprintf("CachedToken{server=%s fingerprint=%s expires_at=%s refresh_at=%s}",
		t.Server, t.Fingerprint(), t.ExpiresAt.Format(time.RFC3339), t.RefreshAt.Format(time.RFC3339))
}

// GoString keeps %#v from printing the raw token.
func (t *CachedToken) GoString() string {
	return t.String()
}
