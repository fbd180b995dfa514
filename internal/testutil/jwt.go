package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestKeyPair is an RSA signing key as an issuer would hold it.
type TestKeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// GenerateTestKeyPair generates a 2048-bit RSA key.
func GenerateTestKeyPair(tb testing.TB) *TestKeyPair {
	tb.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("testutil: generate RSA key: %v", err)
	}
	return &TestKeyPair{PrivateKey: key, PublicKey: &key.PublicKey}
}

// KeyID returns the kid under which the key is published and signed.
func (kp *TestKeyPair) KeyID() string {
	return keyID(kp.PublicKey)
}

// PublicKeyPEM encodes the public key as a PKIX PEM block, the format of
// jwt.public_key in the configuration.
func (kp *TestKeyPair) PublicKeyPEM(tb testing.TB) string {
	tb.Helper()

	der, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		tb.Fatalf("testutil: marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// keyID derives a stable kid from the modulus so that several keys can be
// published side by side.
func keyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(sum[:8])
}

// JWKSServer publishes RSA public keys as a JWKS document.
type JWKSServer struct {
	*httptest.Server

	fetches atomic.Int64
}

// CreateJWKSServer starts a JWKS endpoint on loopback publishing keys.
func CreateJWKSServer(tb testing.TB, keys ...*rsa.PublicKey) *JWKSServer {
	tb.Helper()

	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for _, k := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: keyID(k),
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
		})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		tb.Fatalf("testutil: encode JWKS: %v", err)
	}

	s := &JWKSServer{}
	s.Server = NewLocalHTTPServer(tb, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	return s
}

// Fetches reports how often the JWKS document was served.
func (s *JWKSServer) Fetches() int64 {
	return s.fetches.Load()
}

// JWTClaims builds the claims of an access token an issuer would mint.
type JWTClaims struct {
	claims jwt.MapClaims
}

// NewJWTClaims starts from a token issued a minute ago that lives one hour.
func NewJWTClaims(issuer, audience, subject string) *JWTClaims {
	now := time.Now()
	return &JWTClaims{
		claims: jwt.MapClaims{
			"iss": issuer,
			"aud": []string{audience},
			"sub": subject,
			"iat": now.Add(-time.Minute).Unix(),
			"exp": now.Add(time.Hour).Unix(),
		},
	}
}

// WithExpiry sets exp.
func (c *JWTClaims) WithExpiry(exp time.Time) *JWTClaims {
	c.claims["exp"] = exp.Unix()
	return c
}

// WithScope sets the space separated scope claim.
func (c *JWTClaims) WithScope(scope string) *JWTClaims {
	c.claims["scope"] = scope
	return c
}

// WithAudience replaces aud.
func (c *JWTClaims) WithAudience(audience ...string) *JWTClaims {
	c.claims["aud"] = audience
	return c
}

// WithoutClaim removes a claim.
func (c *JWTClaims) WithoutClaim(key string) *JWTClaims {
	delete(c.claims, key)
	return c
}

// SignToken signs the claims with RS256 under the kid of privateKey.
func (c *JWTClaims) SignToken(tb testing.TB, privateKey *rsa.PrivateKey) string {
	tb.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c.claims)
	token.Header["kid"] = keyID(&privateKey.PublicKey)

	signed, err := token.SignedString(privateKey)
	if err != nil {
		tb.Fatalf("testutil: sign token: %v", err)
	}
	return signed
}

// Tamper flips a character in the signature of a compact JWT.
func Tamper(token string) string {
	b := []byte(token)
	last := len(b) - 2
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	return string(b)
}
