package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer plays the identity provider: it signs ES256 access tokens and
// publishes the matching key on a JWKS endpoint.
type tokenIssuer struct {
	t        *testing.T
	key      *ecdsa.PrivateKey
	kid      string
	jwks     *httptest.Server
	issuer   string
	audience string
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	ti := &tokenIssuer{
		t:        t,
		key:      key,
		kid:      "taskgate-it",
		issuer:   "https://auth.test.taskgate.dev",
		audience: "taskgate-test",
	}

	coord := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	pub := key.PublicKey
	doc := map[string]any{"keys": []map[string]string{{
		"kid": ti.kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   coord(pub.X.FillBytes(make([]byte, 32))),
		"y":   coord(pub.Y.FillBytes(make([]byte, 32))),
	}}}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func (ti *tokenIssuer) sign(subject string, issuedAt, expiresAt time.Time) string {
	claims := accessClaims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{ti.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = ti.kid
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Token is a valid access token for subject.
func (ti *tokenIssuer) Token(subject string) string {
	now := time.Now()
	return ti.sign(subject, now, now.Add(time.Hour))
}

// ExpiredToken is an access token for subject that expired an hour ago.
func (ti *tokenIssuer) ExpiredToken(subject string) string {
	now := time.Now()
	return ti.sign(subject, now.Add(-2*time.Hour), now.Add(-time.Hour))
}
