package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/model"
)

// KeySet resolves token verification keys by key id.
type KeySet interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

var errUnknownKey = errors.New("unknown signing key")

// JWKSClient is a KeySet backed by the identity provider's JWKS endpoint.
// Keys are cached for ttl. A key id missing from the cache triggers at most
// one refetch per minRefresh; concurrent refetches share one request. When
// the endpoint fails the last good key set keeps serving.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	http       *http.Client
	logger     *zap.Logger
	now        func() time.Time
	fetches    singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient creates a client for the JWKS document at url.
func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		now:        time.Now,
		keys:       map[string]crypto.PublicKey{},
	}
}

// WithLogger sets the logger used for refresh warnings.
func (c *JWKSClient) WithLogger(logger *zap.Logger) *JWKSClient {
	if logger != nil {
		c.logger = logger.Named("jwks")
	}
	return c
}

// Key returns the verification key for kid.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, known, fresh := c.lookup(kid)
	if known && fresh {
		return key, nil
	}

	var err error
	if !fresh || c.refetchAllowed() {
		err = c.refresh(ctx)
	}

	if key, known, _ = c.lookup(kid); known {
		if err != nil {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
}

func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
}

func (c *JWKSClient) refetchAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.fetchedAt) >= c.minRefresh
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = c.now()
		c.mu.Unlock()
		c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

// jwk is one entry of a JWKS document.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		key, err := k.publicKey()
		if err != nil {
			c.logger.Warn("skipping unusable key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if key != nil {
			keys[k.Kid] = key
		}
	}
	return keys, nil
}

// publicKey decodes k. Unsupported key types yield nil.
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeB64Int(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := decodeB64Int(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeB64Int(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := decodeB64Int(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, nil
	}
}

func decodeB64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token of each request against keys
// and the configured issuer, audience and algorithms, then stores its claims
// in the request context. Tokens must carry exp; 30s of clock skew is
// tolerated.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySet) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "Missing or malformed bearer token")
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("%w: token has no kid", errUnknownKey)
				}
				return keys.Key(r.Context(), kid)
			})
			if err != nil {
				unauthorized(w, rejectionReason(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="taskgate", error="invalid_token"`)
	WriteError(w, model.NewUnauthorizedError(message))
}

// rejectionReason maps a token validation failure to a client message.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
