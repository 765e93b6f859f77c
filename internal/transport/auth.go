package transport

import (
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
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/model"
)

// JWKSClient caches the identity provider's signing keys. A cache miss or
// an expired set triggers one shared fetch; when the provider is down, keys
// from the last good fetch keep verifying tokens.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	set   atomic.Pointer[keySet]
	fetch singleflight.Group
}

type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient creates a client for the JWKS document at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	c.set.Store(&keySet{keys: map[string]crypto.PublicKey{}})
	return c
}

// GetKey returns the verification key for kid.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	cur := c.set.Load()
	key, ok := cur.keys[kid]
	if ok && time.Since(cur.fetchedAt) <= c.ttl {
		return key, nil
	}

	// Unknown kids may be a rotation, but refetching on every forged kid
	// would let callers hammer the provider.
	if !ok && len(cur.keys) > 0 && time.Since(cur.fetchedAt) < c.minRefresh {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}

	_, err, _ := c.fetch.Do("jwks", func() (any, error) {
		return nil, c.refresh()
	})
	if err != nil {
		if ok {
			c.logger.Warn("jwks: refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	if key, ok := c.set.Load().keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
}

func (c *JWKSClient) refresh() error {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("jwks: skipping key", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = key
	}

	c.set.Store(&keySet{keys: keys, fetchedAt: time.Now()})
	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

// jsonWebKey is the subset of RFC 7517 fields needed for RSA and EC
// signature keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N, "n")
		if err != nil {
			return nil, err
		}
		e, err := b64Int(k.E, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := ecCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int(k.X, "x")
		if err != nil {
			return nil, err
		}
		y, err := b64Int(k.Y, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

var ecCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func b64Int(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// KeySource resolves a token's verification key by key id. *JWKSClient is
// the production implementation.
type KeySource interface {
	GetKey(kid string) (crypto.PublicKey, error)
}

// JWTAuthenticator returns middleware that verifies bearer tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKid
		}
		return keys.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !token.Valid {
				reason := rejectionReason(err)
				logger.Debug("token rejected",
					zap.String("reason", reason),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Error(err),
				)
				WriteError(w, model.NewUnauthorizedError(reason))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return raw, nil
}

var errMissingKid = errors.New("missing kid in token header")

// rejections maps token validation failures to the 401 message; first match
// wins.
var rejections = []struct {
	errs   []error
	reason string
}{
	{[]error{jwt.ErrTokenExpired}, "Token expired"},
	{[]error{jwt.ErrTokenInvalidIssuer}, "Invalid token issuer"},
	{[]error{jwt.ErrTokenInvalidAudience}, "Invalid token audience"},
	{[]error{jwt.ErrTokenRequiredClaimMissing}, "Token missing required claim"},
	{[]error{errMissingKid, jwt.ErrTokenUnverifiable}, "Unknown signing key"},
}

func rejectionReason(err error) string {
	if err == nil {
		return "Invalid token"
	}
	for _, rj := range rejections {
		for _, target := range rj.errs {
			if errors.Is(err, target) {
				return rj.reason
			}
		}
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// jwt reports a method outside WithValidMethods as a signature error.
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	}
	return "Invalid token"
}
