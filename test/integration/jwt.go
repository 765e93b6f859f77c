package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "hrflow-it-signing"

// TestClaims describes the caller a token is minted for. Roles land under
// realm_access.roles, where the identity provider nests them.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

func (c TestClaims) mapClaims() jwt.MapClaims {
	out := jwt.MapClaims{"sub": c.SubjectID, "email": c.Email}
	if len(c.Roles) > 0 {
		// Decoded JSON arrays are []any; mint them the same way.
		roles := make([]any, 0, len(c.Roles))
		for _, r := range c.Roles {
			roles = append(roles, r)
		}
		out["realm_access"] = map[string]any{"roles": roles}
	}
	for k, v := range c.Extra {
		out[k] = v
	}
	return out
}

// tokenIssuer plays the identity provider: it signs tokens and publishes the
// matching public key over JWKS.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	doc, err := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.hrflow.dev",
		audience: "hrflow-api-test",
	}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.mint(claims, time.Now(), time.Hour)
}

// GenerateExpiredToken mints a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.mint(claims, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) mint(claims TestClaims, issuedAt time.Time, ttl time.Duration) string {
	mc := claims.mapClaims()
	mc["iss"] = ti.issuer
	mc["aud"] = ti.audience
	mc["iat"] = jwt.NewNumericDate(issuedAt)
	mc["exp"] = jwt.NewNumericDate(issuedAt.Add(ttl))
	return ti.Sign(mc)
}

// Sign signs claims verbatim, for tests that need a well-signed token with
// missing or wrong registered claims.
func (ti *tokenIssuer) Sign(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }
