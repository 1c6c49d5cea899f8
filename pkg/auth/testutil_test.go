package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
)

// signingKey is an RSA key pair served through a fake JWKS endpoint.
type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signingKey{kid: kid, priv: priv}
}

// sign issues a compact JWT with the given claims, RS256 unless overridden.
func (k *signingKey) sign(t *testing.T, claims jwt.MapClaims, method ...jwt.SigningMethod) string {
	t.Helper()
	m := jwt.SigningMethod(jwt.SigningMethodRS256)
	if len(method) > 0 {
		m = method[0]
	}
	token := jwt.NewWithClaims(m, claims)
	token.Header["kid"] = k.kid
	signed, err := token.SignedString(k.priv)
	require.NoError(t, err)
	return signed
}

// jwksServer serves the JWKS for a mutable set of signing keys.
type jwksServer struct {
	*httptest.Server

	mu   sync.Mutex
	keys []*signingKey
}

func newJWKSServer(t *testing.T, keys ...*signingKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		set := jwk.NewSet()
		for _, key := range s.keys {
			pub, err := jwk.FromRaw(&key.priv.PublicKey)
			require.NoError(t, err)
			require.NoError(t, pub.Set(jwk.KeyIDKey, key.kid))
			require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
			require.NoError(t, set.AddKey(pub))
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(keys ...*signingKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

// defaultIDP returns an IDP entry pointed at the fake JWKS server, with the
// defaults the config loader would normally apply.
func defaultIDP(jwksURL string) config.IDPConfig {
	return config.IDPConfig{
		Name:              "test-idp",
		Issuer:            "https://idp.test",
		Audience:          "mcp-gateway",
		JWKSURI:           jwksURL,
		AllowedAlgorithms: []string{"RS256"},
		ClockToleranceSec: 30,
		ClaimMap: config.ClaimMap{
			UserID:         "sub",
			Username:       "preferred_username",
			LegacyUsername: "legacy_name",
			Roles:          "realm_access.roles",
			Scopes:         "scope",
		},
	}
}

// newRegistry builds a registry for the given IDP entries without discovery.
func newRegistry(t *testing.T, idps ...config.IDPConfig) *Registry {
	t.Helper()
	registry, err := NewRegistry(context.Background(), &config.AuthConfig{IDPs: idps}, nil)
	require.NoError(t, err)
	return registry
}

// baseClaims returns a claim set that passes validation for defaultIDP.
func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                "https://idp.test",
		"aud":                "mcp-gateway",
		"sub":                "user-1",
		"preferred_username": "alice",
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"realm_access":       map[string]any{"roles": []any{"sql-read"}},
		"scope":              "openid profile",
	}
}
