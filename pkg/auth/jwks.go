package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSCache caches JWK sets per issuer, keyed by jwksUri. jwk.Cache handles
// periodic refresh and HTTP conditional requests; this wrapper adds the
// rotation retry: one forced refresh when a key ID is not found, so a signing
// key rotated between refreshes is picked up without waiting a full interval.
type JWKSCache struct {
	cache   *jwk.Cache
	refresh time.Duration
}

// NewJWKSCache creates the cache and registers every IDP's JWKS endpoint.
// ctx bounds the lifetime of the background refresh machinery.
func NewJWKSCache(ctx context.Context, registry *Registry, refresh time.Duration, httpClient *http.Client) (*JWKSCache, error) {
	cache := jwk.NewCache(ctx)

	registerOpts := []jwk.RegisterOption{jwk.WithMinRefreshInterval(refresh)}
	if httpClient != nil {
		registerOpts = append(registerOpts, jwk.WithHTTPClient(httpClient))
	}
	for _, idp := range registry.All() {
		if err := cache.Register(idp.JWKSURI, registerOpts...); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL for IDP %q: %w", idp.Name, err)
		}
	}
	return &JWKSCache{cache: cache, refresh: refresh}, nil
}

// KeyFor returns the raw public key with the given key ID from the IDP's
// JWKS. A miss triggers exactly one forced refresh before giving up.
func (c *JWKSCache) KeyFor(ctx context.Context, idp *IDP, kid string) (any, error) {
	set, err := c.cache.Get(ctx, idp.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS for IDP %q: %w", idp.Name, err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		// Possible key rotation; refresh once.
		set, err = c.cache.Refresh(ctx, idp.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh JWKS for IDP %q: %w", idp.Name, err)
		}
		key, found = set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %q not found in JWKS", kid)
		}
	}

	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to materialize key %q: %w", kid, err)
	}
	return rawKey, nil
}
