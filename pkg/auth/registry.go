package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

// maxDiscoveryBodySize bounds OIDC discovery document reads.
const maxDiscoveryBodySize = 1 << 20

// IDP is one resolved trusted identity provider entry. JWKSURI is always
// populated: either from configuration or from the discovery document
// fetched once at startup.
type IDP struct {
	config.IDPConfig
}

// Registry routes tokens to trusted IDP entries by (issuer, audience).
// The tuple is unique across the registry (enforced at config validation),
// so a JWT routes to at most one entry.
type Registry struct {
	byIssuerAudience map[string]*IDP
}

// NewRegistry builds the registry, performing OIDC discovery for entries
// that configure discoveryUrl without an explicit jwksUri. Discovery failure
// for any entry fails registry construction; the hosting process maps this
// to its unreachable-IDP exit policy.
func NewRegistry(ctx context.Context, cfg *config.AuthConfig, httpClient *http.Client) (*Registry, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	r := &Registry{byIssuerAudience: make(map[string]*IDP, len(cfg.IDPs))}
	for i := range cfg.IDPs {
		idp := &IDP{IDPConfig: cfg.IDPs[i]}
		if idp.JWKSURI == "" {
			jwksURI, err := discoverJWKSURI(ctx, httpClient, idp.DiscoveryURL)
			if err != nil {
				return nil, errors.New(errors.ErrConfigInvalid,
					fmt.Sprintf("OIDC discovery failed for IDP %q", idp.Name), err)
			}
			idp.JWKSURI = jwksURI
		}
		r.byIssuerAudience[routeKey(idp.Issuer, idp.Audience)] = idp
	}
	return r, nil
}

// Resolve routes a token by issuer and audience values. Audience values are
// tried in order; first match wins.
func (r *Registry) Resolve(issuer string, audiences []string) (*IDP, bool) {
	for _, aud := range audiences {
		if idp, ok := r.byIssuerAudience[routeKey(issuer, aud)]; ok {
			return idp, true
		}
	}
	return nil, false
}

// All returns every registered entry.
func (r *Registry) All() []*IDP {
	out := make([]*IDP, 0, len(r.byIssuerAudience))
	for _, idp := range r.byIssuerAudience {
		out = append(out, idp)
	}
	return out
}

func routeKey(issuer, audience string) string {
	return issuer + "\x00" + audience
}

func discoverJWKSURI(ctx context.Context, client *http.Client, discoveryURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBodySize))
	if err != nil {
		return "", err
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("invalid discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}
