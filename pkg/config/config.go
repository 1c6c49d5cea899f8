// Package config loads and validates the gateway configuration document.
//
// The document has three regions: auth (IDP registry, session policy),
// delegation (token exchange defaults, delegation modules), and mcp (the
// exposed tool surface). Any leaf may be written as {"$secret": "NAME"} and
// is resolved at load time through the secrets provider chain. Components
// read configuration through an atomic snapshot (see Store); hot reloads
// swap the snapshot only after the whole new document validates.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

// Environment names for the TLS policy switch.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Module types understood by the delegation registry.
const (
	ModuleTypePostgres = "postgres"
	ModuleTypeKerberos = "kerberos"
)

// Client authentication methods for the token-exchange endpoint.
const (
	ClientAuthBasic = "client_secret_basic"
	ClientAuthPost  = "client_secret_post"
)

// Config is the validated configuration document.
type Config struct {
	// Environment is not part of the document; it comes from the process
	// environment and controls the TLS policy.
	Environment string `mapstructure:"-"`

	Auth       AuthConfig       `mapstructure:"auth"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	MCP        MCPConfig        `mapstructure:"mcp"`
}

// AuthConfig is the auth region: trusted IDPs and session policy.
type AuthConfig struct {
	IDPs           []IDPConfig   `mapstructure:"idps"`
	JWKSRefreshSec int           `mapstructure:"jwksRefreshSec"`
	Sessions       SessionConfig `mapstructure:"sessions"`
}

// IDPConfig describes one trusted identity provider entry. A JWT routes to
// the entry matching its (issuer, audience) pair.
type IDPConfig struct {
	Name              string   `mapstructure:"name"`
	Issuer            string   `mapstructure:"issuer"`
	Audience          string   `mapstructure:"audience"`
	DiscoveryURL      string   `mapstructure:"discoveryUrl"`
	JWKSURI           string   `mapstructure:"jwksUri"`
	AllowedAlgorithms []string `mapstructure:"allowedAlgorithms"`
	// AuthorizedParty, when set, must equal the token's azp claim.
	AuthorizedParty string   `mapstructure:"authorizedParty"`
	ClaimMap        ClaimMap `mapstructure:"claimMap"`

	ClockToleranceSec int  `mapstructure:"clockToleranceSec"`
	MaxTokenAgeSec    int  `mapstructure:"maxTokenAgeSec"`
	RequireNbf        bool `mapstructure:"requireNbf"`
}

// ClaimMap maps identity fields to dotted claim paths.
type ClaimMap struct {
	UserID         string `mapstructure:"userId"`
	Username       string `mapstructure:"username"`
	LegacyUsername string `mapstructure:"legacyUsername"`
	Roles          string `mapstructure:"roles"`
	Scopes         string `mapstructure:"scopes"`
}

// SessionConfig bounds session lifetime.
type SessionConfig struct {
	IdleTimeoutSec     int `mapstructure:"idleTimeoutSec"`
	AbsoluteTimeoutSec int `mapstructure:"absoluteTimeoutSec"`
	SweepIntervalSec   int `mapstructure:"sweepIntervalSec"`
}

// DelegationConfig is the delegation region.
type DelegationConfig struct {
	TokenExchange TokenExchangeConfig     `mapstructure:"tokenExchange"`
	Modules       map[string]ModuleConfig `mapstructure:"modules"`
}

// TokenExchangeConfig configures the RFC 8693 client and its cache.
type TokenExchangeConfig struct {
	TokenEndpoint    string `mapstructure:"tokenEndpoint"`
	ClientID         string `mapstructure:"clientId"`
	ClientSecret     string `mapstructure:"clientSecret"`
	ClientAuthMethod string `mapstructure:"clientAuthMethod"`

	RequestTimeoutSec    int `mapstructure:"requestTimeoutSec"`
	CacheTTLSec          int `mapstructure:"cacheTtlSec"`
	MaxEntriesPerSession int `mapstructure:"maxEntriesPerSession"`
	MaxTotalEntries      int `mapstructure:"maxTotalEntries"`
	ClockSkewMarginSec   int `mapstructure:"clockSkewMarginSec"`
}

// ModuleConfig configures one delegation module. Exactly one of the
// type-specific sections must be present, matching Type.
type ModuleConfig struct {
	Type     string `mapstructure:"type"`
	Audience string `mapstructure:"audience"`
	// LegacyNameClaim is the claim carrying the backend principal name in
	// the delegation token.
	LegacyNameClaim string   `mapstructure:"legacyNameClaim"`
	RolesClaim      string   `mapstructure:"rolesClaim"`
	RequiredClaims  []string `mapstructure:"requiredClaims"`
	Scope           string   `mapstructure:"scope"`

	Postgres *PostgresConfig `mapstructure:"postgres"`
	Kerberos *KerberosConfig `mapstructure:"kerberos"`
}

// PostgresConfig configures the role-switching relational module.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	// User is the service principal holding SET ROLE privilege on every
	// delegated role.
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	// DefaultSchema scopes introspection tools when the caller omits one.
	DefaultSchema string `mapstructure:"defaultSchema"`
}

// KerberosConfig configures the constrained-delegation module.
type KerberosConfig struct {
	Realm            string `mapstructure:"realm"`
	KDCAddress       string `mapstructure:"kdcAddress"`
	ServicePrincipal string `mapstructure:"servicePrincipal"`
	KeytabPath       string `mapstructure:"keytabPath"`
	Password         string `mapstructure:"password"`

	AllowedDelegationTargets []string `mapstructure:"allowedDelegationTargets"`
	TicketCacheTTLSec        int      `mapstructure:"ticketCacheTtlSec"`
	RenewThresholdSec        int      `mapstructure:"renewThresholdSec"`
	// LegacyNameFromSession takes the user principal from the requestor
	// token's mapped legacyUsername instead of performing a token exchange.
	LegacyNameFromSession bool `mapstructure:"legacyNameFromSession"`
}

// MCPConfig is the mcp region: the exposed tool surface. The transport
// itself lives outside the core; this only gates which tools are wired.
type MCPConfig struct {
	EnabledTools      []string `mapstructure:"enabledTools"`
	Listen            string   `mapstructure:"listen"`
	RequestTimeoutSec int      `mapstructure:"requestTimeoutSec"`
}

// applyDefaults fills unset values. Called after decode, before Validate.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.Auth.JWKSRefreshSec == 0 {
		c.Auth.JWKSRefreshSec = 900
	}
	if c.Auth.Sessions.IdleTimeoutSec == 0 {
		c.Auth.Sessions.IdleTimeoutSec = 1800
	}
	if c.Auth.Sessions.AbsoluteTimeoutSec == 0 {
		c.Auth.Sessions.AbsoluteTimeoutSec = 28800
	}
	if c.Auth.Sessions.SweepIntervalSec == 0 {
		c.Auth.Sessions.SweepIntervalSec = 60
	}
	for i := range c.Auth.IDPs {
		idp := &c.Auth.IDPs[i]
		if len(idp.AllowedAlgorithms) == 0 {
			idp.AllowedAlgorithms = []string{"RS256"}
		}
		if idp.ClockToleranceSec == 0 {
			idp.ClockToleranceSec = 30
		}
		if idp.ClaimMap.UserID == "" {
			idp.ClaimMap.UserID = "sub"
		}
		if idp.ClaimMap.Username == "" {
			idp.ClaimMap.Username = "preferred_username"
		}
	}
	te := &c.Delegation.TokenExchange
	if te.ClientAuthMethod == "" {
		te.ClientAuthMethod = ClientAuthBasic
	}
	if te.RequestTimeoutSec == 0 {
		te.RequestTimeoutSec = 10
	}
	if te.CacheTTLSec == 0 {
		te.CacheTTLSec = 300
	}
	if te.MaxEntriesPerSession == 0 {
		te.MaxEntriesPerSession = 32
	}
	if te.MaxTotalEntries == 0 {
		te.MaxTotalEntries = 4096
	}
	if te.ClockSkewMarginSec == 0 {
		te.ClockSkewMarginSec = 30
	}
	for name, mod := range c.Delegation.Modules {
		if mod.LegacyNameClaim == "" {
			mod.LegacyNameClaim = "legacy_name"
		}
		if mod.RolesClaim == "" {
			mod.RolesClaim = "roles"
		}
		if mod.Postgres != nil {
			if mod.Postgres.Port == 0 {
				mod.Postgres.Port = 5432
			}
			if mod.Postgres.MaxConns == 0 {
				mod.Postgres.MaxConns = 10
			}
			if mod.Postgres.DefaultSchema == "" {
				mod.Postgres.DefaultSchema = "public"
			}
		}
		if mod.Kerberos != nil {
			if mod.Kerberos.TicketCacheTTLSec == 0 {
				mod.Kerberos.TicketCacheTTLSec = 600
			}
			if mod.Kerberos.RenewThresholdSec == 0 {
				mod.Kerberos.RenewThresholdSec = 120
			}
		}
		c.Delegation.Modules[name] = mod
	}
	if c.MCP.RequestTimeoutSec == 0 {
		c.MCP.RequestTimeoutSec = 30
	}
	if c.MCP.Listen == "" {
		c.MCP.Listen = ":8080"
	}
}

// Validate checks the whole document. A document that fails validation is
// never swapped in.
func (c *Config) Validate() error {
	if len(c.Auth.IDPs) == 0 {
		return errors.Newf(errors.ErrConfigInvalid, "auth.idps must contain at least one IDP")
	}

	seen := make(map[string]string, len(c.Auth.IDPs))
	for i := range c.Auth.IDPs {
		idp := &c.Auth.IDPs[i]
		if idp.Name == "" {
			return errors.Newf(errors.ErrConfigInvalid, "auth.idps[%d]: name is required", i)
		}
		if idp.Issuer == "" || idp.Audience == "" {
			return errors.Newf(errors.ErrConfigInvalid, "IDP %q: issuer and audience are required", idp.Name)
		}
		if idp.JWKSURI == "" && idp.DiscoveryURL == "" {
			return errors.Newf(errors.ErrConfigInvalid, "IDP %q: one of jwksUri or discoveryUrl is required", idp.Name)
		}
		key := idp.Issuer + "\x00" + idp.Audience
		if other, dup := seen[key]; dup {
			return errors.Newf(errors.ErrConfigInvalid,
				"IDP %q duplicates (issuer, audience) of IDP %q", idp.Name, other)
		}
		seen[key] = idp.Name
		for _, alg := range idp.AllowedAlgorithms {
			if strings.EqualFold(alg, "none") {
				return errors.Newf(errors.ErrConfigInvalid, "IDP %q: algorithm \"none\" is not allowed", idp.Name)
			}
		}
		for _, u := range []string{idp.Issuer, idp.JWKSURI, idp.DiscoveryURL} {
			if u == "" {
				continue
			}
			if err := c.checkEndpointURL(u); err != nil {
				return errors.Newf(errors.ErrConfigInvalid, "IDP %q: %s", idp.Name, err)
			}
		}
	}

	if len(c.Delegation.Modules) > 0 {
		te := &c.Delegation.TokenExchange
		needsExchange := false
		for _, mod := range c.Delegation.Modules {
			if mod.Kerberos == nil || !mod.Kerberos.LegacyNameFromSession {
				needsExchange = true
			}
		}
		if needsExchange {
			if te.TokenEndpoint == "" {
				return errors.Newf(errors.ErrConfigInvalid, "delegation.tokenExchange.tokenEndpoint is required")
			}
			if err := c.checkEndpointURL(te.TokenEndpoint); err != nil {
				return errors.Newf(errors.ErrConfigInvalid, "tokenExchange: %s", err)
			}
			if te.ClientID == "" {
				return errors.Newf(errors.ErrConfigInvalid, "delegation.tokenExchange.clientId is required")
			}
			if te.ClientAuthMethod != ClientAuthBasic && te.ClientAuthMethod != ClientAuthPost {
				return errors.Newf(errors.ErrConfigInvalid,
					"delegation.tokenExchange.clientAuthMethod must be %s or %s", ClientAuthBasic, ClientAuthPost)
			}
		}
	}

	for name, mod := range c.Delegation.Modules {
		if err := validateModule(name, mod); err != nil {
			return err
		}
	}
	return nil
}

func validateModule(name string, mod ModuleConfig) error {
	switch mod.Type {
	case ModuleTypePostgres:
		if mod.Postgres == nil {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: postgres section is required", name)
		}
		if mod.Postgres.Host == "" || mod.Postgres.Database == "" || mod.Postgres.User == "" {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: postgres host, database and user are required", name)
		}
		if mod.Audience == "" {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: audience is required", name)
		}
	case ModuleTypeKerberos:
		if mod.Kerberos == nil {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: kerberos section is required", name)
		}
		k := mod.Kerberos
		if k.Realm == "" || k.KDCAddress == "" || k.ServicePrincipal == "" {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: kerberos realm, kdcAddress and servicePrincipal are required", name)
		}
		if k.KeytabPath == "" && k.Password == "" {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: one of keytabPath or password is required", name)
		}
		if len(k.AllowedDelegationTargets) == 0 {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: allowedDelegationTargets must not be empty", name)
		}
		if !k.LegacyNameFromSession && mod.Audience == "" {
			return errors.Newf(errors.ErrConfigInvalid, "module %q: audience is required unless legacyNameFromSession is set", name)
		}
	case "":
		return errors.Newf(errors.ErrConfigInvalid, "module %q: type is required", name)
	default:
		return errors.Newf(errors.ErrConfigInvalid, "module %q: unknown type %q", name, mod.Type)
	}
	return nil
}

// checkEndpointURL enforces the environment TLS policy: production requires
// https everywhere; development and test allow plain http for localhost only.
func (c *Config) checkEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.Environment == EnvProduction {
			return fmt.Errorf("plaintext http endpoint not allowed in production")
		}
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("plaintext http endpoint allowed for localhost only")
		}
		return nil
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}
