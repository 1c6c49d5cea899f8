package tokenexchange

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
)

// Options describe what a delegation module needs from an exchange: the
// target audience plus the claims it expects in the delegation token.
type Options struct {
	Audience        string
	Scope           string
	LegacyNameClaim string
	RolesClaim      string
	RequiredClaims  []string
}

// Token is a delegation token ready for module use. The claims of interest
// are extracted once, at exchange time; the raw token is handed to the
// backend and otherwise kept out of logs and audit.
type Token struct {
	AccessToken    string
	ExpiresAt      time.Time
	LegacyUsername string
	Roles          []string
	CacheHit       bool
}

// Client is the caching token-exchange client. Concurrent requests for the
// same fingerprint collapse into a single wire call.
type Client struct {
	exchanger *Exchanger
	cache     *Cache
	group     singleflight.Group
	emitter   *audit.Emitter
}

// NewClient wires the exchanger to the cache.
func NewClient(exchanger *Exchanger, cache *Cache, sink audit.Sink) *Client {
	return &Client{
		exchanger: exchanger,
		cache:     cache,
		emitter:   audit.NewEmitter("token-exchange", sink),
	}
}

// DelegationToken returns a delegation token for the session and audience,
// from the cache when possible. Failures are returned to the caller and are
// never cached.
func (c *Client) DelegationToken(ctx context.Context, sess *session.Session, requestorJWT string, opts Options) (*Token, error) {
	fingerprint := Fingerprint(sess.ID(), opts.Audience, requestorJWT)

	if payload, ok := c.cache.Get(ctx, sess, fingerprint); ok {
		c.emitter.Emit(ctx, sess.UserID(), audit.ActionTokenExchange, true, map[string]any{
			audit.MetaSessionID:         sess.ID(),
			audit.MetaAudience:          opts.Audience,
			audit.MetaCacheHit:          true,
			audit.MetaTokenExchangeUsed: false,
		})
		return tokenFromPayload(payload, true), nil
	}

	result, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// A concurrent flight may have filled the cache while this caller
		// waited on the flight lock.
		if payload, ok := c.cache.Get(ctx, sess, fingerprint); ok {
			return tokenFromPayload(payload, true), nil
		}
		return c.exchange(ctx, sess, requestorJWT, fingerprint, opts)
	})
	if err != nil {
		c.emitter.Emit(ctx, sess.UserID(), audit.ActionTokenExchange, false, map[string]any{
			audit.MetaSessionID:   sess.ID(),
			audit.MetaAudience:    opts.Audience,
			audit.MetaErrorKind:   errors.Kind(err),
			audit.MetaErrorDetail: err.Error(),
		})
		return nil, err
	}

	token := result.(*Token)
	c.emitter.Emit(ctx, sess.UserID(), audit.ActionTokenExchange, true, map[string]any{
		audit.MetaSessionID:         sess.ID(),
		audit.MetaAudience:          opts.Audience,
		audit.MetaCacheHit:          token.CacheHit,
		audit.MetaTokenExchangeUsed: !token.CacheHit,
	})
	return token, nil
}

// PurgeSession drops the session's cache entries. Exposed so the session
// manager's destroy hook can reach the cache through the client.
func (c *Client) PurgeSession(ctx context.Context, sessionID string) {
	c.cache.PurgeSession(ctx, sessionID)
}

func (c *Client) exchange(ctx context.Context, sess *session.Session, requestorJWT, fingerprint string, opts Options) (*Token, error) {
	resp, err := c.exchanger.Exchange(ctx, Request{
		SubjectToken: requestorJWT,
		Audience:     opts.Audience,
		Scope:        opts.Scope,
	})
	if err != nil {
		return nil, err
	}

	payload, err := payloadFromResponse(resp, opts)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Put(ctx, sess, fingerprint, payload); err != nil {
		// The exchange succeeded; a cache problem only costs the next call.
		logger.Errorw("cannot cache delegation token", "error", err, "session_id", sess.ID())
	}
	return tokenFromPayload(payload, false), nil
}

// payloadFromResponse decodes the delegation token's claims without verifying
// its signature. The token was just minted by the trusted exchange endpoint
// over TLS; the backend it is presented to performs its own verification.
func payloadFromResponse(resp *Response, opts Options) (*Payload, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
		return nil, errors.New(errors.ErrTokenExchangeFailed, "delegation token is not a decodable JWT", err)
	}

	payload := &Payload{
		AccessToken: resp.AccessToken,
		Scope:       resp.Scope,
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		payload.ExpiresAt = exp.Time
	} else if resp.ExpiresIn > 0 {
		payload.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		return nil, errors.Newf(errors.ErrTokenExchangeFailed, "delegation token carries no expiry")
	}

	claimTree := map[string]any(claims)
	for _, required := range opts.RequiredClaims {
		if _, ok := auth.LookupClaimPath(claimTree, required); !ok {
			return nil, errors.Newf(errors.ErrDelegationMissingClaim,
				"delegation token is missing a required claim")
		}
	}
	if opts.LegacyNameClaim != "" {
		payload.LegacyUsername, _ = auth.StringClaim(claimTree, opts.LegacyNameClaim)
	}
	if opts.RolesClaim != "" {
		payload.Roles, _ = auth.StringSliceClaim(claimTree, opts.RolesClaim)
	}
	return payload, nil
}

func tokenFromPayload(payload *Payload, cacheHit bool) *Token {
	return &Token{
		AccessToken:    payload.AccessToken,
		ExpiresAt:      payload.ExpiresAt,
		LegacyUsername: payload.LegacyUsername,
		Roles:          append([]string(nil), payload.Roles...),
		CacheHit:       cacheHit,
	}
}
