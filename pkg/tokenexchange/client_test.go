package tokenexchange

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	apperrors "github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

func mintDelegationJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func defaultOptions() Options {
	return Options{
		Audience:        "postgres-backend",
		LegacyNameClaim: "legacy_name",
		RolesClaim:      "roles",
		RequiredClaims:  []string{"legacy_name"},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, sink audit.Sink) *Client {
	t.Helper()
	server := tokenEndpoint(t, handler)
	exchanger := NewExchanger(exchangeConfig(server.URL, "client_secret_basic"), nil)
	return NewClient(exchanger, NewCache(cacheConfig(), sink), sink)
}

func TestDelegationTokenCachesSecondCall(t *testing.T) {
	t.Parallel()

	minted := mintDelegationJWT(t, jwt.MapClaims{
		"legacy_name": "DOMAIN_alice",
		"roles":       []string{"sql-read"},
	})

	var calls atomic.Int32
	sink := audit.NewRecordingSink()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeTokenResponse(t, w, minted)
	}, sink)

	m := newSessionManager(t)
	s := newTestSession(t, m, "user-1", "jwt-a")
	ctx := context.Background()

	first, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, minted, first.AccessToken)
	assert.Equal(t, "DOMAIN_alice", first.LegacyUsername)
	assert.Equal(t, []string{"sql-read"}, first.Roles)
	assert.False(t, first.CacheHit)

	second, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, minted, second.AccessToken)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int32(1), calls.Load())

	events := sink.ByAction(audit.ActionTokenExchange)
	require.Len(t, events, 2)
	assert.Equal(t, false, events[0].Metadata[audit.MetaCacheHit])
	assert.Equal(t, true, events[0].Metadata[audit.MetaTokenExchangeUsed])
	assert.Equal(t, true, events[1].Metadata[audit.MetaCacheHit])
	assert.Equal(t, false, events[1].Metadata[audit.MetaTokenExchangeUsed])
	// Neither the requestor JWT nor the minted token appears in audit metadata.
	for _, ev := range events {
		for _, value := range ev.Metadata {
			if str, ok := value.(string); ok {
				assert.NotEqual(t, minted, str)
				assert.NotEqual(t, "jwt-a", str)
			}
		}
	}
}

func TestDelegationTokenSingleflight(t *testing.T) {
	t.Parallel()

	minted := mintDelegationJWT(t, jwt.MapClaims{"legacy_name": "DOMAIN_alice"})

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		writeTokenResponse(t, w, minted)
	}, audit.NewRecordingSink())

	m := newSessionManager(t)
	s := newTestSession(t, m, "user-1", "jwt-a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.DelegationToken(context.Background(), s, "jwt-a", defaultOptions())
			assert.NoError(t, err)
			assert.Equal(t, minted, token.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestDelegationTokenMissingRequiredClaim(t *testing.T) {
	t.Parallel()

	// No legacy_name claim.
	minted := mintDelegationJWT(t, jwt.MapClaims{"roles": []string{"sql-read"}})

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeTokenResponse(t, w, minted)
	}, audit.NewRecordingSink())

	m := newSessionManager(t)
	s := newTestSession(t, m, "user-1", "jwt-a")
	ctx := context.Background()

	_, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrDelegationMissingClaim))
	// The claim name stays out of the caller-visible message.
	assert.NotContains(t, err.Error(), "legacy_name")

	// Failures are not cached: the next call goes to the wire again.
	_, err = c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDelegationTokenUpstreamErrorNotCached(t *testing.T) {
	t.Parallel()

	minted := mintDelegationJWT(t, jwt.MapClaims{"legacy_name": "DOMAIN_alice"})

	var calls atomic.Int32
	sink := audit.NewRecordingSink()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeTokenResponse(t, w, minted)
	}, sink)

	m := newSessionManager(t)
	s := newTestSession(t, m, "user-1", "jwt-a")
	ctx := context.Background()

	_, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrTokenExchangeFailed))

	token, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.NoError(t, err)
	assert.False(t, token.CacheHit)
	assert.Equal(t, int32(2), calls.Load())

	failures := sink.ByAction(audit.ActionTokenExchange)
	require.GreaterOrEqual(t, len(failures), 2)
	assert.False(t, failures[0].Success)
	assert.Equal(t, apperrors.ErrTokenExchangeFailed, failures[0].Metadata[audit.MetaErrorKind])
}

func TestDelegationTokenDistinctAudiences(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		writeTokenResponse(t, w, mintDelegationJWT(t, jwt.MapClaims{
			"legacy_name": "DOMAIN_alice",
			"aud":         r.PostForm.Get("audience"),
		}))
	}, audit.NewRecordingSink())

	m := newSessionManager(t)
	s := newTestSession(t, m, "user-1", "jwt-a")
	ctx := context.Background()

	optsA := defaultOptions()
	optsB := defaultOptions()
	optsB.Audience = "kerberos-backend"

	_, err := c.DelegationToken(ctx, s, "jwt-a", optsA)
	require.NoError(t, err)
	_, err = c.DelegationToken(ctx, s, "jwt-a", optsB)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// Both entries are now cached independently.
	tokenA, err := c.DelegationToken(ctx, s, "jwt-a", optsA)
	require.NoError(t, err)
	assert.True(t, tokenA.CacheHit)
	tokenB, err := c.DelegationToken(ctx, s, "jwt-a", optsB)
	require.NoError(t, err)
	assert.True(t, tokenB.CacheHit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPurgeSessionDropsCachedTokens(t *testing.T) {
	t.Parallel()

	minted := mintDelegationJWT(t, jwt.MapClaims{"legacy_name": "DOMAIN_alice"})

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeTokenResponse(t, w, minted)
	}, audit.NewRecordingSink())

	m := newSessionManager(t)
	m.OnDestroy(func(id string) { c.PurgeSession(context.Background(), id) })
	s := newTestSession(t, m, "user-1", "jwt-a")
	ctx := context.Background()

	_, err := c.DelegationToken(ctx, s, "jwt-a", defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, c.cache.Len())

	m.Destroy(ctx, s.ID())
	assert.Equal(t, 0, c.cache.Len())
}
