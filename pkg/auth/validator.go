package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

// ValidatedToken is the outcome of a successful validation. It is never
// constructed without signature and time validation having passed.
type ValidatedToken struct {
	// Raw is the compact serialization as presented by the caller.
	Raw string

	IDPName   string
	Issuer    string
	Audience  string
	Subject   string
	ExpiresAt time.Time

	// Claims is the full decoded claim set.
	Claims map[string]any

	// Mapped identity fields per the IDP's claim map.
	UserID         string
	Username       string
	LegacyUsername string
	Roles          []string
	Scopes         []string
}

// Validator verifies bearer tokens against the trusted IDP registry.
type Validator struct {
	registry *Registry
	jwks     *JWKSCache
	emitter  *audit.Emitter

	now func() time.Time
}

// NewValidator creates a validator. sink may be nil (events go to the log).
func NewValidator(registry *Registry, jwks *JWKSCache, sink audit.Sink) *Validator {
	return &Validator{
		registry: registry,
		jwks:     jwks,
		emitter:  audit.NewEmitter("jwt-validator", sink),
		now:      time.Now,
	}
}

// Validate runs the full validation pipeline: parse, route to an IDP by
// (issuer, audience), check the algorithm allow-list, verify the signature
// against the JWKS, validate time claims with the IDP's clock tolerance,
// check azp when configured, and apply the claim map.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*ValidatedToken, error) {
	// Step 1: parse header and claims without verification; nothing from the
	// token is trusted until the signature checks out.
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, v.fail(ctx, errors.ErrJWTInvalidFormat, "token is not a valid JWT", err)
	}
	claims := unverified.Claims.(jwt.MapClaims)

	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, v.fail(ctx, errors.ErrJWTBadIssuer, "token has no issuer", err)
	}
	audiences, err := claims.GetAudience()
	if err != nil || len(audiences) == 0 {
		return nil, v.fail(ctx, errors.ErrJWTBadAudience, "token has no audience", err)
	}

	// Step 2: route by (issuer, audience); first matching audience wins.
	idp, ok := v.registry.Resolve(issuer, audiences)
	if !ok {
		return nil, v.fail(ctx, errors.ErrUnknownIDP, "no trusted IDP matches the token", nil)
	}

	// Step 3: algorithm allow-list. "none" is rejected unconditionally.
	alg, _ := unverified.Header["alg"].(string)
	if alg == "" || alg == "none" || !slices.Contains(idp.AllowedAlgorithms, alg) {
		return nil, v.fail(ctx, errors.ErrJWTBadAlgorithm,
			fmt.Sprintf("token algorithm %q is not accepted", alg), nil)
	}

	// Step 4: signature verification. A signature failure gets one retry
	// against a freshly fetched JWKS in case the key rotated in place.
	verified, err := v.verifySignature(ctx, rawToken, idp, unverified)
	if err != nil {
		return nil, err
	}
	verifiedClaims := verified.Claims.(jwt.MapClaims)

	// Step 5: time validation.
	expiresAt, err := v.validateTime(ctx, verifiedClaims, idp)
	if err != nil {
		return nil, err
	}

	// Step 6: authorized party, when the IDP pins one.
	if idp.AuthorizedParty != "" {
		azp, _ := verifiedClaims["azp"].(string)
		if azp != idp.AuthorizedParty {
			return nil, v.fail(ctx, errors.ErrJWTBadAudience, "token authorized party mismatch", nil)
		}
	}

	// Step 7: apply the claim map.
	token, err := v.mapClaims(ctx, rawToken, idp, verifiedClaims)
	if err != nil {
		return nil, err
	}
	token.ExpiresAt = expiresAt

	// Step 8: audit the admission. Never the token itself.
	v.emitter.Emit(ctx, token.UserID, audit.ActionAuthnSuccess, true, map[string]any{
		audit.MetaIssuer:   token.Issuer,
		audit.MetaAudience: token.Audience,
		audit.MetaSubject:  token.Subject,
	})
	return token, nil
}

func (v *Validator) verifySignature(ctx context.Context, rawToken string, idp *IDP, unverified *jwt.Token) (*jwt.Token, error) {
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, v.fail(ctx, errors.ErrJWTBadSignature, "token header has no key ID", nil)
	}

	verify := func() (*jwt.Token, error) {
		return jwt.Parse(rawToken, func(*jwt.Token) (any, error) {
			return v.jwks.KeyFor(ctx, idp, kid)
		}, jwt.WithValidMethods(idp.AllowedAlgorithms), jwt.WithoutClaimsValidation())
	}

	verified, err := verify()
	if err != nil && stderrors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// Could be a rotated key served under the same kid. One retry only.
		verified, err = verify()
	}
	if err != nil {
		return nil, v.fail(ctx, errors.ErrJWTBadSignature, "token signature verification failed", err)
	}
	return verified, nil
}

func (v *Validator) validateTime(ctx context.Context, claims jwt.MapClaims, idp *IDP) (time.Time, error) {
	now := v.now()
	tolerance := time.Duration(idp.ClockToleranceSec) * time.Second

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, v.fail(ctx, errors.ErrJWTExpired, "token has no expiry", err)
	}
	if !exp.Time.After(now) {
		return time.Time{}, v.fail(ctx, errors.ErrJWTExpired, "token is expired", nil)
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return time.Time{}, v.fail(ctx, errors.ErrJWTNotYetValid, "token nbf claim is malformed", err)
	}
	if idp.RequireNbf && nbf == nil {
		return time.Time{}, v.fail(ctx, errors.ErrJWTNotYetValid, "token has no nbf claim", nil)
	}
	if nbf != nil && nbf.Time.After(now.Add(tolerance)) {
		return time.Time{}, v.fail(ctx, errors.ErrJWTNotYetValid, "token is not yet valid", nil)
	}

	if idp.MaxTokenAgeSec > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil {
			return time.Time{}, v.fail(ctx, errors.ErrJWTExpired, "token iat claim is malformed", err)
		}
		maxAge := time.Duration(idp.MaxTokenAgeSec) * time.Second
		if iat != nil && now.Sub(iat.Time) > maxAge+tolerance {
			return time.Time{}, v.fail(ctx, errors.ErrJWTExpired, "token exceeds the maximum age", nil)
		}
	}
	return exp.Time, nil
}

func (v *Validator) mapClaims(ctx context.Context, rawToken string, idp *IDP, claims jwt.MapClaims) (*ValidatedToken, error) {
	tree := map[string]any(claims)

	userID, ok := StringClaim(tree, idp.ClaimMap.UserID)
	if !ok {
		return nil, v.fail(ctx, errors.ErrJWTMissingClaim, "token has no usable user identifier", nil)
	}
	username, ok := StringClaim(tree, idp.ClaimMap.Username)
	if !ok {
		return nil, v.fail(ctx, errors.ErrJWTMissingClaim, "token has no usable username", nil)
	}

	token := &ValidatedToken{
		Raw:      rawToken,
		IDPName:  idp.Name,
		Issuer:   idp.Issuer,
		Audience: idp.Audience,
		Claims:   tree,
		UserID:   userID,
		Username: username,
	}
	if sub, err := claims.GetSubject(); err == nil {
		token.Subject = sub
	}
	// Optional at this layer; delegation modules decide whether they need them.
	token.LegacyUsername, _ = StringClaim(tree, idp.ClaimMap.LegacyUsername)
	token.Roles, _ = StringSliceClaim(tree, idp.ClaimMap.Roles)
	token.Scopes, _ = StringSliceClaim(tree, idp.ClaimMap.Scopes)
	return token, nil
}

// fail audits the rejection and returns the taxonomy error. The raw token is
// never part of the event.
func (v *Validator) fail(ctx context.Context, kind, message string, cause error) error {
	err := errors.New(kind, message, cause)
	detail := message
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", message, cause)
	}
	v.emitter.Emit(ctx, "", audit.ActionAuthnFailure, false, map[string]any{
		audit.MetaErrorKind:   kind,
		audit.MetaErrorDetail: detail,
	})
	return err
}
