package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

type contextKey int

const (
	bearerContextKey contextKey = iota
	identityContextKey
)

// WithBearerFromRequest copies the Authorization bearer token into the
// context. It performs no validation; the dispatcher validates on every
// call. Shaped as an HTTP context function so the MCP transport can apply it.
func WithBearerFromRequest(ctx context.Context, r *http.Request) context.Context {
	bearer := extractBearer(r)
	if bearer == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerContextKey, bearer)
}

// BearerFromContext returns the raw bearer token stashed by
// WithBearerFromRequest.
func BearerFromContext(ctx context.Context) (string, bool) {
	bearer, ok := ctx.Value(bearerContextKey).(string)
	return bearer, ok
}

// IdentityFromContext returns the validated identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (*auth.ValidatedToken, bool) {
	token, ok := ctx.Value(identityContextKey).(*auth.ValidatedToken)
	return token, ok
}

// RequireAuth is middleware for plain HTTP endpoints: it validates the
// bearer token up front and stores the identity in the request context.
// Failures are written in the standard error shape.
func RequireAuth(validator tokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := extractBearer(r)
		if bearer == "" {
			writeError(w, errors.Newf(errors.ErrJWTInvalidFormat, "missing bearer token"))
			return
		}
		token, err := validator.Validate(r.Context(), bearer)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, token)
		ctx = context.WithValue(ctx, bearerContextKey, bearer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

func writeError(w http.ResponseWriter, err error) {
	status, body := ErrorPayload(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
