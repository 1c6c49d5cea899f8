// Package dispatch ties the gateway stages together: bearer token to
// validated identity, identity to session, tool name to delegation module,
// and taxonomy error to transport response.
package dispatch

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
)

// tokenValidator is the slice of the JWT validator the dispatcher needs.
type tokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.ValidatedToken, error)
}

// Dispatcher routes one tool call through authentication, session
// resolution and delegation.
type Dispatcher struct {
	validator tokenValidator
	sessions  *session.Manager
	registry  *delegation.Registry
	timeout   time.Duration
}

// NewDispatcher wires the pipeline stages.
func NewDispatcher(validator tokenValidator, sessions *session.Manager, registry *delegation.Registry, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		validator: validator,
		sessions:  sessions,
		registry:  registry,
		timeout:   timeout,
	}
}

// Dispatch performs one delegated tool call. Every call revalidates the
// bearer token; the session only adds state on top of a valid token, never
// a way around it.
func (d *Dispatcher) Dispatch(ctx context.Context, bearer, tool string, args map[string]any) (any, error) {
	if bearer == "" {
		return nil, errors.Newf(errors.ErrJWTInvalidFormat, "missing bearer token")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	token, err := d.validator.Validate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	sess, err := d.sessions.GetOrCreate(ctx, token)
	if err != nil {
		return nil, err
	}

	module, err := d.registry.ForTool(tool)
	if err != nil {
		return nil, err
	}

	return module.Delegate(ctx, delegation.Call{
		Session:      sess,
		RequestorJWT: token.Raw,
		Tool:         tool,
		Args:         args,
	})
}

// ErrorPayload converts a taxonomy error to its transport form: the HTTP
// status and a JSON body carrying the kind, the sanitized message, and a
// correlation ID. The full error, cause included, goes to the log under the
// same correlation ID; the caller sees nothing else.
func ErrorPayload(err error) (int, map[string]any) {
	correlationID := uuid.NewString()
	kind := errors.Kind(err)
	logger.Errorw("request failed",
		"correlation_id", correlationID,
		"error_kind", kind,
		"error", err,
	)
	return errors.HTTPStatus(err), map[string]any{
		"error": map[string]any{
			"kind":          kind,
			"message":       clientMessage(err),
			"correlationId": correlationID,
		},
	}
}

// clientMessage extracts the sanitized message. Non-taxonomy errors are
// opaque to the caller.
func clientMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
