// Package audit provides structured audit events for the gateway.
//
// Events are emitted at every decision boundary (authentication, session
// lifecycle, token exchange, delegation calls) to a pluggable sink. The core
// does not persist events; a sink may forward them to whatever store the
// deployment uses. Tokens, secret values, and decrypted cache payloads must
// never appear in an event.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
)

// Audit actions, one per decision boundary.
const (
	// ActionAuthnSuccess records a successful JWT validation.
	ActionAuthnSuccess = "authn_success"
	// ActionAuthnFailure records a rejected JWT.
	ActionAuthnFailure = "authn_failure"
	// ActionSessionCreated records creation of a gateway session.
	ActionSessionCreated = "session_created"
	// ActionSessionDestroyed records destruction of a gateway session.
	ActionSessionDestroyed = "session_destroyed"
	// ActionTokenExchange records an RFC 8693 token exchange attempt.
	ActionTokenExchange = "token_exchange"
	// ActionCacheEvicted records eviction of a token-exchange cache entry.
	ActionCacheEvicted = "cache_evicted"
	// ActionDelegationCall records a delegation module invocation.
	ActionDelegationCall = "delegation_call"
	// ActionConfigReloaded records a configuration hot reload.
	ActionConfigReloaded = "config_reloaded"
)

// Metadata keys form a closed set; sinks may rely on these names.
const (
	// MetaTokenExchangeUsed indicates a wire exchange was performed.
	MetaTokenExchangeUsed = "tokenExchangeUsed"
	// MetaCacheHit indicates the delegation token came from the cache.
	MetaCacheHit = "cacheHit"
	// MetaModuleName is the delegation module that handled the call.
	MetaModuleName = "moduleName"
	// MetaTargetSPN is the Kerberos delegation target.
	MetaTargetSPN = "targetSPN"
	// MetaCommandKind is the classified SQL command kind.
	MetaCommandKind = "commandKind"
	// MetaIssuer is the token issuer.
	MetaIssuer = "issuer"
	// MetaAudience is the token audience.
	MetaAudience = "audience"
	// MetaSubject is the token subject.
	MetaSubject = "sub"
	// MetaSessionID is the gateway session identifier.
	MetaSessionID = "sessionId"
	// MetaErrorKind is the taxonomy kind of a failure.
	MetaErrorKind = "errorKind"
	// MetaErrorDetail carries full failure detail for the sink. Audit is the
	// only place where unsanitized detail is allowed.
	MetaErrorDetail = "errorDetail"
	// MetaCorrelationID ties a client-visible opaque error to its audit record.
	MetaCorrelationID = "correlationId"
	// MetaEvictionReason is why a cache entry was evicted (ttl, lru, session).
	MetaEvictionReason = "evictionReason"
	// MetaToolName is the tool invoked through the dispatcher.
	MetaToolName = "toolName"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and must not block the request path for long; slow transports should
// buffer internally.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Emitter stamps and forwards events from a named source.
type Emitter struct {
	source string
	sink   Sink
}

// NewEmitter creates an emitter for the given component source name.
// A nil sink falls back to the log sink.
func NewEmitter(source string, sink Sink) *Emitter {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Emitter{source: source, sink: sink}
}

// Emit sends an event, filling in the timestamp and source.
func (e *Emitter) Emit(ctx context.Context, userID, action string, success bool, metadata map[string]any) {
	e.sink.Emit(ctx, Event{
		Timestamp: time.Now().UTC(),
		Source:    e.source,
		UserID:    userID,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	})
}

// LogSink writes audit events through the structured logger.
type LogSink struct{}

// NewLogSink returns a sink that logs events at info level.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit implements Sink.
func (*LogSink) Emit(_ context.Context, event Event) {
	logger.Infow("audit",
		"source", event.Source,
		"user_id", event.UserID,
		"action", event.Action,
		"success", event.Success,
		"metadata", event.Metadata,
	)
}

// RecordingSink captures events in memory. Intended for tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink returns an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements Sink.
func (s *RecordingSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of the captured events.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns captured events with the given action.
func (s *RecordingSink) ByAction(action string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}
