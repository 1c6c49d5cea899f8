package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterStampsEvents(t *testing.T) {
	t.Parallel()

	sink := NewRecordingSink()
	em := NewEmitter("jwt-validator", sink)

	before := time.Now().UTC()
	em.Emit(context.Background(), "user-1", ActionAuthnSuccess, true, map[string]any{
		MetaIssuer:   "https://idp.example",
		MetaAudience: "mcp-gateway",
		MetaSubject:  "user-1",
	})

	events := sink.Events()
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "jwt-validator", ev.Source)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, ActionAuthnSuccess, ev.Action)
	assert.True(t, ev.Success)
	assert.Equal(t, "https://idp.example", ev.Metadata[MetaIssuer])
	assert.False(t, ev.Timestamp.Before(before))
}

func TestRecordingSinkByAction(t *testing.T) {
	t.Parallel()

	sink := NewRecordingSink()
	em := NewEmitter("test", sink)

	em.Emit(context.Background(), "u", ActionTokenExchange, true, map[string]any{MetaCacheHit: false})
	em.Emit(context.Background(), "u", ActionTokenExchange, true, map[string]any{MetaCacheHit: true})
	em.Emit(context.Background(), "u", ActionSessionDestroyed, true, nil)

	exchanges := sink.ByAction(ActionTokenExchange)
	require.Len(t, exchanges, 2)
	assert.Equal(t, false, exchanges[0].Metadata[MetaCacheHit])
	assert.Equal(t, true, exchanges[1].Metadata[MetaCacheHit])
	assert.Len(t, sink.ByAction(ActionSessionDestroyed), 1)
}

func TestNilSinkFallsBackToLogSink(t *testing.T) {
	t.Parallel()

	em := NewEmitter("test", nil)
	// Must not panic.
	em.Emit(context.Background(), "", ActionConfigReloaded, true, nil)
}
