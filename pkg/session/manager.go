package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
)

// Manager holds the session table and enforces the lifetime policy with a
// background sweeper.
type Manager struct {
	idleTimeout     time.Duration
	absoluteTimeout time.Duration
	sweepInterval   time.Duration

	mu       sync.RWMutex
	byKey    map[string]*Session
	byID     map[string]*Session
	onDestroy []func(sessionID string)

	emitter *audit.Emitter
	stopCh  chan struct{}
	stopped sync.Once
}

// NewManager creates a manager and starts its sweeper.
func NewManager(cfg config.SessionConfig, sink audit.Sink) *Manager {
	m := &Manager{
		idleTimeout:     time.Duration(cfg.IdleTimeoutSec) * time.Second,
		absoluteTimeout: time.Duration(cfg.AbsoluteTimeoutSec) * time.Second,
		sweepInterval:   time.Duration(cfg.SweepIntervalSec) * time.Second,
		byKey:           make(map[string]*Session),
		byID:            make(map[string]*Session),
		emitter:         audit.NewEmitter("session-manager", sink),
		stopCh:          make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// OnDestroy registers a hook invoked with the session ID whenever a session
// is destroyed. The token-exchange cache uses this to purge the session's
// entries.
func (m *Manager) OnDestroy(fn func(sessionID string)) {
	m.mu.Lock()
	m.onDestroy = append(m.onDestroy, fn)
	m.mu.Unlock()
}

// GetOrCreate returns the session for the validated token, creating it on
// first sight. A refreshed JWT for the same subject produces a new session
// because the lookup key includes the token hash.
func (m *Manager) GetOrCreate(ctx context.Context, token *auth.ValidatedToken) (*Session, error) {
	key := sessionKeyFor(token.Subject, token.Raw)

	m.mu.RLock()
	existing, ok := m.byKey[key]
	m.mu.RUnlock()
	if ok {
		existing.Touch()
		return existing, nil
	}

	encKey, err := newEncryptionKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		id:             uuid.NewString(),
		lookupKey:      key,
		userID:         token.UserID,
		username:       token.Username,
		legacyUsername: token.LegacyUsername,
		roles:          append([]string(nil), token.Roles...),
		scopes:         append([]string(nil), token.Scopes...),
		createdAt:      now,
		lastSeenAt:     now,
		customClaims:   make(map[string]any),
		key:            encKey,
	}

	m.mu.Lock()
	// Another request may have created the session while the key was drawn.
	if racedAhead, ok := m.byKey[key]; ok {
		m.mu.Unlock()
		s.destroy()
		racedAhead.Touch()
		return racedAhead, nil
	}
	m.byKey[key] = s
	m.byID[s.id] = s
	m.mu.Unlock()

	m.emitter.Emit(ctx, s.userID, audit.ActionSessionCreated, true, map[string]any{
		audit.MetaSessionID: s.id,
	})
	return s, nil
}

// Lookup finds a session by its opaque ID.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// Destroy tears down a session: the encryption key is zeroed, destroy hooks
// run (purging the session's cache entries), and the teardown is audited.
func (m *Manager) Destroy(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		delete(m.byKey, s.lookupKey)
	}
	hooks := make([]func(string), len(m.onDestroy))
	copy(hooks, m.onDestroy)
	m.mu.Unlock()

	if !ok {
		return
	}

	s.destroy()
	for _, fn := range hooks {
		fn(sessionID)
	}
	m.emitter.Emit(ctx, s.userID, audit.ActionSessionDestroyed, true, map[string]any{
		audit.MetaSessionID: sessionID,
	})
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Stop halts the sweeper. Live sessions are left in place; the hosting
// process tears them down through Destroy during shutdown.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweeper() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var expired []string

	m.mu.RLock()
	for id, s := range m.byID {
		if now.Sub(s.LastSeenAt()) > m.idleTimeout || now.Sub(s.CreatedAt()) > m.absoluteTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		logger.Debugw("sweeping expired session", "session_id", id)
		m.Destroy(context.Background(), id)
	}
}
