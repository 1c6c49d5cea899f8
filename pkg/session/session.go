// Package session manages the ephemeral per-caller sessions of the gateway.
//
// A session is keyed by the caller's subject plus a hash of the presented
// JWT, so a refreshed token for the same user yields a new session. Each
// session owns a 256-bit encryption key that protects its token-exchange
// cache entries; the key lives only in memory and is zeroed on destruction.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// KeySize is the AES-256 key length owned by each session.
const KeySize = 32

// Session is the per-caller state. Identity fields are immutable after
// creation; lastSeenAt and customClaims mutate under the session lock.
type Session struct {
	id             string
	lookupKey      string
	userID         string
	username       string
	legacyUsername string
	roles          []string
	scopes         []string

	createdAt time.Time

	mu           sync.RWMutex
	lastSeenAt   time.Time
	customClaims map[string]any
	key          []byte
	destroyed    bool
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the subject this session belongs to.
func (s *Session) UserID() string { return s.userID }

// Username returns the mapped username.
func (s *Session) Username() string { return s.username }

// LegacyUsername returns the mapped legacy account name, if the requestor
// token carried one.
func (s *Session) LegacyUsername() string { return s.legacyUsername }

// Roles returns a copy of the requestor-token roles.
func (s *Session) Roles() []string {
	out := make([]string, len(s.roles))
	copy(out, s.roles)
	return out
}

// Scopes returns a copy of the requestor-token scopes.
func (s *Session) Scopes() []string {
	out := make([]string, len(s.scopes))
	copy(out, s.scopes)
	return out
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastSeenAt returns the last touch time.
func (s *Session) LastSeenAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeenAt
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// Key returns the session encryption key, or false once the session has
// been destroyed. Callers must not retain the slice past the request.
func (s *Session) Key() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return nil, false
	}
	return s.key, true
}

// SetCustomClaim records a delegation-supplied claim. Overlapping writes are
// first-writer-wins: an existing key keeps its first value and the call
// reports false.
func (s *Session) SetCustomClaim(name string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customClaims[name]; exists {
		return false
	}
	s.customClaims[name] = value
	return true
}

// CustomClaim reads a delegation-supplied claim.
func (s *Session) CustomClaim(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.customClaims[name]
	return value, ok
}

// destroy zeroes the key material. Idempotent.
func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	for i := range s.key {
		s.key[i] = 0
	}
	s.destroyed = true
}

// sessionKeyFor derives the manager's lookup key from a validated token:
// subject plus the first 16 bytes of the SHA-256 of the raw JWT. A refreshed
// JWT therefore maps to a different session.
func sessionKeyFor(subject, rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return fmt.Sprintf("%s:%s", subject, hex.EncodeToString(sum[:16]))
}

// newEncryptionKey draws a fresh 256-bit key from the system CSPRNG.
func newEncryptionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cannot generate session key: %w", err)
	}
	return key, nil
}
