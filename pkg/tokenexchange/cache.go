package tokenexchange

import (
	"container/list"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
)

// Eviction reasons recorded in audit metadata.
const (
	evictReasonTTL     = "ttl"
	evictReasonLRU     = "lru"
	evictReasonSession = "session"
)

// Payload is the plaintext form of a cached delegation token. It exists only
// transiently around encrypt and decrypt; at rest the cache holds ciphertext.
type Payload struct {
	AccessToken    string    `json:"accessToken"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LegacyUsername string    `json:"legacyUsername,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	Scope          string    `json:"scope,omitempty"`
}

// Fingerprint derives the cache key for a (session, audience, requestor JWT)
// triple. The requestor token is hashed before concatenation so the
// fingerprint never embeds token material.
func Fingerprint(sessionID, audience, requestorJWT string) string {
	tokenSum := sha256.Sum256([]byte(requestorJWT))
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(audience))
	h.Write(tokenSum[:])
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	fingerprint string
	sessionID   string
	ciphertext  []byte
	expiresAt   time.Time
	elem        *list.Element
}

// Cache stores delegation tokens encrypted under the owning session's key.
// Entries are bounded per session and in total with LRU eviction, and every
// entry carries an effective expiry of min(cache TTL, token exp minus the
// clock-skew margin).
type Cache struct {
	ttl           time.Duration
	skewMargin    time.Duration
	maxPerSession int
	maxTotal      int

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	bySession map[string]map[string]*cacheEntry
	lru       *list.List // of *cacheEntry, front is most recent

	emitter *audit.Emitter
	now     func() time.Time
}

// NewCache creates a cache with the configured bounds.
func NewCache(cfg config.TokenExchangeConfig, sink audit.Sink) *Cache {
	return &Cache{
		ttl:           time.Duration(cfg.CacheTTLSec) * time.Second,
		skewMargin:    time.Duration(cfg.ClockSkewMarginSec) * time.Second,
		maxPerSession: cfg.MaxEntriesPerSession,
		maxTotal:      cfg.MaxTotalEntries,
		entries:       make(map[string]*cacheEntry),
		bySession:     make(map[string]map[string]*cacheEntry),
		lru:           list.New(),
		emitter:       audit.NewEmitter("token-cache", sink),
		now:           time.Now,
	}
}

// Get decrypts and returns the cached payload for the fingerprint, if a live
// entry exists and the session key still opens it. A decryption failure means
// the key no longer matches (destroyed or rotated session); the entry is
// dropped and reported as a miss.
func (c *Cache) Get(ctx context.Context, sess *session.Session, fingerprint string) (*Payload, bool) {
	key, ok := sess.Key()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	entry, ok := c.entries[fingerprint]
	if !ok || entry.sessionID != sess.ID() {
		c.mu.Unlock()
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.removeLocked(entry)
		c.mu.Unlock()
		c.auditEviction(ctx, entry, evictReasonTTL)
		return nil, false
	}
	c.lru.MoveToFront(entry.elem)
	ciphertext := entry.ciphertext
	c.mu.Unlock()

	payload, err := decryptPayload(key, fingerprint, ciphertext)
	if err != nil {
		logger.Debugw("cache entry undecryptable, dropping", "session_id", sess.ID())
		c.mu.Lock()
		if current, still := c.entries[fingerprint]; still && current == entry {
			c.removeLocked(entry)
		}
		c.mu.Unlock()
		return nil, false
	}
	if c.now().After(payload.ExpiresAt) {
		return nil, false
	}
	return payload, true
}

// Put encrypts and stores a payload under the session's key. Payloads whose
// effective lifetime is already spent are not cached.
func (c *Cache) Put(ctx context.Context, sess *session.Session, fingerprint string, payload *Payload) error {
	key, ok := sess.Key()
	if !ok {
		return fmt.Errorf("session %s is destroyed", sess.ID())
	}

	now := c.now()
	expiresAt := now.Add(c.ttl)
	if tokenDeadline := payload.ExpiresAt.Add(-c.skewMargin); tokenDeadline.Before(expiresAt) {
		expiresAt = tokenDeadline
	}
	if !expiresAt.After(now) {
		return nil
	}

	ciphertext, err := encryptPayload(key, fingerprint, payload)
	if err != nil {
		return fmt.Errorf("cannot encrypt cache entry: %w", err)
	}

	entry := &cacheEntry{
		fingerprint: fingerprint,
		sessionID:   sess.ID(),
		ciphertext:  ciphertext,
		expiresAt:   expiresAt,
	}

	var evicted []*cacheEntry
	c.mu.Lock()
	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(old)
	}
	entry.elem = c.lru.PushFront(entry)
	c.entries[fingerprint] = entry
	perSession := c.bySession[entry.sessionID]
	if perSession == nil {
		perSession = make(map[string]*cacheEntry)
		c.bySession[entry.sessionID] = perSession
	}
	perSession[fingerprint] = entry

	for len(perSession) > c.maxPerSession {
		victim := c.oldestForSessionLocked(entry.sessionID)
		if victim == nil {
			break
		}
		c.removeLocked(victim)
		evicted = append(evicted, victim)
	}
	for len(c.entries) > c.maxTotal {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*cacheEntry)
		c.removeLocked(victim)
		evicted = append(evicted, victim)
	}
	c.mu.Unlock()

	for _, victim := range evicted {
		c.auditEviction(ctx, victim, evictReasonLRU)
	}
	return nil
}

// PurgeSession removes every entry belonging to the session. Called from the
// session manager's destroy hook.
func (c *Cache) PurgeSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	perSession := c.bySession[sessionID]
	purged := len(perSession)
	for _, entry := range perSession {
		c.lru.Remove(entry.elem)
		delete(c.entries, entry.fingerprint)
	}
	delete(c.bySession, sessionID)
	c.mu.Unlock()

	if purged > 0 {
		c.emitter.Emit(ctx, "", audit.ActionCacheEvicted, true, map[string]any{
			audit.MetaSessionID:      sessionID,
			audit.MetaEvictionReason: evictReasonSession,
			"entryCount":             purged,
		})
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	c.lru.Remove(entry.elem)
	delete(c.entries, entry.fingerprint)
	if perSession := c.bySession[entry.sessionID]; perSession != nil {
		delete(perSession, entry.fingerprint)
		if len(perSession) == 0 {
			delete(c.bySession, entry.sessionID)
		}
	}
}

// oldestForSessionLocked walks the LRU list from the back to find the least
// recently used entry of one session.
func (c *Cache) oldestForSessionLocked(sessionID string) *cacheEntry {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if entry.sessionID == sessionID {
			return entry
		}
	}
	return nil
}

func (c *Cache) auditEviction(ctx context.Context, entry *cacheEntry, reason string) {
	c.emitter.Emit(ctx, "", audit.ActionCacheEvicted, true, map[string]any{
		audit.MetaSessionID:      entry.sessionID,
		audit.MetaEvictionReason: reason,
	})
}

// encryptPayload seals the JSON payload with AES-256-GCM under the session
// key, binding the ciphertext to its fingerprint through the associated data.
// The nonce is prepended to the ciphertext.
func encryptPayload(key []byte, fingerprint string, payload *Payload) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(fingerprint)), nil
}

func decryptPayload(key []byte, fingerprint string, ciphertext []byte) (*Payload, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(fingerprint))
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
