package kerberos

import (
	"sync"
	"time"
)

// Ticket is a delegated service ticket ready for use against the target
// service. The embedded SPNEGO token is what a caller presents; the raw
// Kerberos structures stay inside the module.
type Ticket struct {
	UserPrincipal string
	TargetSPN     string
	ExpiresAt     time.Time
	SPNEGO        []byte

	krb *krbMaterial
}

type cachedTicket struct {
	ticket    *Ticket
	sessionID string
	expiresAt time.Time
}

// ticketCache caches proxy tickets keyed by (session, user principal, target
// SPN). Entries are dropped early, renewThreshold before expiry, so a ticket
// handed out always has useful life left.
type ticketCache struct {
	ttl            time.Duration
	renewThreshold time.Duration
	skewMargin     time.Duration

	mu      sync.Mutex
	entries map[string]*cachedTicket
	now     func() time.Time
}

func newTicketCache(ttl, renewThreshold, skewMargin time.Duration) *ticketCache {
	return &ticketCache{
		ttl:            ttl,
		renewThreshold: renewThreshold,
		skewMargin:     skewMargin,
		entries:        make(map[string]*cachedTicket),
		now:            time.Now,
	}
}

func cacheKey(sessionID, userPrincipal, targetSPN string) string {
	return sessionID + "\x00" + userPrincipal + "\x00" + targetSPN
}

func (c *ticketCache) Get(sessionID, userPrincipal, targetSPN string) (*Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(sessionID, userPrincipal, targetSPN)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Add(c.renewThreshold).After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.ticket, true
}

// Put stores a ticket with an effective lifetime of min(cache TTL, ticket
// expiry minus the skew margin). Tickets whose effective lifetime is spent
// are not cached.
func (c *ticketCache) Put(sessionID string, ticket *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expiresAt := now.Add(c.ttl)
	if deadline := ticket.ExpiresAt.Add(-c.skewMargin); deadline.Before(expiresAt) {
		expiresAt = deadline
	}
	if !expiresAt.After(now) {
		return
	}
	c.entries[cacheKey(sessionID, ticket.UserPrincipal, ticket.TargetSPN)] = &cachedTicket{
		ticket:    ticket,
		sessionID: sessionID,
		expiresAt: expiresAt,
	}
}

// PurgeSession drops every ticket belonging to the session.
func (c *ticketCache) PurgeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.sessionID == sessionID {
			delete(c.entries, key)
		}
	}
}

func (c *ticketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
