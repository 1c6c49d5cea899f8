// Package kerberos implements the constrained-delegation module.
//
// The module holds its own TGT as a service account and obtains tickets to
// legacy Kerberos services on behalf of gateway callers via the S4U2Self and
// S4U2Proxy protocol transitions. Delegation targets are confined to a
// configured SPN allow-list, enforced before any proxy request reaches the
// KDC.
package kerberos

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/tokenexchange"
)

// Tool names served by this module.
const (
	ToolGetServiceTicket      = "get_service_ticket"
	ToolListDelegationTargets = "list_delegation_targets"
)

// ticketSkewMargin is subtracted from a ticket's expiry when computing its
// cache lifetime.
const ticketSkewMargin = 30 * time.Second

// tokenClient is the slice of the token-exchange client the module uses.
type tokenClient interface {
	DelegationToken(ctx context.Context, sess *session.Session, requestorJWT string, opts tokenexchange.Options) (*tokenexchange.Token, error)
}

// transitioner performs the KDC protocol work. The production implementation
// wraps gokrb5; tests substitute a fake.
type transitioner interface {
	// Login establishes or refreshes the module's own TGT.
	Login() error
	// SelfTicket performs S4U2Self: a ticket to this service for the user.
	SelfTicket(userPrincipal string) (*Ticket, error)
	// ProxyTicket performs S4U2Proxy: a ticket to the target on the
	// evidence of the self ticket.
	ProxyTicket(self *Ticket, targetSPN string) (*Ticket, error)
	// Close releases the client and its sessions.
	Close()
}

// Module is the Kerberos delegation module.
type Module struct {
	name    string
	cfg     config.ModuleConfig
	krb     config.KerberosConfig
	tokens  tokenClient
	trans   transitioner
	cache   *ticketCache
	emitter *audit.Emitter
	health  atomic.Value // delegation.Health

	allowedTargets map[string]bool

	// The Kerberos client is treated as non-thread-safe: KDC work for one
	// (session, targetSPN) pair runs under its own lock, which also keeps a
	// cold cache from issuing duplicate transitions.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewModule creates the module from its configuration entry. tokens may be
// nil when legacyNameFromSession is set.
func NewModule(name string, cfg config.ModuleConfig, tokens tokenClient, sink audit.Sink) *Module {
	krb := *cfg.Kerberos
	allowed := make(map[string]bool, len(krb.AllowedDelegationTargets))
	for _, spn := range krb.AllowedDelegationTargets {
		allowed[spn] = true
	}
	m := &Module{
		name:   name,
		cfg:    cfg,
		krb:    krb,
		tokens: tokens,
		cache: newTicketCache(
			time.Duration(krb.TicketCacheTTLSec)*time.Second,
			time.Duration(krb.RenewThresholdSec)*time.Second,
			ticketSkewMargin,
		),
		emitter:        audit.NewEmitter("kerberos-module", sink),
		allowedTargets: allowed,
		locks:          make(map[string]*sync.Mutex),
	}
	m.health.Store(delegation.HealthUnavailable)
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Tools implements delegation.Module.
func (*Module) Tools() []string {
	return []string{ToolGetServiceTicket, ToolListDelegationTargets}
}

// Health implements delegation.Module.
func (m *Module) Health() delegation.Health {
	return m.health.Load().(delegation.Health)
}

// Initialize obtains the module's TGT. An unreachable KDC degrades the
// module; the gateway keeps running and the login is retried on first use.
func (m *Module) Initialize(context.Context) error {
	if m.trans == nil {
		trans, err := newTransitioner(m.krb)
		if err != nil {
			m.health.Store(delegation.HealthDegraded)
			return err
		}
		m.trans = trans
	}
	if err := m.trans.Login(); err != nil {
		m.health.Store(delegation.HealthDegraded)
		return err
	}
	m.health.Store(delegation.HealthReady)
	return nil
}

// Shutdown implements delegation.Module.
func (m *Module) Shutdown(context.Context) error {
	if m.trans != nil {
		m.trans.Close()
	}
	m.health.Store(delegation.HealthUnavailable)
	return nil
}

// PurgeSession drops the session's cached tickets and call locks. Wired to
// the session manager's destroy hook.
func (m *Module) PurgeSession(sessionID string) {
	m.cache.PurgeSession(sessionID)

	prefix := sessionID + "\x00"
	m.locksMu.Lock()
	for key := range m.locks {
		if strings.HasPrefix(key, prefix) {
			delete(m.locks, key)
		}
	}
	m.locksMu.Unlock()
}

// lockFor returns the mutex serializing KDC work for one (session, target)
// pair.
func (m *Module) lockFor(sessionID, target string) *sync.Mutex {
	key := sessionID + "\x00" + target
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Delegate implements delegation.Module.
func (m *Module) Delegate(ctx context.Context, call delegation.Call) (any, error) {
	switch call.Tool {
	case ToolListDelegationTargets:
		return map[string]any{"targets": append([]string(nil), m.krb.AllowedDelegationTargets...)}, nil
	case ToolGetServiceTicket:
		// handled below
	default:
		return nil, errors.Newf(errors.ErrModuleNotFound, "module %q does not serve tool %q", m.name, call.Tool)
	}

	target, _ := call.Args["target"].(string)
	if target == "" {
		return nil, errors.Newf(errors.ErrInvalidInput, "get_service_ticket requires a target argument")
	}

	principal, err := m.userPrincipal(ctx, call)
	if err != nil {
		m.auditCall(ctx, call, target, false, false, err)
		return nil, err
	}

	lock := m.lockFor(call.Session.ID(), target)
	lock.Lock()
	defer lock.Unlock()

	if m.health.Load() == delegation.HealthDegraded {
		// Retry the login lazily; the KDC may be back.
		if err := m.trans.Login(); err != nil {
			m.auditCall(ctx, call, target, false, false, err)
			return nil, err
		}
		m.health.Store(delegation.HealthReady)
	}

	if ticket, ok := m.cache.Get(call.Session.ID(), principal, target); ok {
		m.auditCall(ctx, call, target, true, true, nil)
		return ticketResult(ticket, true), nil
	}

	ticket, err := m.obtain(principal, target)
	if err != nil {
		m.auditCall(ctx, call, target, false, false, err)
		return nil, err
	}
	m.cache.Put(call.Session.ID(), ticket)
	m.auditCall(ctx, call, target, false, true, nil)
	return ticketResult(ticket, false), nil
}

// obtain runs the two protocol transitions. The allow-list gate comes first:
// a target outside the allow-list generates no KDC traffic at all.
func (m *Module) obtain(principal, target string) (*Ticket, error) {
	if !m.allowedTargets[target] {
		return nil, errors.Newf(errors.ErrUnauthorizedDelegationTarget,
			"delegation to this service is not permitted")
	}
	self, err := m.trans.SelfTicket(principal)
	if err != nil {
		return nil, err
	}
	return m.trans.ProxyTicket(self, target)
}

// userPrincipal resolves the caller's Kerberos principal, fully qualified
// with the realm.
func (m *Module) userPrincipal(ctx context.Context, call delegation.Call) (string, error) {
	var name string
	if m.krb.LegacyNameFromSession {
		name = call.Session.LegacyUsername()
	} else {
		token, err := m.tokens.DelegationToken(ctx, call.Session, call.RequestorJWT, tokenexchange.Options{
			Audience:        m.cfg.Audience,
			Scope:           m.cfg.Scope,
			LegacyNameClaim: m.cfg.LegacyNameClaim,
			RolesClaim:      m.cfg.RolesClaim,
			RequiredClaims:  m.cfg.RequiredClaims,
		})
		if err != nil {
			return "", err
		}
		name = token.LegacyUsername
	}
	if name == "" {
		return "", errors.Newf(errors.ErrDelegationMissingClaim,
			"no backend principal is available for the caller")
	}
	call.Session.SetCustomClaim("legacy_name", name)

	realm := strings.ToUpper(m.krb.Realm)
	if strings.Contains(name, "@") {
		return name, nil
	}
	return name + "@" + realm, nil
}

func ticketResult(ticket *Ticket, cached bool) map[string]any {
	return map[string]any{
		"target":        ticket.TargetSPN,
		"userPrincipal": ticket.UserPrincipal,
		"expiresAt":     ticket.ExpiresAt.UTC().Format(time.RFC3339),
		"cached":        cached,
		"spnegoToken":   base64.StdEncoding.EncodeToString(ticket.SPNEGO),
	}
}

func (m *Module) auditCall(ctx context.Context, call delegation.Call, target string, cached, success bool, err error) {
	metadata := map[string]any{
		audit.MetaModuleName: m.name,
		audit.MetaToolName:   call.Tool,
		audit.MetaTargetSPN:  target,
		audit.MetaCacheHit:   cached,
		audit.MetaSessionID:  call.Session.ID(),
	}
	if err != nil {
		metadata[audit.MetaErrorKind] = errors.Kind(err)
		metadata[audit.MetaErrorDetail] = err.Error()
	}
	m.emitter.Emit(ctx, call.Session.UserID(), audit.ActionDelegationCall, success, metadata)
}
