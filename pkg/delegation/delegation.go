// Package delegation defines the backend delegation module contract and the
// registry that routes tool calls to modules.
//
// A module owns one backend (a relational database, a Kerberos-protected
// service) and performs calls there on behalf of the gateway caller, under
// the caller's delegated identity. Modules are configuration-driven: the
// registry instantiates one module per entry in delegation.modules.
package delegation

import (
	"context"
	"sort"
	"sync"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
)

// Health is a module's readiness state.
type Health string

const (
	// HealthReady means the module can serve delegation calls.
	HealthReady Health = "ready"
	// HealthDegraded means the module is up but its backend credential is
	// stale or partially unavailable; calls may fail.
	HealthDegraded Health = "degraded"
	// HealthUnavailable means the module cannot serve calls.
	HealthUnavailable Health = "unavailable"
)

// Call is one delegated tool invocation.
type Call struct {
	// Session is the caller's gateway session.
	Session *session.Session
	// RequestorJWT is the raw validated token the caller presented. Modules
	// feed it to the token exchange as the subject token; they never log it.
	RequestorJWT string
	// Tool is the tool name within the module.
	Tool string
	// Args are the decoded tool arguments.
	Args map[string]any
}

// Module is one backend delegation module.
type Module interface {
	// Name is the configuration key of this module instance.
	Name() string
	// Tools lists the tool names the module serves.
	Tools() []string
	// Initialize acquires backend resources. A failed initialization leaves
	// the module degraded rather than failing the process.
	Initialize(ctx context.Context) error
	// Health reports current readiness.
	Health() Health
	// Delegate performs one tool call under the caller's delegated identity.
	Delegate(ctx context.Context, call Call) (any, error)
	// Shutdown releases backend resources.
	Shutdown(ctx context.Context) error
}

// Registry holds the configured modules and routes tools to them.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]Module
	byTool   map[string]Module
	emitter  *audit.Emitter
}

// NewRegistry returns an empty registry.
func NewRegistry(sink audit.Sink) *Registry {
	return &Registry{
		modules: make(map[string]Module),
		byTool:  make(map[string]Module),
		emitter: audit.NewEmitter("delegation-registry", sink),
	}
}

// Register adds a module. Module names and tool names must be unique.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		return errors.Newf(errors.ErrConfigInvalid, "delegation module %q registered twice", name)
	}
	for _, tool := range m.Tools() {
		if other, taken := r.byTool[tool]; taken {
			return errors.Newf(errors.ErrConfigInvalid,
				"tool %q claimed by both module %q and module %q", tool, other.Name(), name)
		}
	}
	r.modules[name] = m
	for _, tool := range m.Tools() {
		r.byTool[tool] = m
	}
	return nil
}

// Get returns the module by name.
func (r *Registry) Get(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, errors.Newf(errors.ErrModuleNotFound, "no delegation module named %q", name)
	}
	return m, nil
}

// ForTool returns the module serving the tool.
func (r *Registry) ForTool(tool string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTool[tool]
	if !ok {
		return nil, errors.Newf(errors.ErrModuleNotFound, "no delegation module serves tool %q", tool)
	}
	return m, nil
}

// List returns the registered modules sorted by name.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// InitializeAll initializes every module. Initialization failures degrade the
// module instead of failing the gateway; the module reports its own health.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, m := range r.List() {
		if err := m.Initialize(ctx); err != nil {
			logger.Errorw("delegation module initialization failed",
				"module", m.Name(), "error", err)
			r.emitter.Emit(ctx, "", audit.ActionDelegationCall, false, map[string]any{
				audit.MetaModuleName:  m.Name(),
				audit.MetaErrorKind:   errors.Kind(err),
				audit.MetaErrorDetail: err.Error(),
			})
			continue
		}
		logger.Infow("delegation module ready", "module", m.Name(), "tools", m.Tools())
	}
}

// ShutdownAll shuts modules down in name order.
func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, m := range r.List() {
		if err := m.Shutdown(ctx); err != nil {
			logger.Errorw("delegation module shutdown failed", "module", m.Name(), "error", err)
		}
	}
}
