package dispatcher

import "sync"

// Registry is the type-keyed Provider lookup table (spec.md §4.4) that
// run-time dispatch resolves a step's Type through. The planner does not
// consult it: a step with an unregistered type is planned like any other
// and fails only when dispatched, with RuleUnknownProviderType.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register associates providerType with p, overwriting any prior
// registration — later calls win, matching the teacher's own
// last-registration-wins provider factory semantics.
func (r *Registry) Register(providerType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerType] = p
}

// Get resolves providerType, reporting false for anything never registered.
func (r *Registry) Get(providerType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerType]
	return p, ok
}

// NewDefaultRegistry registers every provider type spec.md §4.4 names:
// noop/log/memory/command/http are fully implemented; ai/claude-code/mcp/
// github/human-input/workflow/git-checkout/script satisfy the Provider
// contract but report RuleProviderNotImplemented — a step of one of these
// types fails at dispatch with that rule rather than with
// RuleUnknownProviderType.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("noop", noopProvider{})
	r.Register("log", logProvider{})
	r.Register("memory", memoryProvider{})
	r.Register("command", commandProvider{})
	r.Register("http", httpProvider{})
	for _, t := range []string{
		"ai", "claude-code", "mcp", "github", "human-input", "workflow", "git-checkout", "script",
	} {
		r.Register(t, stubProvider{providerType: t})
	}
	return r
}
