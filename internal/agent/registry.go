// Package agent tracks which identities in a conversation are autonomous
// agents rather than people. The registry is constructed once and handed to
// every component that needs it; there is no package-level instance.
package agent

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Identity is one registered agent.
type Identity struct {
	AgentID      string    `json:"agentId"`
	DisplayName  string    `json:"displayName,omitempty"`
	SessionKey   string    `json:"sessionKey,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry is a thread-safe identity map. Lookup is case-folded so chat
// surfaces that mangle capitalization still resolve.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Identity
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Identity)}
}

func fold(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or refreshes an identity. Registering an existing agent
// updates its metadata but keeps the original registration time.
func (r *Registry) Register(identity Identity) {
	key := fold(identity.AgentID)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		identity.RegisteredAt = existing.RegisteredAt
	} else if identity.RegisteredAt.IsZero() {
		identity.RegisteredAt = time.Now().UTC()
	}
	r.entries[key] = identity
}

// Deregister removes an identity. Unknown names are a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fold(agentID))
}

// IsAgent reports whether name belongs to a registered agent. Satisfies
// policy.IdentityResolver.
func (r *Registry) IsAgent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[fold(name)]
	return ok
}

// Get returns the identity registered under name.
func (r *Registry) Get(name string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.entries[fold(name)]
	return identity, ok
}

// List returns all identities sorted by agent id.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.entries))
	for _, identity := range r.entries {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset empties the registry. Test lifecycle hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Identity)
}
