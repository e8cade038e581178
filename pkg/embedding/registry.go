package embedding

import (
	"sort"
	"sync"

	"github.com/substratehq/substrate/pkg/errdefs"
)

// ProviderInfo is the client-visible description of a registered provider
type ProviderInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Dimension int    `json:"dimension"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// ReferenceChecker reports whether any live or offloaded index references
// the named provider. Wired by the vector DB manager.
type ReferenceChecker func(name string) bool

// Registry holds named embedding providers. The provider map is
// copy-on-write: readers grab the current map snapshot without holding the
// writer lock, so lookups never block registrations.
type Registry struct {
	mu        sync.Mutex // serializes writers
	providers map[string]Provider
	inUse     ReferenceChecker
}

// NewRegistry creates a registry pre-populated with the built-in mock-model
func NewRegistry() *Registry {
	r := &Registry{providers: map[string]Provider{}}
	r.providers["mock-model"] = NewMockProvider("mock-model", 384)
	return r
}

// SetReferenceChecker wires the index reference check used by Remove/Update
func (r *Registry) SetReferenceChecker(fn ReferenceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse = fn
}

// snapshot returns the current provider map without locking against writers
func (r *Registry) snapshot() map[string]Provider {
	r.mu.Lock()
	m := r.providers
	r.mu.Unlock()
	return m
}

// Get returns the named provider
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.snapshot()[name]
	if !ok {
		return nil, errdefs.NotFound("embedding provider %q", name)
	}
	return p, nil
}

// List returns info for all providers, sorted by name
func (r *Registry) List() []ProviderInfo {
	m := r.snapshot()
	out := make([]ProviderInfo, 0, len(m))
	for _, p := range m {
		out = append(out, describe(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add registers a new provider. The name must be unused.
func (r *Registry) Add(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return errdefs.Conflict("embedding provider %q already registered", p.Name())
	}
	r.providers = cloneWith(r.providers, p.Name(), p)
	return nil
}

// Update replaces an existing provider. Changing the dimension is refused
// while any index references the provider.
func (r *Registry) Update(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, exists := r.providers[p.Name()]
	if !exists {
		return errdefs.NotFound("embedding provider %q", p.Name())
	}
	if old.Dimension() != p.Dimension() && r.referenced(p.Name()) {
		return errdefs.Conflict("embedding provider %q is referenced by indices; dimension cannot change", p.Name())
	}
	r.providers = cloneWith(r.providers, p.Name(), p)
	return nil
}

// Remove unregisters a provider. Refused while any live or offloaded index
// references it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return errdefs.NotFound("embedding provider %q", name)
	}
	if r.referenced(name) {
		return errdefs.Conflict("embedding provider %q is referenced by indices", name)
	}
	next := make(map[string]Provider, len(r.providers))
	for k, v := range r.providers {
		if k != name {
			next[k] = v
		}
	}
	r.providers = next
	return nil
}

func (r *Registry) referenced(name string) bool {
	return r.inUse != nil && r.inUse(name)
}

func cloneWith(m map[string]Provider, name string, p Provider) map[string]Provider {
	next := make(map[string]Provider, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	next[name] = p
	return next
}

func describe(p Provider) ProviderInfo {
	info := ProviderInfo{Name: p.Name(), Type: p.Type(), Dimension: p.Dimension()}
	if hp, ok := p.(*HTTPProvider); ok {
		info.Model = hp.model
		info.BaseURL = hp.baseURL
	}
	return info
}
