package research

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// Registry holds the research providers configured for this process.
// The fan-out resolves its provider list from the registry once per run.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ResearchProvider
	order     []string
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ResearchProvider),
	}
}

// Register adds a provider
func (r *Registry) Register(provider domain.ResearchProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = provider
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (domain.ResearchProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	return provider, nil
}

// List returns the providers in registration order
func (r *Registry) List() []domain.ResearchProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ResearchProvider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Names returns the sorted provider names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
