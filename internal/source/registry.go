package source

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// Registry holds the guarded sources and owns their breakers.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]*Source
	breakers *resilience.ServiceBreakers
}

// NewRegistry creates an empty registry whose breakers are kept in breakers.
func NewRegistry(breakers *resilience.ServiceBreakers) *Registry {
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Registry{
		sources:  make(map[string]*Source),
		breakers: breakers,
	}
}

// Register validates desc, creates its breaker and guards adapter.
func (r *Registry) Register(desc Descriptor, adapter Adapter) (*Source, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, eris.Errorf("source %s: nil adapter", desc.Name)
	}
	if desc.FailureThreshold <= 0 {
		desc.FailureThreshold = DefaultFailureThreshold(desc.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sources[desc.Name]; dup {
		return nil, eris.Errorf("source %s: already registered", desc.Name)
	}

	cb := r.breakers.Register(desc.Name, resilience.FromCircuitConfig(
		desc.Name, desc.FailureThreshold, desc.SuccessThreshold, desc.OpenTimeout))
	s := Guard(desc, adapter, cb)
	r.sources[desc.Name] = s
	return s, nil
}

// Get returns the named source.
func (r *Registry) Get(name string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

// Tier returns the sources of one tier sorted by name.
func (r *Registry) Tier(depth model.Depth) []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Source
	for _, s := range r.sources {
		if s.desc.Tier == depth {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Name < out[j].desc.Name })
	return out
}

// All returns every source sorted by name.
func (r *Registry) All() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Name < out[j].desc.Name })
	return out
}

// Weight returns the reliability weight of the named source.
func (r *Registry) Weight(name string) (float64, bool) {
	s, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return s.desc.Weight, true
}

// Breakers exposes the breaker registry for health reporting and resets.
func (r *Registry) Breakers() *resilience.ServiceBreakers {
	return r.breakers
}
