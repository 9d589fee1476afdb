package sync

import "sort"

// Registry holds the capability records of all configured integrations,
// keyed by integration code. It is built once at startup; lookups on the
// hot path are plain map reads with no late binding.
type Registry struct {
	capabilities map[IntegrationCode]*Capability
}

// NewRegistry creates a registry over the given capability records
func NewRegistry(caps ...*Capability) *Registry {
	m := make(map[IntegrationCode]*Capability, len(caps))
	for _, c := range caps {
		m[c.Code] = c
	}
	return &Registry{capabilities: m}
}

// Get returns the capability for the integration, or ErrUnknownIntegration
func (r *Registry) Get(code IntegrationCode) (*Capability, error) {
	c, ok := r.capabilities[code]
	if !ok {
		return nil, ErrUnknownIntegration
	}
	return c, nil
}

// List returns all registered capabilities ordered by code
func (r *Registry) List() []*Capability {
	out := make([]*Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
