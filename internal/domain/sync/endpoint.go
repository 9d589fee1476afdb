package sync

import "time"

// Endpoint is a resolved remote target for one operation
type Endpoint struct {
	URL     string
	Method  string
	Headers map[string]string
	// Timeout overrides the transport default when non-zero
	Timeout time.Duration
	// RequireClientCert forces mTLS with DH-free cipher suites
	RequireClientCert bool
}

// EndpointResolver maps (integration, mode, operation) onto a concrete
// URL and auth headers. Resolution fails with ErrConfigMissing when the
// integration or the operation has no endpoint configured.
type EndpointResolver interface {
	Resolve(integration IntegrationCode, mode Mode, op Operation) (*Endpoint, error)
}

// StaticEndpointResolver resolves endpoints from an immutable per-run
// table, keyed by integration and mode. This is the production resolver;
// the table is built from persisted configuration at startup.
type StaticEndpointResolver struct {
	table map[IntegrationCode]map[Mode]map[Operation]Endpoint
}

// NewStaticEndpointResolver creates a resolver over the given table
func NewStaticEndpointResolver(table map[IntegrationCode]map[Mode]map[Operation]Endpoint) *StaticEndpointResolver {
	return &StaticEndpointResolver{table: table}
}

// Resolve implements EndpointResolver
func (r *StaticEndpointResolver) Resolve(integration IntegrationCode, mode Mode, op Operation) (*Endpoint, error) {
	modes, ok := r.table[integration]
	if !ok {
		return nil, ErrConfigMissing
	}
	ops, ok := modes[mode]
	if !ok {
		return nil, ErrConfigMissing
	}
	ep, ok := ops[op]
	if !ok {
		return nil, ErrConfigMissing
	}
	return &ep, nil
}

var _ EndpointResolver = (*StaticEndpointResolver)(nil)
