package transport

import (
	gosync "sync"

	"github.com/erp/synccore/internal/domain/sync"
)

// DemoHandler produces a canned response for one operation
type DemoHandler func(req *Request) *Response

// DemoResponder short-circuits the network for DEMO mode. Connectors
// register one handler per operation at startup; unregistered operations
// fail with ErrConfigMissing so a demo run never silently no-ops.
type DemoResponder struct {
	mu       gosync.RWMutex
	handlers map[sync.IntegrationCode]map[sync.Operation]DemoHandler
}

// NewDemoResponder creates an empty responder
func NewDemoResponder() *DemoResponder {
	return &DemoResponder{handlers: make(map[sync.IntegrationCode]map[sync.Operation]DemoHandler)}
}

// Register installs the handler for an (integration, operation) pair
func (d *DemoResponder) Register(integration sync.IntegrationCode, op sync.Operation, handler DemoHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops, ok := d.handlers[integration]
	if !ok {
		ops = make(map[sync.Operation]DemoHandler)
		d.handlers[integration] = ops
	}
	ops[op] = handler
}

// Respond produces the canned response for a request
func (d *DemoResponder) Respond(req *Request) (*Response, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ops, ok := d.handlers[req.Integration]
	if !ok {
		return nil, sync.ErrConfigMissing
	}
	handler, ok := ops[req.Operation]
	if !ok {
		return nil, sync.ErrConfigMissing
	}
	resp := handler(req)
	if resp.MIME == "" {
		resp.MIME = sync.DetectMIME(resp.ContentType, resp.Body)
	}
	return resp, nil
}
