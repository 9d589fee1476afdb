// Package connectors assembles the per-integration capability records
// from configuration: codec, webhook authenticator, endpoint table and,
// for DEMO mode, canned transport handlers.
package connectors

import (
	"fmt"
	"strings"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/config"
	"github.com/erp/synccore/internal/infrastructure/connectors/einvoice"
	"github.com/erp/synccore/internal/infrastructure/connectors/issuing"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// Built is the wired integration surface handed to the orchestrator
type Built struct {
	Registry *sync.Registry
	Resolver sync.EndpointResolver
	Demo     *transport.DemoResponder
}

// Build wires one capability per configured integration block
func Build(cfg *config.Config) (*Built, error) {
	var caps []*sync.Capability
	table := make(map[sync.IntegrationCode]map[sync.Mode]map[sync.Operation]sync.Endpoint)
	demo := transport.NewDemoResponder()

	for i := range cfg.Integrations {
		ic := &cfg.Integrations[i]
		code := sync.IntegrationCode(strings.ToUpper(ic.Code))
		if !code.IsValid() {
			return nil, fmt.Errorf("connectors: unknown integration %q", ic.Code)
		}
		mode := sync.Mode(strings.ToUpper(ic.Mode))
		if !mode.IsValid() {
			return nil, fmt.Errorf("connectors: unknown mode %q for %s", ic.Mode, code)
		}

		capability, err := buildCapability(code, mode, ic)
		if err != nil {
			return nil, err
		}
		caps = append(caps, capability)

		if mode == sync.ModeDemo {
			registerDemoHandlers(demo, code)
			continue
		}

		endpoints, err := buildEndpoints(code, ic)
		if err != nil {
			return nil, err
		}
		if table[code] == nil {
			table[code] = make(map[sync.Mode]map[sync.Operation]sync.Endpoint)
		}
		table[code][mode] = endpoints
	}

	return &Built{
		Registry: sync.NewRegistry(caps...),
		Resolver: sync.NewStaticEndpointResolver(table),
		Demo:     demo,
	}, nil
}

func buildCapability(code sync.IntegrationCode, mode sync.Mode, ic *config.IntegrationConfig) (*sync.Capability, error) {
	capability := &sync.Capability{
		Code:         code,
		Mode:         mode,
		PollInterval: ic.PollInterval,
		BackoffBase:  ic.BackoffBase,
		BackoffCap:   ic.BackoffCap,
	}
	switch code {
	case sync.IntegrationCodeIssuing:
		capability.Codec = issuing.NewCodec()
		capability.Webhook = issuing.NewHMACAuthenticator(ic.WebhookSecret)
	case sync.IntegrationCodeEInvoice:
		capability.Codec = einvoice.NewCodec()
		capability.Webhook = einvoice.NewJWTAuthenticator(ic.WebhookSecret)
		capability.Chained = true
		capability.AllowImperfectPredecessor = ic.AllowImperfectPredecessor
		capability.AuthExpiredCodes = []string{einvoice.AuthExpiredCode}
	default:
		return nil, fmt.Errorf("connectors: no codec for %s", code)
	}
	return capability, nil
}

func registerDemoHandlers(demo *transport.DemoResponder, code sync.IntegrationCode) {
	var handlers map[sync.Operation]transport.DemoHandler
	switch code {
	case sync.IntegrationCodeIssuing:
		handlers = issuing.DemoHandlers()
	case sync.IntegrationCodeEInvoice:
		handlers = einvoice.DemoHandlers()
	}
	for op, h := range handlers {
		demo.Register(code, op, h)
	}
}

// operationKeys maps the config file's lowercase endpoint keys onto
// operations. The search endpoint is only used by the identity binder.
var operationKeys = map[string]sync.Operation{
	"register": sync.OperationRegister,
	"update":   sync.OperationUpdate,
	"cancel":   sync.OperationCancel,
	"query":    sync.OperationQuery,
	"search":   sync.OperationSearch,
}

func buildEndpoints(code sync.IntegrationCode, ic *config.IntegrationConfig) (map[sync.Operation]sync.Endpoint, error) {
	out := make(map[sync.Operation]sync.Endpoint, len(ic.Endpoints))
	for key, u := range ic.Endpoints {
		op, ok := operationKeys[strings.ToLower(key)]
		if !ok {
			return nil, fmt.Errorf("connectors: unknown endpoint key %q for %s", key, code)
		}
		out[op] = sync.Endpoint{
			URL:               u,
			Method:            "POST",
			Timeout:           ic.Timeout,
			RequireClientCert: ic.RequireClientCert,
		}
	}
	if _, ok := out[sync.OperationRegister]; !ok {
		return nil, fmt.Errorf("connectors: %s has no register endpoint", code)
	}
	return out, nil
}
