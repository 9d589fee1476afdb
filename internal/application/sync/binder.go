package sync

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// Binder establishes the remote identity of an unbound entity before its
// first registration. It searches the remote by the codec's metadata
// filters and adopts an existing object instead of creating a duplicate.
type Binder struct {
	sender transport.Sender
	logger *zap.Logger
}

// NewBinder creates an identity binder over the transport
func NewBinder(sender transport.Sender, zapLogger *zap.Logger) *Binder {
	return &Binder{sender: sender, logger: zapLogger.Named("binder")}
}

// Resolve binds the entity to an existing remote object when exactly one
// matches. A nil filter set, a missing search endpoint or an empty result
// all mean "create"; multiple indistinguishable candidates fail with
// ErrAmbiguousBinding.
func (b *Binder) Resolve(ctx context.Context, capability *domain.Capability, snapshot *domain.EntitySnapshot, binding *domain.Binding) error {
	if binding.IsBound() {
		return nil
	}

	filters := capability.Codec.SearchFilters(snapshot)
	if filters == nil {
		return nil
	}

	body, err := json.Marshal(filters)
	if err != nil {
		return err
	}

	resp, err := b.sender.Send(ctx, &transport.Request{
		Integration: capability.Code,
		Mode:        capability.Mode,
		Operation:   domain.OperationSearch,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		// no search endpoint configured means the integration is
		// create-only
		if errors.Is(err, domain.ErrConfigMissing) {
			return nil
		}
		return err
	}

	candidates, err := capability.Codec.DecodeSearch(resp.Body)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	remoteID, err := pickCandidate(candidates, snapshot.LocalRef)
	if err != nil {
		return err
	}
	if remoteID == "" {
		return nil
	}

	if err := binding.Bind(remoteID); err != nil {
		return err
	}
	logger.WithLogger(ctx, b.logger).Info("entity bound to existing remote object",
		zap.String("integration", capability.Code.String()),
		zap.String("local_ref", snapshot.LocalRef),
		zap.String("remote_id", remoteID),
	)
	return nil
}

// pickCandidate applies the disambiguation order: a locally-embedded
// reference marker wins outright, then a single active candidate. More
// than one match at either level is ambiguous and needs an operator.
func pickCandidate(candidates []domain.RemoteCandidate, localRef string) (string, error) {
	var marked []domain.RemoteCandidate
	for _, c := range candidates {
		if c.LocalRefMarker != "" && c.LocalRefMarker == localRef {
			marked = append(marked, c)
		}
	}
	switch len(marked) {
	case 1:
		return marked[0].RemoteID, nil
	default:
		if len(marked) > 1 {
			return "", domain.ErrAmbiguousBinding
		}
	}

	var active []domain.RemoteCandidate
	for _, c := range candidates {
		if c.Active {
			active = append(active, c)
		}
	}
	switch len(active) {
	case 0:
		return "", nil
	case 1:
		return active[0].RemoteID, nil
	default:
		return "", domain.ErrAmbiguousBinding
	}
}
