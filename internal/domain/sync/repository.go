package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// BindingRepository
// ---------------------------------------------------------------------------

// BindingRepository persists entity bindings. The orchestrator is the
// sole writer of RemoteID, SyncRequired and LastRemoteState.
type BindingRepository interface {
	// Save creates or updates a binding
	Save(ctx context.Context, binding *Binding) error

	// FindByID finds a binding by its id
	FindByID(ctx context.Context, id uuid.UUID) (*Binding, error)

	// FindByLocalRef finds the binding of a local entity, or
	// ErrBindingNotFound
	FindByLocalRef(ctx context.Context, tenantID uuid.UUID, integration IntegrationCode, localRef string) (*Binding, error)

	// FindByReference resolves a webhook reference against either the
	// remote id or the local ref of a binding
	FindByReference(ctx context.Context, integration IntegrationCode, reference string) (*Binding, error)

	// Delete removes a binding after an explicit unbind
	Delete(ctx context.Context, id uuid.UUID) error
}

// ---------------------------------------------------------------------------
// DocumentRepository
// ---------------------------------------------------------------------------

// DocumentFilter narrows history listings
type DocumentFilter struct {
	Operation *Operation
	Status    *DocumentStatus
	Page      int
	PageSize  int
}

// StaleDocument pairs a non-terminal document with its binding for the
// poller's scan
type StaleDocument struct {
	Document *SyncDocument
	Binding  *Binding
}

// DocumentRepository is the append-only submission document registry.
// Payload and chain fields never mutate after Create; response fields are
// written exactly once via RecordResponse.
type DocumentRepository interface {
	// Create persists a pending document. Within a chain scope the
	// unique (scope, chain_index) constraint rejects concurrent stamping.
	Create(ctx context.Context, doc *SyncDocument) error

	// RecordResponse writes the finalized status, response and errors.
	// A document already finalized fails with ErrDocumentFinalized.
	RecordResponse(ctx context.Context, doc *SyncDocument) error

	// MarkCancelled applies the accepted -> cancelled transition to a
	// registration document
	MarkCancelled(ctx context.Context, id uuid.UUID) error

	// FindByID finds a document by id
	FindByID(ctx context.Context, id uuid.UUID) (*SyncDocument, error)

	// History lists a binding's documents in creation order
	History(ctx context.Context, bindingID uuid.UUID, filter DocumentFilter) ([]SyncDocument, int64, error)

	// LatestOf returns the most recent document of a binding, or nil
	LatestOf(ctx context.Context, bindingID uuid.UUID) (*SyncDocument, error)

	// LatestAccepted returns the most recent ACCEPTED registration of a
	// binding, or nil
	LatestAccepted(ctx context.Context, bindingID uuid.UUID) (*SyncDocument, error)

	// ChainHead returns the chain predecessor candidate: the highest
	// chain-index document of the scope that is a valid predecessor.
	// Returns nil when the chain is empty. The next document takes
	// index head.ChainIndex+1, or 0 for an empty chain.
	ChainHead(ctx context.Context, scope ChainScope, allowImperfect bool) (*SyncDocument, error)

	// FindStale selects documents in the given statuses whose last
	// transition is older than the cutoff, for the poller
	FindStale(ctx context.Context, integration IntegrationCode, statuses []DocumentStatus, olderThan time.Time, limit int) ([]StaleDocument, error)
}
