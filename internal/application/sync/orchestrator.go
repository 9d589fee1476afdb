// Package sync orchestrates outbound synchronization: it owns the
// submission state machine, the identity binder, the status poller and
// the webhook ingress. Collaborating modules hand in entity snapshots
// and never talk to remotes directly.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"github.com/erp/synccore/internal/infrastructure/telemetry"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// SubmitResult is the outcome of one submission round-trip
type SubmitResult struct {
	DocumentID uuid.UUID             `json:"document_id"`
	Operation  domain.Operation      `json:"operation"`
	Status     domain.DocumentStatus `json:"status"`
	RemoteID   string                `json:"remote_id,omitempty"`
	// Extracted carries remote-computed values the collaborator may
	// persist locally (card last4, expiration, receipt codes)
	Extracted  map[string]string    `json:"extracted,omitempty"`
	Errors     []domain.RemoteError `json:"errors,omitempty"`
	FailReason string               `json:"fail_reason,omitempty"`
}

// Orchestrator drives the submission state machine. All binding writes
// and all document writes go through here.
type Orchestrator struct {
	registry    *domain.Registry
	bindings    domain.BindingRepository
	documents   domain.DocumentRepository
	credentials domain.CredentialStore
	sender      transport.Sender
	binder      *Binder

	// entityLocks serializes submissions per entity; scopeLocks
	// serializes chain stamping per chain scope. The transport call never
	// runs under a scope lock.
	entityLocks *keyedLocks
	scopeLocks  *keyedLocks

	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
}

// NewOrchestrator creates the sync orchestrator
func NewOrchestrator(
	registry *domain.Registry,
	bindings domain.BindingRepository,
	documents domain.DocumentRepository,
	credentials domain.CredentialStore,
	sender transport.Sender,
	binder *Binder,
	zapLogger *zap.Logger,
	metrics *telemetry.SyncMetrics,
) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		bindings:    bindings,
		documents:   documents,
		credentials: credentials,
		sender:      sender,
		binder:      binder,
		entityLocks: newKeyedLocks(),
		scopeLocks:  newKeyedLocks(),
		logger:      zapLogger.Named("orchestrator"),
		metrics:     metrics,
	}
}

func entityKey(tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) string {
	return integration.String() + "/" + tenantID.String() + "/" + localRef
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

// Submit pushes a local entity to its remote service. Unbound entities
// are registered (after an identity search); bound entities receive an
// update restricted to the synchronized field subset.
func (o *Orchestrator) Submit(ctx context.Context, snapshot *domain.EntitySnapshot) (*SubmitResult, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	capability, err := o.registry.Get(snapshot.Integration)
	if err != nil {
		return nil, err
	}

	unlock := o.entityLocks.Lock(entityKey(snapshot.TenantID, snapshot.Integration, snapshot.LocalRef))
	defer unlock()

	binding, err := o.findOrCreateBinding(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	// Establish remote identity before the first registration. Chained
	// integrations are create-only; the binder short-circuits on a nil
	// filter set.
	if !binding.IsBound() {
		if err := o.binder.Resolve(ctx, capability, snapshot, binding); err != nil {
			return nil, err
		}
		if binding.IsBound() {
			if err := o.bindings.Save(ctx, binding); err != nil {
				return nil, err
			}
		}
	}

	// A bound entity always receives an update: the remote object exists,
	// re-registering would duplicate it.
	op := domain.OperationRegister
	if binding.IsBound() {
		op = domain.OperationUpdate
	}

	return o.submit(ctx, capability, snapshot, binding, op, nil)
}

// Cancel revokes the entity's accepted registration. The revocation is a
// new document; the accepted registration document transitions to
// CANCELLED only after the remote confirms.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*SubmitResult, error) {
	capability, err := o.registry.Get(integration)
	if err != nil {
		return nil, err
	}

	unlock := o.entityLocks.Lock(entityKey(tenantID, integration, localRef))
	defer unlock()

	binding, err := o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
	if err != nil {
		return nil, err
	}
	if !binding.IsCancellable() {
		return nil, domain.ErrNotCancellable
	}

	accepted, err := o.documents.LatestAccepted(ctx, binding.ID)
	if err != nil {
		return nil, err
	}
	if accepted == nil {
		return nil, domain.ErrNotCancellable
	}

	snapshot := &domain.EntitySnapshot{
		TenantID:    tenantID,
		Integration: integration,
		LocalRef:    localRef,
	}
	return o.submit(ctx, capability, snapshot, binding, domain.OperationCancel, accepted)
}

// Query asks the remote for the entity's current status and applies the
// verdict to the binding. Used by the poller and the webhook ingress.
func (o *Orchestrator) Query(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*SubmitResult, error) {
	capability, err := o.registry.Get(integration)
	if err != nil {
		return nil, err
	}

	unlock := o.entityLocks.Lock(entityKey(tenantID, integration, localRef))
	defer unlock()

	binding, err := o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
	if err != nil {
		return nil, err
	}
	if !binding.IsBound() {
		return nil, domain.ErrBindingNotFound
	}

	snapshot := &domain.EntitySnapshot{
		TenantID:    tenantID,
		Integration: integration,
		LocalRef:    localRef,
	}
	return o.submit(ctx, capability, snapshot, binding, domain.OperationQuery, nil)
}

// Resend replays a SENDING_FAILED submission from its stored payload as a
// new document. Used by the poller to retry transport failures; a
// submission that failed validation needs a changed snapshot and reports
// ErrNotRetryable, as does a document superseded by a newer one.
func (o *Orchestrator) Resend(ctx context.Context, documentID uuid.UUID) (*SubmitResult, error) {
	failed, err := o.documents.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if failed.Status != domain.DocumentStatusSendingFailed ||
		!failed.Operation.IsMutating() ||
		strings.HasPrefix(failed.FailReason, "payload-incomplete") {
		return nil, domain.ErrNotRetryable
	}
	capability, err := o.registry.Get(failed.Integration)
	if err != nil {
		return nil, err
	}
	binding, err := o.bindings.FindByID(ctx, failed.BindingID)
	if err != nil {
		return nil, err
	}

	unlock := o.entityLocks.Lock(entityKey(binding.TenantID, binding.Integration, binding.LocalRef))
	defer unlock()

	// A newer document supersedes the failed one; its outcome governs.
	latest, err := o.documents.LatestOf(ctx, binding.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.ID != failed.ID {
		return nil, domain.ErrNotRetryable
	}

	var cancelOf *domain.SyncDocument
	if failed.Operation == domain.OperationCancel {
		cancelOf, err = o.documents.LatestAccepted(ctx, binding.ID)
		if err != nil {
			return nil, err
		}
		if cancelOf == nil {
			return nil, domain.ErrNotRetryable
		}
	}

	doc, err := domain.NewSyncDocument(binding, failed.Operation, failed.Payload)
	if err != nil {
		return nil, err
	}
	if failed.IsChained() {
		if err := o.restampChain(ctx, capability, failed, binding, doc); err != nil {
			return nil, err
		}
	} else if err := o.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	binding.BumpVersion()
	if err := o.bindings.Save(ctx, binding); err != nil {
		return nil, err
	}

	log := logger.WithLogger(ctx, o.logger).With(
		zap.String("integration", capability.Code.String()),
		zap.String("local_ref", binding.LocalRef),
		zap.String("operation", failed.Operation.String()),
		zap.String("resend_of", failed.ID.String()),
	)

	resp, sendErr := o.sender.Send(ctx, &transport.Request{
		Integration:      capability.Code,
		Mode:             capability.Mode,
		Operation:        failed.Operation,
		Body:             failed.Payload,
		ContentType:      capability.Codec.ContentType(),
		IdempotencyKey:   doc.ID.String(),
		AuthExpiredCodes: capability.AuthExpiredCodes,
	})
	if sendErr != nil {
		if resp == nil {
			return o.failSending(ctx, binding, doc, sendErr, log)
		}
		return o.failSendingWithResponse(ctx, binding, doc, resp.Body, sendErr, log)
	}
	return o.classify(ctx, capability, binding, doc, failed.Operation, cancelOf, resp, log)
}

// restampChain re-enters the failed document's payload into the chain.
// The stored payload embeds its original predecessor, so it may only
// re-enter while that predecessor is still the head; the fingerprint is
// unchanged because payload and predecessor are.
func (o *Orchestrator) restampChain(ctx context.Context, capability *domain.Capability, failed *domain.SyncDocument, binding *domain.Binding, doc *domain.SyncDocument) error {
	scope := failed.Scope()
	unlock := o.scopeLocks.Lock(scope.Key())
	defer unlock()

	head, err := o.documents.ChainHead(ctx, scope, capability.AllowImperfectPredecessor)
	if err != nil {
		return err
	}
	headFingerprint := ""
	var index int64
	if head != nil {
		headFingerprint = head.Fingerprint
		index = head.ChainIndex + 1
	}
	if headFingerprint != failed.PredecessorFingerprint {
		// the chain moved on; this payload needs re-encoding from a
		// fresh snapshot
		binding.MarkSyncRequired()
		if err := o.bindings.Save(ctx, binding); err != nil {
			return err
		}
		return domain.ErrNotRetryable
	}
	doc.AttachChain(failed.ChainKind, index, failed.Fingerprint, failed.PredecessorFingerprint)
	return o.documents.Create(ctx, doc)
}

// ---------------------------------------------------------------------------
// Core submission pipeline
// ---------------------------------------------------------------------------

// submit runs encode, fail-fast validation, chain stamping, the remote
// round-trip and classification for one operation. cancelOf is the
// accepted registration being revoked, set for cancels only.
func (o *Orchestrator) submit(ctx context.Context, capability *domain.Capability, snapshot *domain.EntitySnapshot, binding *domain.Binding, op domain.Operation, cancelOf *domain.SyncDocument) (*SubmitResult, error) {
	log := logger.WithLogger(ctx, o.logger).With(
		zap.String("integration", capability.Code.String()),
		zap.String("local_ref", binding.LocalRef),
		zap.String("operation", op.String()),
	)

	ectx := &domain.EncodeContext{}
	if binding.IsBound() {
		ectx.RemoteID = *binding.RemoteID
	}
	if cancelOf != nil {
		ectx.CancelOf = capability.Codec.PredecessorRef(cancelOf)
	}

	// Fail-fast validation runs on an unchained draft payload so an
	// incomplete submission never consumes a chain index.
	draft, err := capability.Codec.Encode(snapshot, op, ectx)
	if err != nil {
		return nil, err
	}
	if missing := capability.Codec.Validate(draft, op); len(missing) > 0 {
		return o.failFast(ctx, binding, op, draft, missing, log)
	}

	var doc *domain.SyncDocument
	payload := draft
	if capability.Chained && op.IsMutating() && op != domain.OperationCancel {
		doc, payload, err = o.stampChain(ctx, capability, snapshot, binding, op, ectx)
		if err != nil {
			return nil, err
		}
	} else {
		doc, err = domain.NewSyncDocument(binding, op, payload.Body)
		if err != nil {
			return nil, err
		}
		if err := o.documents.Create(ctx, doc); err != nil {
			return nil, err
		}
	}

	if op.IsMutating() {
		binding.BumpVersion()
		if err := o.bindings.Save(ctx, binding); err != nil {
			return nil, err
		}
	}

	// Remote round-trip outside any lock broader than the entity.
	resp, sendErr := o.sender.Send(ctx, &transport.Request{
		Integration:      capability.Code,
		Mode:             capability.Mode,
		Operation:        op,
		Body:             payload.Body,
		ContentType:      payload.ContentType,
		IdempotencyKey:   doc.ID.String(),
		AuthExpiredCodes: capability.AuthExpiredCodes,
	})
	if sendErr != nil {
		if resp == nil {
			return o.failSending(ctx, binding, doc, sendErr, log)
		}
		// completed exchange with a retryable HTTP failure; keep the body
		// for diagnosis
		return o.failSendingWithResponse(ctx, binding, doc, resp.Body, sendErr, log)
	}

	return o.classify(ctx, capability, binding, doc, op, cancelOf, resp, log)
}

// stampChain assigns the next chain position under the scope lock and
// persists the pending document inside it, so the unique index can
// reject concurrent stamping from other processes.
func (o *Orchestrator) stampChain(ctx context.Context, capability *domain.Capability, snapshot *domain.EntitySnapshot, binding *domain.Binding, op domain.Operation, ectx *domain.EncodeContext) (*domain.SyncDocument, *domain.Payload, error) {
	scope := domain.ChainScope{
		Integration: capability.Code,
		TenantID:    snapshot.TenantID,
		ChainKind:   snapshot.ChainKind,
	}
	if scope.IsZero() {
		return nil, nil, fmt.Errorf("%w: chained integration requires a chain kind", domain.ErrPayloadIncomplete)
	}

	unlock := o.scopeLocks.Lock(scope.Key())
	defer unlock()

	head, err := o.documents.ChainHead(ctx, scope, capability.AllowImperfectPredecessor)
	if err != nil {
		return nil, nil, err
	}

	// Index 0 opens the chain; every later member sits directly after
	// the current head. Failed documents released their index, so the
	// member sequence stays gap-free.
	var index int64
	chain := &domain.ChainContext{}
	var predecessor string
	if head != nil {
		index = head.ChainIndex + 1
		predecessor = head.Fingerprint
		chain.PredecessorFingerprint = head.Fingerprint
		chain.PredecessorRef = capability.Codec.PredecessorRef(head)
	}
	chain.Index = index
	ectx.Chain = chain

	payload, err := capability.Codec.Encode(snapshot, op, ectx)
	if err != nil {
		return nil, nil, err
	}

	doc, err := domain.NewSyncDocument(binding, op, payload.Body)
	if err != nil {
		return nil, nil, err
	}
	fingerprint := domain.FingerprintPayload(payload.Fields, predecessor)
	doc.AttachChain(snapshot.ChainKind, index, fingerprint, predecessor)

	if err := o.documents.Create(ctx, doc); err != nil {
		return nil, nil, err
	}
	return doc, payload, nil
}

// failFast records a SENDING_FAILED document without touching the
// transport when required fields are missing
func (o *Orchestrator) failFast(ctx context.Context, binding *domain.Binding, op domain.Operation, payload *domain.Payload, missing []string, log *logger.ContextLogger) (*SubmitResult, error) {
	doc, err := domain.NewSyncDocument(binding, op, payload.Body)
	if err != nil {
		return nil, err
	}
	reason := "payload-incomplete: " + strings.Join(missing, ", ")
	if err := doc.FailSending(reason, nil); err != nil {
		return nil, err
	}
	if err := o.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	log.Warn("submission failed validation", zap.Strings("missing_fields", missing))
	o.metrics.RecordDocument(ctx, binding.Integration, op, doc.Status)

	return &SubmitResult{
		DocumentID: doc.ID,
		Operation:  op,
		Status:     doc.Status,
		FailReason: reason,
	}, domain.ErrPayloadIncomplete
}

func (o *Orchestrator) failSending(ctx context.Context, binding *domain.Binding, doc *domain.SyncDocument, cause error, log *logger.ContextLogger) (*SubmitResult, error) {
	return o.failSendingWithResponse(ctx, binding, doc, nil, cause, log)
}

func (o *Orchestrator) failSendingWithResponse(ctx context.Context, binding *domain.Binding, doc *domain.SyncDocument, response []byte, cause error, log *logger.ContextLogger) (*SubmitResult, error) {
	if err := doc.FailSending(cause.Error(), response); err != nil {
		return nil, err
	}
	if err := o.documents.RecordResponse(ctx, doc); err != nil {
		return nil, err
	}

	log.Warn("submission did not complete", zap.Error(cause))
	o.metrics.RecordDocument(ctx, binding.Integration, doc.Operation, doc.Status)

	return &SubmitResult{
		DocumentID: doc.ID,
		Operation:  doc.Operation,
		Status:     doc.Status,
		FailReason: doc.FailReason,
	}, cause
}

// classify parses the response, finalizes the document and applies the
// verdict to the binding
func (o *Orchestrator) classify(ctx context.Context, capability *domain.Capability, binding *domain.Binding, doc *domain.SyncDocument, op domain.Operation, cancelOf *domain.SyncDocument, resp *transport.Response, log *logger.ContextLogger) (*SubmitResult, error) {
	result, decodeErr := capability.Codec.Decode(resp.Body, resp.MIME, op)
	if decodeErr != nil {
		cls := capability.Codec.Classify(resp.Body, resp.MIME)
		if err := doc.Finalize(cls.Status, resp.Body, cls.Errors); err != nil {
			return nil, err
		}
		if err := o.documents.RecordResponse(ctx, doc); err != nil {
			return nil, err
		}
		log.Warn("response classified without decode",
			zap.String("status", cls.Status.String()),
			zap.String("reason", cls.Reason))
		o.metrics.RecordDocument(ctx, binding.Integration, op, doc.Status)
		return &SubmitResult{
			DocumentID: doc.ID,
			Operation:  op,
			Status:     doc.Status,
			Errors:     cls.Errors,
		}, nil
	}

	status := documentStatusFor(op, result.State)
	if err := doc.Finalize(status, resp.Body, result.Errors); err != nil {
		return nil, err
	}
	if err := o.documents.RecordResponse(ctx, doc); err != nil {
		return nil, err
	}

	// A rotated session token must be persisted before anything else can
	// fail; losing it locks the integration out.
	if result.RotatedToken != "" {
		if err := o.credentials.RotateToken(ctx, capability.Code, capability.Mode, result.RotatedToken); err != nil {
			log.Error("rotated token could not be persisted", zap.Error(err))
			return nil, fmt.Errorf("persisting rotated token: %w", err)
		}
	}

	if err := o.applyVerdict(ctx, binding, doc, op, cancelOf, result); err != nil {
		return nil, err
	}

	log.Info("submission finalized",
		zap.String("document_id", doc.ID.String()),
		zap.String("status", doc.Status.String()),
		zap.String("remote_state", result.State.String()))
	o.metrics.RecordDocument(ctx, binding.Integration, op, doc.Status)

	remoteID := ""
	if binding.IsBound() {
		remoteID = *binding.RemoteID
	}
	return &SubmitResult{
		DocumentID: doc.ID,
		Operation:  op,
		Status:     doc.Status,
		RemoteID:   remoteID,
		Extracted:  result.Extracted,
		Errors:     result.Errors,
	}, nil
}

// applyVerdict updates the binding (and, for cancels, the revoked
// document) from a decoded response
func (o *Orchestrator) applyVerdict(ctx context.Context, binding *domain.Binding, doc *domain.SyncDocument, op domain.Operation, cancelOf *domain.SyncDocument, result *domain.DecodeResult) error {
	switch op {
	case domain.OperationRegister:
		if result.State.IsRegistered() {
			if !binding.IsBound() && result.RemoteID == "" {
				return domain.ErrBindingFailed
			}
			if result.RemoteID != "" {
				if err := binding.Bind(result.RemoteID); err != nil {
					return err
				}
			}
		}
		binding.ApplyRemoteState(result.State)

	case domain.OperationUpdate:
		binding.ApplyRemoteState(result.State)

	case domain.OperationCancel:
		if result.State.IsRegistered() || result.State == domain.RemoteStateCancelled {
			if err := o.documents.MarkCancelled(ctx, cancelOf.ID); err != nil {
				return err
			}
			binding.ApplyRemoteState(domain.RemoteStateCancelled)
		} else {
			binding.ApplyRemoteState(result.State)
		}

	case domain.OperationQuery:
		binding.ApplyRemoteState(result.State)
	}

	return o.bindings.Save(ctx, binding)
}

// documentStatusFor maps a decoded remote state onto the document
// lattice. Cancel and query documents record the exchange itself, so a
// confirmed outcome finalizes them as ACCEPTED; the reported entity
// state lands on the binding instead.
func documentStatusFor(op domain.Operation, state domain.RemoteState) domain.DocumentStatus {
	switch op {
	case domain.OperationCancel, domain.OperationQuery:
		switch state {
		case domain.RemoteStateRejected:
			return domain.DocumentStatusRejected
		default:
			return domain.DocumentStatusAccepted
		}
	default:
		switch state {
		case domain.RemoteStateAccepted:
			return domain.DocumentStatusAccepted
		case domain.RemoteStateRegisteredWithErrors:
			return domain.DocumentStatusRegisteredWithErrors
		case domain.RemoteStateCancelled:
			return domain.DocumentStatusRejected
		default:
			return domain.DocumentStatusRejected
		}
	}
}

// ---------------------------------------------------------------------------
// Read side and binding maintenance
// ---------------------------------------------------------------------------

// Status returns the entity's binding
func (o *Orchestrator) Status(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*domain.Binding, error) {
	return o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
}

// History lists the entity's submission documents in creation order
func (o *Orchestrator) History(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string, filter domain.DocumentFilter) ([]domain.SyncDocument, int64, error) {
	binding, err := o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
	if err != nil {
		return nil, 0, err
	}
	return o.documents.History(ctx, binding.ID, filter)
}

// Document returns one submission document
func (o *Orchestrator) Document(ctx context.Context, id uuid.UUID) (*domain.SyncDocument, error) {
	return o.documents.FindByID(ctx, id)
}

// MarkSyncRequired flags the entity as locally modified
func (o *Orchestrator) MarkSyncRequired(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) error {
	unlock := o.entityLocks.Lock(entityKey(tenantID, integration, localRef))
	defer unlock()

	binding, err := o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
	if err != nil {
		return err
	}
	binding.MarkSyncRequired()
	return o.bindings.Save(ctx, binding)
}

// Unbind clears the remote identifier after a confirmed revocation. An
// entity the remote still holds registered cannot be unbound.
func (o *Orchestrator) Unbind(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) error {
	unlock := o.entityLocks.Lock(entityKey(tenantID, integration, localRef))
	defer unlock()

	binding, err := o.bindings.FindByLocalRef(ctx, tenantID, integration, localRef)
	if err != nil {
		return err
	}
	if binding.LastRemoteState != nil && binding.LastRemoteState.IsRegistered() {
		return domain.ErrNotCancellable
	}
	binding.Unbind()
	return o.bindings.Save(ctx, binding)
}

func (o *Orchestrator) findOrCreateBinding(ctx context.Context, snapshot *domain.EntitySnapshot) (*domain.Binding, error) {
	binding, err := o.bindings.FindByLocalRef(ctx, snapshot.TenantID, snapshot.Integration, snapshot.LocalRef)
	if err == nil {
		return binding, nil
	}
	if !errors.Is(err, domain.ErrBindingNotFound) {
		return nil, err
	}
	binding, err = domain.NewBinding(snapshot.TenantID, snapshot.Integration, snapshot.LocalRef)
	if err != nil {
		return nil, err
	}
	if err := o.bindings.Save(ctx, binding); err != nil {
		return nil, err
	}
	return binding, nil
}
