package sync

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// DocumentStatus
// ---------------------------------------------------------------------------

// DocumentStatus is the lifecycle status of a submission document
type DocumentStatus string

const (
	// DocumentStatusPending indicates the document row is committed but the
	// transport call has not completed
	DocumentStatusPending DocumentStatus = "PENDING"
	// DocumentStatusSent indicates the transport call completed and the
	// response is being classified
	DocumentStatusSent DocumentStatus = "SENT"
	// DocumentStatusRejected indicates the remote rejected the submission
	DocumentStatusRejected DocumentStatus = "REJECTED"
	// DocumentStatusRegisteredWithErrors indicates the remote registered the
	// submission but reported line-level errors
	DocumentStatusRegisteredWithErrors DocumentStatus = "REGISTERED_WITH_ERRORS"
	// DocumentStatusAccepted indicates the remote fully accepted the submission
	DocumentStatusAccepted DocumentStatus = "ACCEPTED"
	// DocumentStatusCancelled indicates an accepted registration was revoked
	DocumentStatusCancelled DocumentStatus = "CANCELLED"
	// DocumentStatusSendingFailed indicates the submission never reached the
	// remote (transport failure or fail-fast validation)
	DocumentStatusSendingFailed DocumentStatus = "SENDING_FAILED"
)

// IsValid returns true if the status is valid
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusSent, DocumentStatusRejected,
		DocumentStatusRegisteredWithErrors, DocumentStatusAccepted,
		DocumentStatusCancelled, DocumentStatusSendingFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of DocumentStatus
func (s DocumentStatus) String() string {
	return string(s)
}

// IsTerminal returns true once no further transition is allowed except
// the accepted->cancelled revocation
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusRejected, DocumentStatusRegisteredWithErrors,
		DocumentStatusAccepted, DocumentStatusCancelled, DocumentStatusSendingFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the monotone status lattice:
//
//	PENDING -> SENT -> {REJECTED, SENDING_FAILED, REGISTERED_WITH_ERRORS, ACCEPTED}
//	PENDING -> SENDING_FAILED   (fail-fast validation, crash recovery)
//	ACCEPTED -> CANCELLED
//
// No other transitions exist.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	switch s {
	case DocumentStatusPending:
		return next == DocumentStatusSent || next == DocumentStatusSendingFailed
	case DocumentStatusSent:
		switch next {
		case DocumentStatusRejected, DocumentStatusSendingFailed,
			DocumentStatusRegisteredWithErrors, DocumentStatusAccepted:
			return true
		}
		return false
	case DocumentStatusAccepted:
		return next == DocumentStatusCancelled
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// ChainScope
// ---------------------------------------------------------------------------

// ChainScope is the unit within which documents form a hash chain
type ChainScope struct {
	Integration IntegrationCode
	TenantID    uuid.UUID
	// ChainKind distinguishes chains of different document families,
	// e.g. sale invoices from purchase registrations
	ChainKind string
}

// Key returns a stable string key for lock and index purposes
func (s ChainScope) Key() string {
	return string(s.Integration) + "/" + s.TenantID.String() + "/" + s.ChainKind
}

// IsZero returns true when the document does not participate in a chain
func (s ChainScope) IsZero() bool {
	return s.ChainKind == ""
}

// ---------------------------------------------------------------------------
// SyncDocument
// ---------------------------------------------------------------------------

// ChainIndexReleased marks a chained document whose position was freed
// after a failed outcome. The document stays on record with its
// fingerprints; the index is available to the next submission.
const ChainIndexReleased int64 = -1

// SyncDocument is one record of an outbound submission and its response.
// Payload and chain fields are immutable after creation, except that a
// failed outcome releases the chain index; response fields are written
// exactly once via Finalize.
type SyncDocument struct {
	ID          uuid.UUID
	// Seq is a monotonic per-store sequence used for ordering guarantees
	Seq         int64
	BindingID   uuid.UUID
	TenantID    uuid.UUID
	Integration IntegrationCode
	Operation   Operation
	Status      DocumentStatus
	// Payload is the encoded request body as sent on the wire
	Payload []byte
	// Response is the raw response body; empty until finalized
	Response []byte
	// Errors holds the remote-reported business errors, if any
	Errors []RemoteError
	// FailReason describes a SENDING_FAILED cause (payload-incomplete,
	// auth, timeout, ...)
	FailReason string

	// Chain fields; zero-valued for non-chained integrations
	ChainKind              string
	ChainIndex             int64
	Fingerprint            string
	PredecessorFingerprint string

	CreatedAt   time.Time
	RespondedAt *time.Time
}

// NewSyncDocument creates a pending document for an outbound submission
func NewSyncDocument(binding *Binding, op Operation, payload []byte) (*SyncDocument, error) {
	if binding == nil {
		return nil, ErrBindingNotFound
	}
	if !op.IsValid() {
		return nil, ErrUnknownOperation
	}
	return &SyncDocument{
		ID:          uuid.New(),
		BindingID:   binding.ID,
		TenantID:    binding.TenantID,
		Integration: binding.Integration,
		Operation:   op,
		Status:      DocumentStatusPending,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}, nil
}

// Scope returns the chain scope of the document
func (d *SyncDocument) Scope() ChainScope {
	return ChainScope{Integration: d.Integration, TenantID: d.TenantID, ChainKind: d.ChainKind}
}

// IsChained returns true if the document participates in a hash chain
func (d *SyncDocument) IsChained() bool {
	return d.ChainKind != ""
}

// HoldsChainSlot reports whether the document occupies a chain position.
// Released documents keep their kind and fingerprints but no index.
func (d *SyncDocument) HoldsChainSlot() bool {
	return d.IsChained() && d.ChainIndex != ChainIndexReleased
}

// AttachChain stamps the chain position before the document is persisted
func (d *SyncDocument) AttachChain(kind string, index int64, fingerprint, predecessor string) {
	d.ChainKind = kind
	d.ChainIndex = index
	d.Fingerprint = fingerprint
	d.PredecessorFingerprint = predecessor
}

// Finalize records the response and the classified terminal status.
// A second call fails with ErrDocumentFinalized; a transition outside
// the lattice fails with ErrInvalidStatusTransition.
func (d *SyncDocument) Finalize(status DocumentStatus, response []byte, errs []RemoteError) error {
	if d.RespondedAt != nil {
		return ErrDocumentFinalized
	}
	if !status.IsTerminal() {
		return ErrInvalidStatusTransition
	}
	// PENDING passes through SENT for remote-classified outcomes.
	from := d.Status
	if from == DocumentStatusPending && status != DocumentStatusSendingFailed {
		if !from.CanTransitionTo(DocumentStatusSent) {
			return ErrInvalidStatusTransition
		}
		from = DocumentStatusSent
	}
	if !from.CanTransitionTo(status) {
		return ErrInvalidStatusTransition
	}
	now := time.Now()
	d.Status = status
	d.Response = response
	d.Errors = errs
	d.RespondedAt = &now

	// A failed document never anchors the chain; releasing its index
	// keeps the member sequence gap-free for the next submission.
	if d.IsChained() && (status == DocumentStatusRejected || status == DocumentStatusSendingFailed) {
		d.ChainIndex = ChainIndexReleased
	}
	return nil
}

// FailSending finalizes the document as SENDING_FAILED with a reason
func (d *SyncDocument) FailSending(reason string, response []byte) error {
	if err := d.Finalize(DocumentStatusSendingFailed, response, nil); err != nil {
		return err
	}
	d.FailReason = reason
	return nil
}

// MarkCancelled transitions an accepted registration to CANCELLED after a
// successful revocation round-trip. This is the only post-finalization
// transition the lattice allows.
func (d *SyncDocument) MarkCancelled() error {
	if !d.Status.CanTransitionTo(DocumentStatusCancelled) {
		return ErrInvalidStatusTransition
	}
	d.Status = DocumentStatusCancelled
	return nil
}

// IsValidPredecessor reports whether the document may anchor the next
// chained registration. Failed and rejected documents never do; a
// REGISTERED_WITH_ERRORS document only when the integration permits it.
func (d *SyncDocument) IsValidPredecessor(allowImperfect bool) bool {
	if !d.IsChained() {
		return false
	}
	switch d.Status {
	case DocumentStatusAccepted, DocumentStatusCancelled:
		return true
	case DocumentStatusRegisteredWithErrors:
		return allowImperfect
	default:
		return false
	}
}
