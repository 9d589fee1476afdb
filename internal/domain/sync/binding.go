package sync

import (
	"time"

	"github.com/google/uuid"
)

// Binding is the persisted 1:1 association between a local entity and its
// remote identifier, together with the sync bookkeeping the orchestrator
// owns exclusively.
type Binding struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Integration IntegrationCode
	// LocalRef is the opaque handle of the local business object
	LocalRef string
	// RemoteID is the remote identifier; nil until bound. Once set it is
	// never cleared except by an explicit Unbind.
	RemoteID *string
	// SyncRequired is true when the entity was modified since the last
	// successful push
	SyncRequired bool
	// LastRemoteState is the last status the remote reported; nil before
	// the first successful round-trip
	LastRemoteState *RemoteState
	// VersionStamp is bumped on each locally-initiated sync
	VersionStamp int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewBinding creates an unsynced binding for a local entity
func NewBinding(tenantID uuid.UUID, integration IntegrationCode, localRef string) (*Binding, error) {
	if tenantID == uuid.Nil {
		return nil, ErrBindingNotFound
	}
	if !integration.IsValid() {
		return nil, ErrUnknownIntegration
	}
	if localRef == "" {
		return nil, ErrBindingNotFound
	}
	now := time.Now()
	return &Binding{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Integration:  integration,
		LocalRef:     localRef,
		SyncRequired: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsBound returns true once a remote identifier has been established
func (b *Binding) IsBound() bool {
	return b.RemoteID != nil && *b.RemoteID != ""
}

// Bind sets the remote identifier. The identifier is immutable: binding
// an already-bound entity to a different id fails with ErrAlreadyBound.
func (b *Binding) Bind(remoteID string) error {
	if remoteID == "" {
		return ErrBindingFailed
	}
	if b.IsBound() {
		if *b.RemoteID == remoteID {
			return nil
		}
		return ErrAlreadyBound
	}
	b.RemoteID = &remoteID
	b.UpdatedAt = time.Now()
	return nil
}

// Unbind clears the remote identifier. Callers must have issued the
// remote deactivation first; this is the only path that clears RemoteID.
func (b *Binding) Unbind() {
	b.RemoteID = nil
	b.LastRemoteState = nil
	b.SyncRequired = false
	b.UpdatedAt = time.Now()
}

// MarkSyncRequired flags the entity as locally modified
func (b *Binding) MarkSyncRequired() {
	b.SyncRequired = true
	b.UpdatedAt = time.Now()
}

// ApplyRemoteState records the remote-reported state after a successful
// round-trip and clears the dirty flag for accepted outcomes.
func (b *Binding) ApplyRemoteState(state RemoteState) {
	s := state
	b.LastRemoteState = &s
	if state.IsRegistered() {
		b.SyncRequired = false
	}
	b.UpdatedAt = time.Now()
}

// BumpVersion increments the monotonic version stamp. Called once per
// locally-initiated sync attempt.
func (b *Binding) BumpVersion() {
	b.VersionStamp++
	b.UpdatedAt = time.Now()
}

// IsCancellable returns true if a cancel submission may be issued
func (b *Binding) IsCancellable() bool {
	return b.IsBound() && b.LastRemoteState != nil && b.LastRemoteState.IsRegistered()
}
