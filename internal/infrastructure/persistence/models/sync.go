package models

import (
	"encoding/json"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/google/uuid"
)

// BindingModel is the persistence model for the Binding domain entity.
type BindingModel struct {
	ID              uuid.UUID            `gorm:"type:uuid;primary_key"`
	TenantID        uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:idx_binding_local_ref,priority:1"`
	Integration     sync.IntegrationCode `gorm:"type:varchar(20);not null;uniqueIndex:idx_binding_local_ref,priority:2;index:idx_binding_remote,priority:1"`
	LocalRef        string               `gorm:"type:varchar(255);not null;uniqueIndex:idx_binding_local_ref,priority:3"`
	RemoteID        *string              `gorm:"type:varchar(255);index:idx_binding_remote,priority:2"`
	SyncRequired    bool                 `gorm:"not null;default:true"`
	LastRemoteState *string              `gorm:"type:varchar(30)"`
	VersionStamp    int64                `gorm:"not null;default:0"`
	CreatedAt       time.Time            `gorm:"not null"`
	UpdatedAt       time.Time            `gorm:"not null"`
}

// TableName returns the table name for GORM
func (BindingModel) TableName() string {
	return "sync_bindings"
}

// ToDomain converts the persistence model to a domain Binding entity.
func (m *BindingModel) ToDomain() *sync.Binding {
	b := &sync.Binding{
		ID:           m.ID,
		TenantID:     m.TenantID,
		Integration:  m.Integration,
		LocalRef:     m.LocalRef,
		RemoteID:     m.RemoteID,
		SyncRequired: m.SyncRequired,
		VersionStamp: m.VersionStamp,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.LastRemoteState != nil {
		state := sync.RemoteState(*m.LastRemoteState)
		b.LastRemoteState = &state
	}
	return b
}

// FromDomain populates the persistence model from a domain Binding entity.
func (m *BindingModel) FromDomain(b *sync.Binding) {
	m.ID = b.ID
	m.TenantID = b.TenantID
	m.Integration = b.Integration
	m.LocalRef = b.LocalRef
	m.RemoteID = b.RemoteID
	m.SyncRequired = b.SyncRequired
	m.VersionStamp = b.VersionStamp
	m.CreatedAt = b.CreatedAt
	m.UpdatedAt = b.UpdatedAt
	if b.LastRemoteState != nil {
		state := b.LastRemoteState.String()
		m.LastRemoteState = &state
	} else {
		m.LastRemoteState = nil
	}
}

// BindingModelFromDomain creates a new persistence model from a domain Binding.
func BindingModelFromDomain(b *sync.Binding) *BindingModel {
	m := &BindingModel{}
	m.FromDomain(b)
	return m
}

// SyncDocumentModel is the persistence model for the SyncDocument entity.
// The unique chain index enforces gap-free stamping per scope; rows with an
// empty chain kind stay outside the constraint.
type SyncDocumentModel struct {
	ID          uuid.UUID            `gorm:"type:uuid;primary_key"`
	Seq         int64                `gorm:"autoIncrement"`
	BindingID   uuid.UUID            `gorm:"type:uuid;not null;index:idx_sync_document_binding"`
	TenantID    uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:idx_sync_document_chain,priority:2"`
	Integration sync.IntegrationCode `gorm:"type:varchar(20);not null;uniqueIndex:idx_sync_document_chain,priority:1"`
	Operation   sync.Operation       `gorm:"type:varchar(20);not null"`
	Status      sync.DocumentStatus  `gorm:"type:varchar(30);not null;index:idx_sync_document_status"`
	Payload     []byte               `gorm:"type:bytea"`
	Response    []byte               `gorm:"type:bytea"`
	ErrorsJSON  string               `gorm:"type:jsonb;column:errors"`
	FailReason  string               `gorm:"type:varchar(100)"`

	ChainKind              string `gorm:"type:varchar(50);uniqueIndex:idx_sync_document_chain,priority:3"`
	ChainIndex             int64  `gorm:"uniqueIndex:idx_sync_document_chain,priority:4,where:chain_kind <> '' AND chain_index >= 0"`
	Fingerprint            string `gorm:"type:char(64)"`
	PredecessorFingerprint string `gorm:"type:char(64)"`

	CreatedAt   time.Time `gorm:"not null;index"`
	RespondedAt *time.Time
}

// TableName returns the table name for GORM
func (SyncDocumentModel) TableName() string {
	return "sync_documents"
}

// ToDomain converts the persistence model to a domain SyncDocument entity.
func (m *SyncDocumentModel) ToDomain() *sync.SyncDocument {
	doc := &sync.SyncDocument{
		ID:                     m.ID,
		Seq:                    m.Seq,
		BindingID:              m.BindingID,
		TenantID:               m.TenantID,
		Integration:            m.Integration,
		Operation:              m.Operation,
		Status:                 m.Status,
		Payload:                m.Payload,
		Response:               m.Response,
		FailReason:             m.FailReason,
		ChainKind:              m.ChainKind,
		ChainIndex:             m.ChainIndex,
		Fingerprint:            m.Fingerprint,
		PredecessorFingerprint: m.PredecessorFingerprint,
		CreatedAt:              m.CreatedAt,
		RespondedAt:            m.RespondedAt,
	}
	if m.ErrorsJSON != "" {
		var errs []sync.RemoteError
		if err := json.Unmarshal([]byte(m.ErrorsJSON), &errs); err == nil {
			doc.Errors = errs
		}
	}
	return doc
}

// FromDomain populates the persistence model from a domain SyncDocument.
func (m *SyncDocumentModel) FromDomain(d *sync.SyncDocument) {
	m.ID = d.ID
	m.Seq = d.Seq
	m.BindingID = d.BindingID
	m.TenantID = d.TenantID
	m.Integration = d.Integration
	m.Operation = d.Operation
	m.Status = d.Status
	m.Payload = d.Payload
	m.Response = d.Response
	m.FailReason = d.FailReason
	m.ChainKind = d.ChainKind
	m.ChainIndex = d.ChainIndex
	m.Fingerprint = d.Fingerprint
	m.PredecessorFingerprint = d.PredecessorFingerprint
	m.CreatedAt = d.CreatedAt
	m.RespondedAt = d.RespondedAt

	if len(d.Errors) > 0 {
		if jsonBytes, err := json.Marshal(d.Errors); err == nil {
			m.ErrorsJSON = string(jsonBytes)
		}
	} else {
		m.ErrorsJSON = "[]"
	}
}

// SyncDocumentModelFromDomain creates a new persistence model from a domain
// SyncDocument entity.
func SyncDocumentModelFromDomain(d *sync.SyncDocument) *SyncDocumentModel {
	m := &SyncDocumentModel{}
	m.FromDomain(d)
	return m
}

// CredentialModel is the persistence model for transport credentials.
type CredentialModel struct {
	Integration sync.IntegrationCode `gorm:"type:varchar(20);primary_key"`
	Mode        sync.Mode            `gorm:"type:varchar(10);primary_key"`
	APIKey      string               `gorm:"type:varchar(255)"`
	Secret      string               `gorm:"type:varchar(255)"`
	ClientCert  []byte               `gorm:"type:bytea"`
	ClientKey   []byte               `gorm:"type:bytea"`
	CMCToken    string               `gorm:"type:varchar(255);column:cmc_token"`
	UpdatedAt   time.Time            `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CredentialModel) TableName() string {
	return "sync_credentials"
}

// ToDomain converts the persistence model to a domain Credential.
func (m *CredentialModel) ToDomain() *sync.Credential {
	return &sync.Credential{
		Integration: m.Integration,
		Mode:        m.Mode,
		APIKey:      m.APIKey,
		Secret:      m.Secret,
		ClientCert:  m.ClientCert,
		ClientKey:   m.ClientKey,
		CMCToken:    m.CMCToken,
		UpdatedAt:   m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain Credential.
func (m *CredentialModel) FromDomain(c *sync.Credential) {
	m.Integration = c.Integration
	m.Mode = c.Mode
	m.APIKey = c.APIKey
	m.Secret = c.Secret
	m.ClientCert = c.ClientCert
	m.ClientKey = c.ClientKey
	m.CMCToken = c.CMCToken
	m.UpdatedAt = c.UpdatedAt
}

// CredentialModelFromDomain creates a new persistence model from a domain
// Credential.
func CredentialModelFromDomain(c *sync.Credential) *CredentialModel {
	m := &CredentialModel{}
	m.FromDomain(c)
	return m
}
