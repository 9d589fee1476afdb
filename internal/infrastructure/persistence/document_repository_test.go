package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// syncDocumentModelSQLite mirrors SyncDocumentModel without the bigserial
// seq column, which SQLite cannot express outside the primary key.
type syncDocumentModelSQLite struct {
	ID          uuid.UUID `gorm:"primaryKey"`
	Seq         int64     `gorm:"default:0"`
	BindingID   uuid.UUID `gorm:"index"`
	TenantID    uuid.UUID `gorm:"uniqueIndex:idx_sync_document_chain,priority:2"`
	Integration string    `gorm:"uniqueIndex:idx_sync_document_chain,priority:1"`
	Operation   string
	Status      string `gorm:"index"`
	Payload     []byte
	Response    []byte
	ErrorsJSON  string `gorm:"column:errors"`
	FailReason  string

	ChainKind              string `gorm:"uniqueIndex:idx_sync_document_chain,priority:3"`
	ChainIndex             int64  `gorm:"uniqueIndex:idx_sync_document_chain,priority:4,where:chain_kind <> '' AND chain_index >= 0"`
	Fingerprint            string
	PredecessorFingerprint string

	CreatedAt   time.Time
	RespondedAt *time.Time
}

func (syncDocumentModelSQLite) TableName() string {
	return "sync_documents"
}

func setupDocumentTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&syncDocumentModelSQLite{}, &models.BindingModel{}))
	return db
}

// newTestDoc creates a pending document with a distinct creation time so
// history ordering is deterministic
func newTestDoc(t *testing.T, binding *sync.Binding, op sync.Operation, at time.Time) *sync.SyncDocument {
	t.Helper()
	doc, err := sync.NewSyncDocument(binding, op, []byte(`{"n":1}`))
	require.NoError(t, err)
	doc.CreatedAt = at
	return doc
}

func TestGormDocumentRepository_CreateAndRecordResponse(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_1")
	require.NoError(t, bindings.Save(ctx, binding))

	doc := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	require.NoError(t, docs.Create(ctx, doc))

	t.Run("Created document is pending", func(t *testing.T) {
		found, err := docs.FindByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, sync.DocumentStatusPending, found.Status)
		assert.Equal(t, []byte(`{"n":1}`), found.Payload)
		assert.Nil(t, found.RespondedAt)
	})

	t.Run("RecordResponse finalizes once", func(t *testing.T) {
		require.NoError(t, doc.Finalize(sync.DocumentStatusAccepted, []byte(`{"id":"ic_1"}`), nil))
		require.NoError(t, docs.RecordResponse(ctx, doc))

		found, err := docs.FindByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, sync.DocumentStatusAccepted, found.Status)
		assert.Equal(t, []byte(`{"id":"ic_1"}`), found.Response)
		require.NotNil(t, found.RespondedAt)

		// A second write against a finalized row is refused
		assert.ErrorIs(t, docs.RecordResponse(ctx, doc), sync.ErrDocumentFinalized)
	})

	t.Run("RecordResponse on unknown id", func(t *testing.T) {
		ghost := newTestDoc(t, binding, sync.OperationRegister, time.Now())
		require.NoError(t, ghost.Finalize(sync.DocumentStatusRejected, nil, nil))
		assert.ErrorIs(t, docs.RecordResponse(ctx, ghost), sync.ErrDocumentNotFound)
	})

	t.Run("Errors round-trip", func(t *testing.T) {
		failed := newTestDoc(t, binding, sync.OperationUpdate, time.Now())
		require.NoError(t, docs.Create(ctx, failed))
		remoteErrs := []sync.RemoteError{{Code: "4102", Message: "bad NIF"}}
		require.NoError(t, failed.Finalize(sync.DocumentStatusRejected, []byte(`<e/>`), remoteErrs))
		require.NoError(t, docs.RecordResponse(ctx, failed))

		found, err := docs.FindByID(ctx, failed.ID)
		require.NoError(t, err)
		require.Len(t, found.Errors, 1)
		assert.Equal(t, "4102", found.Errors[0].Code)
	})
}

func TestGormDocumentRepository_ChainIndexUniqueness(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	binding := mustBinding(t, tenantID, sync.IntegrationCodeEInvoice, "INV-1")
	require.NoError(t, bindings.Save(ctx, binding))

	first := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	first.AttachChain("sale", 0, "AA", "")
	require.NoError(t, docs.Create(ctx, first))

	t.Run("Concurrent stamp of the same index is refused", func(t *testing.T) {
		rival := newTestDoc(t, binding, sync.OperationRegister, time.Now())
		rival.AttachChain("sale", 0, "BB", "")
		assert.ErrorIs(t, docs.Create(ctx, rival), sync.ErrOperationInFlight)
	})

	next := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	t.Run("Next index is accepted", func(t *testing.T) {
		next.AttachChain("sale", 1, "CC", "AA")
		assert.NoError(t, docs.Create(ctx, next))
	})

	t.Run("A released index can be stamped again", func(t *testing.T) {
		require.NoError(t, next.Finalize(sync.DocumentStatusRejected, nil, nil))
		require.NoError(t, docs.RecordResponse(ctx, next))
		require.False(t, next.HoldsChainSlot())

		reuse := newTestDoc(t, binding, sync.OperationRegister, time.Now())
		reuse.AttachChain("sale", 1, "DD", "AA")
		assert.NoError(t, docs.Create(ctx, reuse))
	})

	t.Run("Non-chained documents are outside the constraint", func(t *testing.T) {
		a := newTestDoc(t, binding, sync.OperationQuery, time.Now())
		b := newTestDoc(t, binding, sync.OperationQuery, time.Now())
		require.NoError(t, docs.Create(ctx, a))
		require.NoError(t, docs.Create(ctx, b))
	})
}

func TestGormDocumentRepository_MarkCancelled(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_2")
	require.NoError(t, bindings.Save(ctx, binding))

	accepted := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	require.NoError(t, docs.Create(ctx, accepted))
	require.NoError(t, accepted.Finalize(sync.DocumentStatusAccepted, nil, nil))
	require.NoError(t, docs.RecordResponse(ctx, accepted))

	rejected := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	require.NoError(t, docs.Create(ctx, rejected))
	require.NoError(t, rejected.Finalize(sync.DocumentStatusRejected, nil, nil))
	require.NoError(t, docs.RecordResponse(ctx, rejected))

	assert.NoError(t, docs.MarkCancelled(ctx, accepted.ID))
	found, err := docs.FindByID(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.DocumentStatusCancelled, found.Status)

	assert.ErrorIs(t, docs.MarkCancelled(ctx, accepted.ID), sync.ErrNotCancellable)
	assert.ErrorIs(t, docs.MarkCancelled(ctx, rejected.ID), sync.ErrNotCancellable)
	assert.ErrorIs(t, docs.MarkCancelled(ctx, uuid.New()), sync.ErrDocumentNotFound)
}

func TestGormDocumentRepository_History(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_3")
	require.NoError(t, bindings.Save(ctx, binding))

	base := time.Now().Add(-time.Hour)
	register := newTestDoc(t, binding, sync.OperationRegister, base)
	update := newTestDoc(t, binding, sync.OperationUpdate, base.Add(time.Minute))
	query := newTestDoc(t, binding, sync.OperationQuery, base.Add(2*time.Minute))
	for _, d := range []*sync.SyncDocument{register, update, query} {
		require.NoError(t, docs.Create(ctx, d))
	}

	t.Run("Creation order", func(t *testing.T) {
		got, total, err := docs.History(ctx, binding.ID, sync.DocumentFilter{})
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		require.Len(t, got, 3)
		assert.Equal(t, register.ID, got[0].ID)
		assert.Equal(t, update.ID, got[1].ID)
		assert.Equal(t, query.ID, got[2].ID)
	})

	t.Run("Operation filter", func(t *testing.T) {
		op := sync.OperationQuery
		got, total, err := docs.History(ctx, binding.ID, sync.DocumentFilter{Operation: &op})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, got, 1)
		assert.Equal(t, query.ID, got[0].ID)
	})

	t.Run("Pagination", func(t *testing.T) {
		got, total, err := docs.History(ctx, binding.ID, sync.DocumentFilter{Page: 2, PageSize: 2})
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		require.Len(t, got, 1)
		assert.Equal(t, query.ID, got[0].ID)
	})
}

func TestGormDocumentRepository_LatestQueries(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_4")
	require.NoError(t, bindings.Save(ctx, binding))

	t.Run("Empty history yields nil", func(t *testing.T) {
		latest, err := docs.LatestOf(ctx, binding.ID)
		require.NoError(t, err)
		assert.Nil(t, latest)

		accepted, err := docs.LatestAccepted(ctx, binding.ID)
		require.NoError(t, err)
		assert.Nil(t, accepted)
	})

	base := time.Now().Add(-time.Hour)
	accepted := newTestDoc(t, binding, sync.OperationRegister, base)
	require.NoError(t, docs.Create(ctx, accepted))
	require.NoError(t, accepted.Finalize(sync.DocumentStatusAccepted, nil, nil))
	require.NoError(t, docs.RecordResponse(ctx, accepted))

	// A later cancel attempt and a status query follow the registration
	cancel := newTestDoc(t, binding, sync.OperationCancel, base.Add(time.Minute))
	require.NoError(t, docs.Create(ctx, cancel))
	query := newTestDoc(t, binding, sync.OperationQuery, base.Add(2*time.Minute))
	require.NoError(t, docs.Create(ctx, query))

	t.Run("LatestOf is the newest document", func(t *testing.T) {
		latest, err := docs.LatestOf(ctx, binding.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, query.ID, latest.ID)
	})

	t.Run("LatestAccepted skips non-registrations", func(t *testing.T) {
		latest, err := docs.LatestAccepted(ctx, binding.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, accepted.ID, latest.ID)
	})
}

func TestGormDocumentRepository_ChainHead(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	binding := mustBinding(t, tenantID, sync.IntegrationCodeEInvoice, "INV-2")
	require.NoError(t, bindings.Save(ctx, binding))
	scope := sync.ChainScope{Integration: sync.IntegrationCodeEInvoice, TenantID: tenantID, ChainKind: "sale"}

	t.Run("Empty chain", func(t *testing.T) {
		head, err := docs.ChainHead(ctx, scope, false)
		require.NoError(t, err)
		assert.Nil(t, head)
	})

	base := time.Now().Add(-time.Hour)
	first := newTestDoc(t, binding, sync.OperationRegister, base)
	first.AttachChain("sale", 0, "AA", "")
	require.NoError(t, docs.Create(ctx, first))
	require.NoError(t, first.Finalize(sync.DocumentStatusAccepted, nil, nil))
	require.NoError(t, docs.RecordResponse(ctx, first))

	second := newTestDoc(t, binding, sync.OperationRegister, base.Add(time.Minute))
	second.AttachChain("sale", 1, "BB", "AA")
	require.NoError(t, docs.Create(ctx, second))
	require.NoError(t, second.Finalize(sync.DocumentStatusRegisteredWithErrors, nil, []sync.RemoteError{{Code: "2001"}}))
	require.NoError(t, docs.RecordResponse(ctx, second))

	t.Run("Imperfect head is skipped by default", func(t *testing.T) {
		head, err := docs.ChainHead(ctx, scope, false)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, first.ID, head.ID)
	})

	t.Run("Imperfect head anchors when permitted", func(t *testing.T) {
		head, err := docs.ChainHead(ctx, scope, true)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, second.ID, head.ID)
	})

	t.Run("A rejected document releases its slot and never anchors", func(t *testing.T) {
		third := newTestDoc(t, binding, sync.OperationRegister, base.Add(2*time.Minute))
		third.AttachChain("sale", 2, "CC", "BB")
		require.NoError(t, docs.Create(ctx, third))
		require.NoError(t, third.Finalize(sync.DocumentStatusRejected, nil, nil))
		require.NoError(t, docs.RecordResponse(ctx, third))

		head, err := docs.ChainHead(ctx, scope, true)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, second.ID, head.ID)

		stored, err := docs.FindByID(ctx, third.ID)
		require.NoError(t, err)
		assert.False(t, stored.HoldsChainSlot())
	})

	t.Run("Other scopes are invisible", func(t *testing.T) {
		other := sync.ChainScope{Integration: sync.IntegrationCodeEInvoice, TenantID: uuid.New(), ChainKind: "sale"}
		head, err := docs.ChainHead(ctx, other, true)
		require.NoError(t, err)
		assert.Nil(t, head)
	})
}

func TestGormDocumentRepository_FindStale(t *testing.T) {
	db := setupDocumentTestDB(t)
	docs := NewGormDocumentRepository(db)
	bindings := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_5")
	require.NoError(t, bindings.Save(ctx, binding))

	old := newTestDoc(t, binding, sync.OperationRegister, time.Now().Add(-time.Hour))
	require.NoError(t, docs.Create(ctx, old))

	fresh := newTestDoc(t, binding, sync.OperationRegister, time.Now())
	require.NoError(t, docs.Create(ctx, fresh))

	cutoff := time.Now().Add(-10 * time.Minute)
	stale, err := docs.FindStale(ctx, sync.IntegrationCodeIssuing,
		[]sync.DocumentStatus{sync.DocumentStatusPending}, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].Document.ID)
	require.NotNil(t, stale[0].Binding)
	assert.Equal(t, binding.ID, stale[0].Binding.ID)

	t.Run("No statuses yields nothing", func(t *testing.T) {
		got, err := docs.FindStale(ctx, sync.IntegrationCodeIssuing, nil, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Other integration yields nothing", func(t *testing.T) {
		got, err := docs.FindStale(ctx, sync.IntegrationCodeEInvoice,
			[]sync.DocumentStatus{sync.DocumentStatusPending}, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
