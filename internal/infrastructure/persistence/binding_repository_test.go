package persistence

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupBindingTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BindingModel{}))
	return db
}

func mustBinding(t *testing.T, tenantID uuid.UUID, integration sync.IntegrationCode, localRef string) *sync.Binding {
	t.Helper()
	b, err := sync.NewBinding(tenantID, integration, localRef)
	require.NoError(t, err)
	return b
}

func TestGormBindingRepository_SaveAndFind(t *testing.T) {
	db := setupBindingTestDB(t)
	repo := NewGormBindingRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	binding := mustBinding(t, tenantID, sync.IntegrationCodeIssuing, "CARD_42")
	require.NoError(t, repo.Save(ctx, binding))

	t.Run("FindByID", func(t *testing.T) {
		found, err := repo.FindByID(ctx, binding.ID)
		require.NoError(t, err)
		assert.Equal(t, binding.ID, found.ID)
		assert.Equal(t, "CARD_42", found.LocalRef)
		assert.False(t, found.IsBound())
		assert.True(t, found.SyncRequired)
	})

	t.Run("FindByID not found", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, sync.ErrBindingNotFound)
	})

	t.Run("FindByLocalRef", func(t *testing.T) {
		found, err := repo.FindByLocalRef(ctx, tenantID, sync.IntegrationCodeIssuing, "CARD_42")
		require.NoError(t, err)
		assert.Equal(t, binding.ID, found.ID)
	})

	t.Run("FindByLocalRef wrong tenant", func(t *testing.T) {
		_, err := repo.FindByLocalRef(ctx, uuid.New(), sync.IntegrationCodeIssuing, "CARD_42")
		assert.ErrorIs(t, err, sync.ErrBindingNotFound)
	})

	t.Run("Save round-trips remote state", func(t *testing.T) {
		require.NoError(t, binding.Bind("ic_001"))
		binding.ApplyRemoteState(sync.RemoteStateAccepted)
		require.NoError(t, repo.Save(ctx, binding))

		found, err := repo.FindByID(ctx, binding.ID)
		require.NoError(t, err)
		require.True(t, found.IsBound())
		assert.Equal(t, "ic_001", *found.RemoteID)
		require.NotNil(t, found.LastRemoteState)
		assert.Equal(t, sync.RemoteStateAccepted, *found.LastRemoteState)
		assert.False(t, found.SyncRequired)
	})
}

func TestGormBindingRepository_FindByReference(t *testing.T) {
	db := setupBindingTestDB(t)
	repo := NewGormBindingRepository(db)
	ctx := context.Background()

	bound := mustBinding(t, uuid.New(), sync.IntegrationCodeEInvoice, "INV-2024-001")
	require.NoError(t, bound.Bind("REG-8821"))
	require.NoError(t, repo.Save(ctx, bound))

	t.Run("Remote id wins", func(t *testing.T) {
		found, err := repo.FindByReference(ctx, sync.IntegrationCodeEInvoice, "REG-8821")
		require.NoError(t, err)
		assert.Equal(t, bound.ID, found.ID)
	})

	t.Run("Falls back to local ref", func(t *testing.T) {
		found, err := repo.FindByReference(ctx, sync.IntegrationCodeEInvoice, "INV-2024-001")
		require.NoError(t, err)
		assert.Equal(t, bound.ID, found.ID)
	})

	t.Run("Unknown reference", func(t *testing.T) {
		_, err := repo.FindByReference(ctx, sync.IntegrationCodeEInvoice, "NOPE")
		assert.ErrorIs(t, err, sync.ErrBindingNotFound)
	})

	t.Run("Same local ref in two tenants is ambiguous", func(t *testing.T) {
		other := mustBinding(t, uuid.New(), sync.IntegrationCodeEInvoice, "INV-2024-001")
		require.NoError(t, repo.Save(ctx, other))

		_, err := repo.FindByReference(ctx, sync.IntegrationCodeEInvoice, "INV-2024-001")
		assert.ErrorIs(t, err, sync.ErrAmbiguousBinding)
	})
}

func TestGormBindingRepository_Delete(t *testing.T) {
	db := setupBindingTestDB(t)
	repo := NewGormBindingRepository(db)
	ctx := context.Background()

	binding := mustBinding(t, uuid.New(), sync.IntegrationCodeIssuing, "CARD_7")
	require.NoError(t, repo.Save(ctx, binding))

	require.NoError(t, repo.Delete(ctx, binding.ID))
	_, err := repo.FindByID(ctx, binding.ID)
	assert.ErrorIs(t, err, sync.ErrBindingNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, binding.ID), sync.ErrBindingNotFound)
}

// newMockBindingRepository creates a repository over a mocked postgres
// connection for driver-level failure paths
func newMockBindingRepository(t *testing.T) (*GormBindingRepository, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	return NewGormBindingRepository(gormDB), mock, mockDB
}

func TestGormBindingRepository_FindByID_DriverError(t *testing.T) {
	repo, mock, mockDB := newMockBindingRepository(t)
	defer mockDB.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "sync_bindings" WHERE id = \$1 ORDER BY .* LIMIT .*`).
		WithArgs(id, 1).
		WillReturnError(sql.ErrConnDone)

	_, err := repo.FindByID(context.Background(), id)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
