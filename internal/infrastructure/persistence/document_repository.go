package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormDocumentRepository implements sync.DocumentRepository using GORM.
// Rows are append-only: payload and chain columns are written on Create,
// response columns exactly once by RecordResponse. The one post-create
// chain write is the index release of a failed document.
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository creates a new GormDocumentRepository
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

// Create persists a pending document
func (r *GormDocumentRepository) Create(ctx context.Context, doc *sync.SyncDocument) error {
	model := models.SyncDocumentModelFromDomain(doc)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return sync.ErrOperationInFlight
		}
		return err
	}
	doc.Seq = model.Seq
	return nil
}

// RecordResponse writes the finalized status, response and errors. The
// guard on responded_at makes the write once-only under concurrency.
func (r *GormDocumentRepository) RecordResponse(ctx context.Context, doc *sync.SyncDocument) error {
	errorsJSON := "[]"
	if len(doc.Errors) > 0 {
		if b, err := json.Marshal(doc.Errors); err == nil {
			errorsJSON = string(b)
		}
	}

	result := r.db.WithContext(ctx).
		Model(&models.SyncDocumentModel{}).
		Where("id = ? AND responded_at IS NULL", doc.ID).
		Updates(map[string]any{
			"status":       doc.Status,
			"response":     doc.Response,
			"errors":       errorsJSON,
			"fail_reason":  doc.FailReason,
			"responded_at": doc.RespondedAt,
			// a failed chained document releases its index here
			"chain_index": doc.ChainIndex,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&models.SyncDocumentModel{}).
			Where("id = ?", doc.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return sync.ErrDocumentNotFound
		}
		return sync.ErrDocumentFinalized
	}
	return nil
}

// MarkCancelled applies the accepted -> cancelled transition
func (r *GormDocumentRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncDocumentModel{}).
		Where("id = ? AND status = ?", id, sync.DocumentStatusAccepted).
		Update("status", sync.DocumentStatusCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&models.SyncDocumentModel{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return sync.ErrDocumentNotFound
		}
		return sync.ErrNotCancellable
	}
	return nil
}

// FindByID finds a document by id
func (r *GormDocumentRepository) FindByID(ctx context.Context, id uuid.UUID) (*sync.SyncDocument, error) {
	var model models.SyncDocumentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sync.ErrDocumentNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// History lists a binding's documents in creation order
func (r *GormDocumentRepository) History(ctx context.Context, bindingID uuid.UUID, filter sync.DocumentFilter) ([]sync.SyncDocument, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.SyncDocumentModel{}).
		Where("binding_id = ?", bindingID)

	if filter.Operation != nil && filter.Operation.IsValid() {
		query = query.Where("operation = ?", *filter.Operation)
	}
	if filter.Status != nil && filter.Status.IsValid() {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Page > 0 && filter.PageSize > 0 {
		query = query.Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var docModels []models.SyncDocumentModel
	if err := query.Order("created_at ASC, seq ASC").Find(&docModels).Error; err != nil {
		return nil, 0, err
	}

	docs := make([]sync.SyncDocument, len(docModels))
	for i, model := range docModels {
		docs[i] = *model.ToDomain()
	}
	return docs, total, nil
}

// LatestOf returns the most recent document of a binding, or nil
func (r *GormDocumentRepository) LatestOf(ctx context.Context, bindingID uuid.UUID) (*sync.SyncDocument, error) {
	var model models.SyncDocumentModel
	err := r.db.WithContext(ctx).
		Where("binding_id = ?", bindingID).
		Order("created_at DESC, seq DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// LatestAccepted returns the most recent ACCEPTED registration of a
// binding, or nil
func (r *GormDocumentRepository) LatestAccepted(ctx context.Context, bindingID uuid.UUID) (*sync.SyncDocument, error) {
	var model models.SyncDocumentModel
	err := r.db.WithContext(ctx).
		Where("binding_id = ? AND status = ? AND operation IN ?",
			bindingID, sync.DocumentStatusAccepted,
			[]sync.Operation{sync.OperationRegister, sync.OperationUpdate}).
		Order("created_at DESC, seq DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ChainHead returns the highest-index document of the scope that may anchor
// the next registration, or nil when the chain has none
func (r *GormDocumentRepository) ChainHead(ctx context.Context, scope sync.ChainScope, allowImperfect bool) (*sync.SyncDocument, error) {
	statuses := []sync.DocumentStatus{sync.DocumentStatusAccepted, sync.DocumentStatusCancelled}
	if allowImperfect {
		statuses = append(statuses, sync.DocumentStatusRegisteredWithErrors)
	}

	var model models.SyncDocumentModel
	err := r.db.WithContext(ctx).
		Where("integration = ? AND tenant_id = ? AND chain_kind = ? AND chain_index >= 0 AND status IN ?",
			scope.Integration, scope.TenantID, scope.ChainKind, statuses).
		Order("chain_index DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindStale selects documents whose last transition is older than the
// cutoff, paired with their bindings, for the poller's scan
func (r *GormDocumentRepository) FindStale(ctx context.Context, integration sync.IntegrationCode, statuses []sync.DocumentStatus, olderThan time.Time, limit int) ([]sync.StaleDocument, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := r.db.WithContext(ctx).
		Where("integration = ? AND status IN ?", integration, statuses).
		Where("COALESCE(responded_at, created_at) < ?", olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var docModels []models.SyncDocumentModel
	if err := query.Find(&docModels).Error; err != nil {
		return nil, err
	}
	if len(docModels) == 0 {
		return nil, nil
	}

	bindingIDs := make([]uuid.UUID, 0, len(docModels))
	for _, model := range docModels {
		bindingIDs = append(bindingIDs, model.BindingID)
	}

	var bindingModels []models.BindingModel
	if err := r.db.WithContext(ctx).
		Where("id IN ?", bindingIDs).
		Find(&bindingModels).Error; err != nil {
		return nil, err
	}
	bindings := make(map[uuid.UUID]*sync.Binding, len(bindingModels))
	for i := range bindingModels {
		bindings[bindingModels[i].ID] = bindingModels[i].ToDomain()
	}

	stale := make([]sync.StaleDocument, 0, len(docModels))
	for _, model := range docModels {
		binding, ok := bindings[model.BindingID]
		if !ok {
			// Binding deleted after an explicit unbind; nothing to poll
			continue
		}
		stale = append(stale, sync.StaleDocument{Document: model.ToDomain(), Binding: binding})
	}
	return stale, nil
}

// isUniqueViolation matches the duplicate-key errors of the supported
// backends
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// Ensure GormDocumentRepository implements sync.DocumentRepository
var _ sync.DocumentRepository = (*GormDocumentRepository)(nil)
