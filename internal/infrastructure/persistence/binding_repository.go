package persistence

import (
	"context"
	"errors"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormBindingRepository implements sync.BindingRepository using GORM
type GormBindingRepository struct {
	db *gorm.DB
}

// NewGormBindingRepository creates a new GormBindingRepository
func NewGormBindingRepository(db *gorm.DB) *GormBindingRepository {
	return &GormBindingRepository{db: db}
}

// Save creates or updates a binding
func (r *GormBindingRepository) Save(ctx context.Context, binding *sync.Binding) error {
	model := models.BindingModelFromDomain(binding)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindByID finds a binding by its id
func (r *GormBindingRepository) FindByID(ctx context.Context, id uuid.UUID) (*sync.Binding, error) {
	var model models.BindingModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sync.ErrBindingNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByLocalRef finds the binding of a local entity
func (r *GormBindingRepository) FindByLocalRef(ctx context.Context, tenantID uuid.UUID, integration sync.IntegrationCode, localRef string) (*sync.Binding, error) {
	var model models.BindingModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND integration = ? AND local_ref = ?", tenantID, integration, localRef).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sync.ErrBindingNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByReference resolves a webhook reference against the remote id first
// and the local ref second. Remote ids are globally unique per integration;
// local refs only within a tenant, so an ambiguous local-ref match is
// refused rather than guessed.
func (r *GormBindingRepository) FindByReference(ctx context.Context, integration sync.IntegrationCode, reference string) (*sync.Binding, error) {
	var model models.BindingModel
	err := r.db.WithContext(ctx).
		Where("integration = ? AND remote_id = ?", integration, reference).
		First(&model).Error
	if err == nil {
		return model.ToDomain(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var candidates []models.BindingModel
	if err := r.db.WithContext(ctx).
		Where("integration = ? AND local_ref = ?", integration, reference).
		Limit(2).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, sync.ErrBindingNotFound
	case 1:
		return candidates[0].ToDomain(), nil
	default:
		return nil, sync.ErrAmbiguousBinding
	}
}

// Delete removes a binding after an explicit unbind
func (r *GormBindingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.BindingModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return sync.ErrBindingNotFound
	}
	return nil
}

// Ensure GormBindingRepository implements sync.BindingRepository
var _ sync.BindingRepository = (*GormBindingRepository)(nil)
