package persistence

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCredentialStore implements sync.CredentialStore using GORM. Writes
// are serialized per (integration, mode) so a token rotation never races a
// concurrent credential replacement.
type GormCredentialStore struct {
	db *gorm.DB

	mu    gosync.Mutex
	locks map[string]*gosync.Mutex
}

// NewGormCredentialStore creates a new GormCredentialStore
func NewGormCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db, locks: make(map[string]*gosync.Mutex)}
}

func (s *GormCredentialStore) lockFor(integration sync.IntegrationCode, mode sync.Mode) *gosync.Mutex {
	key := fmt.Sprintf("%s/%s", integration, mode)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &gosync.Mutex{}
	s.locks[key] = l
	return l
}

// Get returns the credential for the integration and mode
func (s *GormCredentialStore) Get(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode) (*sync.Credential, error) {
	var model models.CredentialModel
	if err := s.db.WithContext(ctx).
		Where("integration = ? AND mode = ?", integration, mode).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sync.ErrConfigMissing
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Set installs or replaces the credential
func (s *GormCredentialStore) Set(ctx context.Context, cred *sync.Credential) error {
	lock := s.lockFor(cred.Integration, cred.Mode)
	lock.Lock()
	defer lock.Unlock()

	model := models.CredentialModelFromDomain(cred)
	model.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "integration"}, {Name: "mode"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

// RotateToken stores a rotated CMC token for the credential
func (s *GormCredentialStore) RotateToken(ctx context.Context, integration sync.IntegrationCode, mode sync.Mode, token string) error {
	lock := s.lockFor(integration, mode)
	lock.Lock()
	defer lock.Unlock()

	result := s.db.WithContext(ctx).
		Model(&models.CredentialModel{}).
		Where("integration = ? AND mode = ?", integration, mode).
		Updates(map[string]any{
			"cmc_token":  token,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return sync.ErrConfigMissing
	}
	return nil
}

// Ensure GormCredentialStore implements sync.CredentialStore
var _ sync.CredentialStore = (*GormCredentialStore)(nil)
