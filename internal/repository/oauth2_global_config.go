package repository

import (
	"errors"

	"mailpush/internal/models"

	"gorm.io/gorm"
)

// OAuth2GlobalConfigRepository handles database operations for OAuth2GlobalConfig
type OAuth2GlobalConfigRepository struct {
	db *gorm.DB
}

// NewOAuth2GlobalConfigRepository creates a new OAuth2GlobalConfigRepository
func NewOAuth2GlobalConfigRepository(db *gorm.DB) *OAuth2GlobalConfigRepository {
	return &OAuth2GlobalConfigRepository{db: db}
}

// Create creates a new OAuth2 global config
func (r *OAuth2GlobalConfigRepository) Create(config *models.OAuth2GlobalConfig) error {
	return r.db.Create(config).Error
}

// GetByID retrieves an OAuth2 global config by ID
func (r *OAuth2GlobalConfigRepository) GetByID(id uint) (*models.OAuth2GlobalConfig, error) {
	var config models.OAuth2GlobalConfig
	err := r.db.First(&config, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("OAuth2 global config not found")
		}
		return nil, err
	}
	return &config, nil
}

// GetByProviderType retrieves the enabled OAuth2 global config for a provider type
func (r *OAuth2GlobalConfigRepository) GetByProviderType(providerType models.MailProviderType) (*models.OAuth2GlobalConfig, error) {
	var config models.OAuth2GlobalConfig
	err := r.db.Where("provider_type = ? AND is_enabled = ?", providerType, true).First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("OAuth2 global config not found")
		}
		return nil, err
	}
	return &config, nil
}
