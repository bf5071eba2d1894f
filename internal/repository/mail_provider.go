package repository

import (
	"errors"

	"mailpush/internal/models"

	"gorm.io/gorm"
)

// MailProviderRepository handles database operations for MailProvider
type MailProviderRepository struct {
	db *gorm.DB
}

// NewMailProviderRepository creates a new MailProviderRepository
func NewMailProviderRepository(db *gorm.DB) *MailProviderRepository {
	return &MailProviderRepository{db: db}
}

// Create creates a new mail provider
func (r *MailProviderRepository) Create(provider *models.MailProvider) error {
	return r.db.Create(provider).Error
}

// GetByName retrieves a mail provider by name
func (r *MailProviderRepository) GetByName(name string) (*models.MailProvider, error) {
	var provider models.MailProvider
	err := r.db.Where("name = ?", name).First(&provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("mail provider not found")
		}
		return nil, err
	}
	return &provider, nil
}

// GetAll retrieves all mail providers
func (r *MailProviderRepository) GetAll() ([]models.MailProvider, error) {
	var providers []models.MailProvider
	err := r.db.Find(&providers).Error
	return providers, err
}

// SeedDefaultProviders seeds the database with the well-known IMAP providers
func (r *MailProviderRepository) SeedDefaultProviders() error {
	defaultProviders := []models.MailProvider{
		{Name: "Gmail", Type: models.ProviderTypeGmail, IMAPServer: "imap.gmail.com", IMAPPort: 993},
		{Name: "Outlook", Type: models.ProviderTypeOutlook, IMAPServer: "outlook.office365.com", IMAPPort: 993},
		{Name: "Yahoo", Type: models.ProviderTypeCustom, IMAPServer: "imap.mail.yahoo.com", IMAPPort: 993},
		{Name: "iCloud", Type: models.ProviderTypeCustom, IMAPServer: "imap.mail.me.com", IMAPPort: 993},
	}

	for _, provider := range defaultProviders {
		if existing, err := r.GetByName(provider.Name); err == nil && existing != nil {
			continue
		}
		if err := r.Create(&provider); err != nil {
			return err
		}
	}
	return nil
}
