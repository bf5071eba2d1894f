package repository

import (
	"context"
	"errors"
	"time"

	"mailpush/internal/models"

	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an account id does not exist.
var ErrAccountNotFound = errors.New("email account not found")

// EmailAccountRepository handles database operations for EmailAccount
type EmailAccountRepository struct {
	db *gorm.DB
}

// NewEmailAccountRepository creates a new EmailAccountRepository
func NewEmailAccountRepository(db *gorm.DB) *EmailAccountRepository {
	return &EmailAccountRepository{db: db}
}

// WithContext returns a repository whose queries are bound to ctx.
func (r *EmailAccountRepository) WithContext(ctx context.Context) *EmailAccountRepository {
	return &EmailAccountRepository{db: r.db.WithContext(ctx)}
}

// Create creates a new email account
func (r *EmailAccountRepository) Create(account *models.EmailAccount) error {
	return r.db.Create(account).Error
}

// GetByID retrieves an email account by ID with its provider and OAuth2 config
func (r *EmailAccountRepository) GetByID(id uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	err := r.db.Preload("MailProvider").Preload("OAuth2Provider").First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAll retrieves all email accounts
func (r *EmailAccountRepository) GetAll() ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	err := r.db.Preload("MailProvider").Order("id").Find(&accounts).Error
	return accounts, err
}

// GetPushAccounts retrieves the accounts whose sync interval is push
func (r *EmailAccountRepository) GetPushAccounts() ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	err := r.db.Where("sync_interval = ?", models.SyncIntervalPush).Order("id").Find(&accounts).Error
	return accounts, err
}

// Update updates an email account
func (r *EmailAccountRepository) Update(account *models.EmailAccount) error {
	return r.db.Save(account).Error
}

// Delete soft deletes an email account
func (r *EmailAccountRepository) Delete(id uint) error {
	return r.db.Delete(&models.EmailAccount{}, id).Error
}

// UpdateLastSync marks a completed sync and stores the new sync key
func (r *EmailAccountRepository) UpdateLastSync(id uint, syncKey string) error {
	return r.updateColumns(id, map[string]interface{}{
		"last_sync_at": time.Now(),
		"sync_key":     syncKey,
	})
}

// UpdateLastPush records the time the server last reported changes
func (r *EmailAccountRepository) UpdateLastPush(id uint) error {
	return r.updateColumns(id, map[string]interface{}{"last_push_at": time.Now()})
}

// UpdatePingDuration stores the learned ping heartbeat
func (r *EmailAccountRepository) UpdatePingDuration(id uint, d time.Duration) error {
	return r.updateColumns(id, map[string]interface{}{"ping_duration": d})
}

// SetFlags replaces the account flags
func (r *EmailAccountRepository) SetFlags(id uint, flags models.AccountFlags) error {
	return r.updateColumns(id, map[string]interface{}{"flags": flags})
}

func (r *EmailAccountRepository) updateColumns(id uint, cols map[string]interface{}) error {
	res := r.db.Model(&models.EmailAccount{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
