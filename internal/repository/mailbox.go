package repository

import (
	"context"
	"slices"

	"mailpush/internal/models"

	"gorm.io/gorm"
)

const deletedFlag = "\\Deleted"

// MailboxRepository handles mailbox data operations
type MailboxRepository struct {
	db *gorm.DB
}

// NewMailboxRepository creates a new mailbox repository
func NewMailboxRepository(db *gorm.DB) *MailboxRepository {
	return &MailboxRepository{db: db}
}

// WithContext returns a repository whose queries are bound to ctx.
func (r *MailboxRepository) WithContext(ctx context.Context) *MailboxRepository {
	return &MailboxRepository{db: r.db.WithContext(ctx)}
}

// GetByAccountID retrieves all mailboxes for an account
func (r *MailboxRepository) GetByAccountID(accountID uint) ([]models.Mailbox, error) {
	var mailboxes []models.Mailbox
	err := r.db.Where("account_id = ?", accountID).Order("id").Find(&mailboxes).Error
	return mailboxes, err
}

// GetPushMailboxes retrieves the live mailboxes of an account that are set to push,
// inbox first
func (r *MailboxRepository) GetPushMailboxes(accountID uint) ([]models.Mailbox, error) {
	mailboxes, err := r.GetByAccountID(accountID)
	if err != nil {
		return nil, err
	}
	out := mailboxes[:0]
	for _, mb := range mailboxes {
		if mb.PushEnabled && !containsFlag(mb.Flags, deletedFlag) {
			out = append(out, mb)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Mailbox) int {
		return inboxFirst(a) - inboxFirst(b)
	})
	return out, nil
}

func inboxFirst(mb models.Mailbox) int {
	if mb.Type == models.MailboxTypeInbox {
		return 0
	}
	return 1
}

// SetPushEnabled switches push for one mailbox of an account
func (r *MailboxRepository) SetPushEnabled(accountID uint, name string, enabled bool) error {
	res := r.db.Model(&models.Mailbox{}).
		Where("account_id = ? AND name = ?", accountID, name).
		Update("push_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SyncMailboxes updates the mailbox list for an account.
// New mailboxes are added, existing ones updated and vanished ones flagged \Deleted.
// Push settings of existing mailboxes are kept.
func (r *MailboxRepository) SyncMailboxes(accountID uint, fetchedMailboxes []models.Mailbox) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existingMailboxes []models.Mailbox
		if err := tx.Where("account_id = ?", accountID).Find(&existingMailboxes).Error; err != nil {
			return err
		}

		existingMap := make(map[string]*models.Mailbox)
		for i := range existingMailboxes {
			existingMap[existingMailboxes[i].Name] = &existingMailboxes[i]
		}

		fetchedMap := make(map[string]bool)
		for _, mailbox := range fetchedMailboxes {
			fetchedMap[mailbox.Name] = true

			if existing, found := existingMap[mailbox.Name]; found {
				existing.Delimiter = mailbox.Delimiter
				existing.Flags = mailbox.Flags
				existing.Type = mailbox.Type
				if mailbox.SyncKey != "" {
					existing.SyncKey = mailbox.SyncKey
				}
				if err := tx.Save(existing).Error; err != nil {
					return err
				}
			} else {
				mailbox.AccountID = accountID
				if err := tx.Create(&mailbox).Error; err != nil {
					return err
				}
			}
		}

		// keep vanished mailboxes for history but stop pushing them
		for _, existing := range existingMailboxes {
			if !fetchedMap[existing.Name] && !containsFlag(existing.Flags, deletedFlag) {
				existing.Flags = append(existing.Flags, deletedFlag)
				existing.PushEnabled = false
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// DeleteByAccountID deletes all mailboxes for an account
func (r *MailboxRepository) DeleteByAccountID(accountID uint) error {
	return r.db.Where("account_id = ?", accountID).Delete(&models.Mailbox{}).Error
}

func containsFlag(flags models.StringSlice, flag string) bool {
	return slices.Contains(flags, flag)
}
