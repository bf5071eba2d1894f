package services

import (
	"context"
	"errors"
	"fmt"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/utils"
)

// PushDecision explains whether an account should hold a ping.
type PushDecision struct {
	AccountID uint     `json:"account_id"`
	Push      bool     `json:"push"`
	Reason    string   `json:"reason"`
	Folders   []string `json:"folders,omitempty"`
}

// AccountPushResolver decides from stored account and mailbox settings
// whether an account needs a ping, and builds the ping parameters.
type AccountPushResolver struct {
	accounts  *repository.EmailAccountRepository
	mailboxes *repository.MailboxRepository
	heartbeat HeartbeatPolicy
	logger    *utils.Logger
}

// NewAccountPushResolver creates a resolver over the given repositories.
func NewAccountPushResolver(accounts *repository.EmailAccountRepository, mailboxes *repository.MailboxRepository, heartbeat HeartbeatPolicy) *AccountPushResolver {
	return &AccountPushResolver{
		accounts:  accounts,
		mailboxes: mailboxes,
		heartbeat: heartbeat,
		logger:    utils.NewLogger("PushResolver"),
	}
}

// Decide runs the push checks in order: the account exists, is set to push,
// is not on security hold, finished its initial sync, and has at least one
// initially synced push mailbox whose content type is enabled.
func (r *AccountPushResolver) Decide(ctx context.Context, accountID uint) (PushDecision, error) {
	d := PushDecision{AccountID: accountID}

	account, err := r.accounts.WithContext(ctx).GetByID(accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			d.Reason = "account does not exist"
			return d, nil
		}
		return d, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if !account.IsPush() {
		d.Reason = "sync interval is not push"
		return d, nil
	}
	if account.OnSecurityHold() {
		d.Reason = "account is on security hold"
		return d, nil
	}
	if !account.InitialSyncDone() {
		d.Reason = "initial sync not done"
		return d, nil
	}

	folders, err := r.pushFolders(ctx, account)
	if err != nil {
		return d, err
	}
	if len(folders) == 0 {
		d.Reason = "no push mailbox with sync enabled"
		return d, nil
	}

	d.Push = true
	d.Reason = "push"
	d.Folders = folders
	return d, nil
}

func (r *AccountPushResolver) pushFolders(ctx context.Context, account *models.EmailAccount) ([]string, error) {
	mailboxes, err := r.mailboxes.WithContext(ctx).GetPushMailboxes(account.ID)
	if err != nil {
		return nil, fmt.Errorf("load mailboxes of account %d: %w", account.ID, err)
	}
	var folders []string
	for _, mb := range mailboxes {
		if !mb.InitialSyncDone() {
			continue
		}
		if !account.SyncEnabledFor(mb.Type.ContentType()) {
			continue
		}
		folders = append(folders, mb.Name)
	}
	return folders, nil
}

// ShouldPing implements pingsync.PushResolver. Lookup errors count as no push.
func (r *AccountPushResolver) ShouldPing(ctx context.Context, id pingsync.AccountID) bool {
	d, err := r.Decide(ctx, uint(id))
	if err != nil {
		r.logger.Error("Push check for account %d failed: %v", id, err)
		return false
	}
	r.logger.Debug("Push check for account %d: %t (%s)", id, d.Push, d.Reason)
	return d.Push
}

// PingParams implements pingsync.PingParamsSource.
func (r *AccountPushResolver) PingParams(ctx context.Context, id pingsync.AccountID) (pingsync.PingParams, error) {
	account, err := r.accounts.WithContext(ctx).GetByID(uint(id))
	if err != nil {
		return pingsync.PingParams{}, err
	}
	folders, err := r.pushFolders(ctx, account)
	if err != nil {
		return pingsync.PingParams{}, err
	}
	if len(folders) == 0 {
		return pingsync.PingParams{}, fmt.Errorf("account %d has no push mailbox", id)
	}
	return pingsync.PingParams{
		Folders:   folders,
		Heartbeat: r.heartbeat.Clamp(account.PingDuration),
	}, nil
}
