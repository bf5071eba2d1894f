package services

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/utils"

	"github.com/emersion/go-imap"
)

// Syncer performs the protocol work of a full account sync.
type Syncer interface {
	Sync(ctx context.Context, account *models.EmailAccount) pingsync.OperationResult
}

// IMAPFolderSyncer refreshes an account's folder list from the server.
type IMAPFolderSyncer struct {
	accounts  *repository.EmailAccountRepository
	mailboxes *repository.MailboxRepository
	connector IMAPConnector
	logger    *utils.Logger
}

// NewIMAPFolderSyncer creates a folder syncer.
func NewIMAPFolderSyncer(accounts *repository.EmailAccountRepository, mailboxes *repository.MailboxRepository, connector IMAPConnector) *IMAPFolderSyncer {
	return &IMAPFolderSyncer{
		accounts:  accounts,
		mailboxes: mailboxes,
		connector: connector,
		logger:    utils.NewLogger("FolderSync"),
	}
}

// Sync lists all folders, stores them and advances the account's sync key.
// New inboxes start with push enabled.
func (s *IMAPFolderSyncer) Sync(ctx context.Context, account *models.EmailAccount) pingsync.OperationResult {
	c, err := s.connector.Connect(ctx, account)
	if err != nil {
		return pingsync.Failed(imapStatus(err), err)
	}
	stop := context.AfterFunc(ctx, func() { c.Terminate() })
	defer stop()
	defer c.Logout()

	infos := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", infos)
	}()

	var fetched []models.Mailbox
	for info := range infos {
		if slices.Contains(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		fetched = append(fetched, mailboxFromInfo(info))
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return pingsync.Failed(pingsync.StatusAbort, ctx.Err())
		}
		return pingsync.Failed(imapStatus(err), fmt.Errorf("list folders: %w", err))
	}

	syncKey := nextSyncKey(account.SyncKey)
	for i := range fetched {
		fetched[i].SyncKey = syncKey
	}

	if err := s.mailboxes.WithContext(ctx).SyncMailboxes(account.ID, fetched); err != nil {
		return pingsync.Failed(pingsync.StatusHardDataFailure, fmt.Errorf("store folders: %w", err))
	}
	if err := s.accounts.WithContext(ctx).UpdateLastSync(account.ID, syncKey); err != nil {
		return pingsync.Failed(pingsync.StatusHardDataFailure, fmt.Errorf("store sync key: %w", err))
	}

	s.logger.Info("Synced %d folders for %s (sync key %s)", len(fetched), account.EmailAddress, syncKey)
	return pingsync.Succeeded()
}

func mailboxFromInfo(info *imap.MailboxInfo) models.Mailbox {
	mb := models.Mailbox{
		Name:      info.Name,
		Delimiter: info.Delimiter,
		Flags:     models.StringSlice(info.Attributes),
		Type:      mailboxType(info),
	}
	mb.PushEnabled = mb.Type == models.MailboxTypeInbox
	return mb
}

func mailboxType(info *imap.MailboxInfo) models.MailboxType {
	if strings.EqualFold(info.Name, "INBOX") {
		return models.MailboxTypeInbox
	}
	for _, attr := range info.Attributes {
		switch attr {
		case imap.SentAttr:
			return models.MailboxTypeSent
		case imap.DraftsAttr:
			return models.MailboxTypeDrafts
		case imap.TrashAttr:
			return models.MailboxTypeTrash
		case imap.JunkAttr:
			return models.MailboxTypeJunk
		}
	}
	return models.MailboxTypeMail
}

// nextSyncKey advances a numeric sync key; anything unparsable restarts at 1.
func nextSyncKey(key string) string {
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatUint(n+1, 10)
}
