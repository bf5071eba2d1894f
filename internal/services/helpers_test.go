package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
)

const waitTimeout = 3 * time.Second

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.MailProvider{},
		&models.OAuth2GlobalConfig{},
		&models.EmailAccount{},
		&models.Mailbox{},
		&models.ActivityLog{},
	))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 共享内存库只用一个连接，避免 "table is locked"
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.NewMailProviderRepository(db).SeedDefaultProviders())
	return db
}

type accountOption func(*models.EmailAccount)

func withIMAPServer(host string, port int, username, password string) accountOption {
	return func(a *models.EmailAccount) {
		a.Password = password
		a.CustomSettings = models.JSONMap{
			"imap_server":   host,
			"imap_port":     strconv.Itoa(port),
			"imap_username": username,
		}
	}
}

// createPushAccount stores an initially synced push account with a push
// enabled INBOX.
func createPushAccount(t *testing.T, db *gorm.DB, email string, opts ...accountOption) *models.EmailAccount {
	t.Helper()
	provider, err := repository.NewMailProviderRepository(db).GetByName("Yahoo")
	require.NoError(t, err)

	account := &models.EmailAccount{
		EmailAddress:   email,
		AuthType:       models.AuthTypePassword,
		Password:       "secret",
		MailProviderID: provider.ID,
		SyncInterval:   models.SyncIntervalPush,
		SyncKey:        "1",
	}
	for _, opt := range opts {
		opt(account)
	}
	require.NoError(t, repository.NewEmailAccountRepository(db).Create(account))
	require.NoError(t, repository.NewMailboxRepository(db).SyncMailboxes(account.ID, []models.Mailbox{
		{Name: "INBOX", Type: models.MailboxTypeInbox, PushEnabled: true, SyncKey: "1"},
	}))
	return account
}

// blockingExecutor holds every ping until it is cancelled.
type blockingExecutor struct {
	mu       sync.Mutex
	attempts map[pingsync.AccountID]int
	started  chan pingsync.AccountID
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		attempts: make(map[pingsync.AccountID]int),
		started:  make(chan pingsync.AccountID, 64),
	}
}

func (e *blockingExecutor) Attempt(ctx context.Context, id pingsync.AccountID, _ pingsync.PingParams) (pingsync.PingOutcome, error) {
	e.mu.Lock()
	e.attempts[id]++
	e.mu.Unlock()
	e.started <- id
	<-ctx.Done()
	return pingsync.PingStopClean, nil
}

func (e *blockingExecutor) Attempts(id pingsync.AccountID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[id]
}

func waitStarted(t *testing.T, ch <-chan pingsync.AccountID, want pingsync.AccountID) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("ping for account %d did not start", want)
	}
}

type fakeSyncer struct {
	mu     sync.Mutex
	result pingsync.OperationResult
	calls  int
}

func (f *fakeSyncer) set(res pingsync.OperationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSyncer) Sync(context.Context, *models.EmailAccount) pingsync.OperationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

// updatingBackend lets tests push unilateral mailbox updates to idling clients.
type updatingBackend struct {
	*memory.Backend
	updates chan backend.Update
}

func (b *updatingBackend) Updates() <-chan backend.Update {
	return b.updates
}

// notifyExists tries to announce a new message count for INBOX. It reports
// whether the server took the update.
func (b *updatingBackend) notifyExists(messages uint32) bool {
	status := imap.NewMailboxStatus("INBOX", []imap.StatusItem{imap.StatusMessages})
	status.Messages = messages
	select {
	case b.updates <- &backend.MailboxUpdate{
		Update:        backend.NewUpdate("username", "INBOX"),
		MailboxStatus: status,
	}:
		return true
	default:
		return false
	}
}

// startIMAPServer runs an in-memory IMAP server with the stock
// username/password user and returns its address.
func startIMAPServer(t *testing.T) (*updatingBackend, string, int) {
	t.Helper()
	be := &updatingBackend{Backend: memory.New(), updates: make(chan backend.Update)}
	s := server.New(be)
	s.AllowInsecureAuth = true
	s.ErrorLog = log.New(io.Discard, "", 0)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return be, addr.IP.String(), addr.Port
}
