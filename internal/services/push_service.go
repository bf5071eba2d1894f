package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/utils"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// ServiceStatus is the coarse result of a sync reported to callers.
type ServiceStatus string

const (
	ServiceSuccess                ServiceStatus = "success"
	ServiceIOError                ServiceStatus = "io_error"
	ServiceLoginFailed            ServiceStatus = "login_failed"
	ServiceProvisioningError      ServiceStatus = "provisioning_error"
	ServiceClientCertificateError ServiceStatus = "client_certificate_error"
	ServiceProtocolError          ServiceStatus = "protocol_error"
	ServiceInternalError          ServiceStatus = "internal_error"
)

// SyncOptions controls a single sync request.
type SyncOptions struct {
	// PushOnly skips all protocol work. Its only effect is restarting the
	// account's ping once the sync floor is released.
	PushOnly bool `json:"pushOnly"`
}

// SyncReport describes a finished sync request.
type SyncReport struct {
	AccountID uint          `json:"account_id"`
	PushOnly  bool          `json:"push_only"`
	Result    string        `json:"result"`
	Status    ServiceStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// PushService is the host process of the ping/sync scheduler. It brackets
// syncs through the Synchronizer, keeps push state in line with the stored
// account settings, and runs the push-only syncs asked for by the retry
// scheduler, the kicker and the ping executor.
type PushService struct {
	sync      *pingsync.Synchronizer
	accounts  *repository.EmailAccountRepository
	resolver  *AccountPushResolver
	syncer    Syncer
	retry     *TimerRetryScheduler
	kicker    *Kicker
	logger    *utils.Logger
	syncLimit time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// PushServiceOption configures a PushService.
type PushServiceOption func(*PushService)

// WithKicker enables a periodic push-only sync of every push account.
func WithKicker(clk clock.WithTicker, interval time.Duration) PushServiceOption {
	return func(s *PushService) {
		s.kicker = NewKicker(clk, interval, s.kick)
	}
}

// WithBackgroundSyncTimeout bounds syncs started in the background.
func WithBackgroundSyncTimeout(d time.Duration) PushServiceOption {
	return func(s *PushService) {
		if d > 0 {
			s.syncLimit = d
		}
	}
}

// NewPushService wires the service and installs itself as the retry trigger.
func NewPushService(synchronizer *pingsync.Synchronizer, accounts *repository.EmailAccountRepository, resolver *AccountPushResolver, syncer Syncer, retry *TimerRetryScheduler, opts ...PushServiceOption) *PushService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PushService{
		sync:      synchronizer,
		accounts:  accounts,
		resolver:  resolver,
		syncer:    syncer,
		retry:     retry,
		logger:    utils.NewLogger("PushService"),
		ctx:       ctx,
		cancel:    cancel,
		syncLimit: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	retry.SetTrigger(func(id pingsync.AccountID) {
		s.background(id, SyncOptions{PushOnly: true}, "retry")
	})
	if s.kicker != nil {
		s.kicker.Start()
	}
	return s
}

// Synchronizer returns the scheduler the service drives.
func (s *PushService) Synchronizer() *pingsync.Synchronizer {
	return s.sync
}

// Kicker returns the kicker, or nil when kicking is disabled.
func (s *PushService) Kicker() *Kicker {
	return s.kicker
}

// RetryDue reports when the account's delayed retry fires, if one is armed.
func (s *PushService) RetryDue(accountID uint) (time.Time, bool) {
	return s.retry.Pending(pingsync.AccountID(accountID))
}

// Sync runs one sync of the account between SyncStart and SyncEnd.
// An error is returned when the account does not exist or the sync was
// aborted before it could start; protocol failures are reported in the
// SyncReport.
func (s *PushService) Sync(ctx context.Context, accountID uint, opts SyncOptions) (SyncReport, error) {
	report := SyncReport{AccountID: accountID, PushOnly: opts.PushOnly}
	account, err := s.accounts.WithContext(ctx).GetByID(accountID)
	if err != nil {
		return report, err
	}
	id := pingsync.AccountID(accountID)

	name := "sync"
	if opts.PushOnly {
		name = "push_only_sync"
	}

	started := time.Now()
	res, err := s.sync.Do(ctx, id, name, func(ctx context.Context) pingsync.OperationResult {
		if opts.PushOnly {
			return pingsync.Succeeded()
		}
		return s.syncer.Sync(ctx, account)
	})
	report.Duration = time.Since(started)
	report.Result = res.Code.String()
	if res.Err != nil {
		report.Error = res.Err.Error()
	}
	if err != nil {
		return report, err
	}
	report.Status = s.serviceStatus(res.Code)

	if !opts.PushOnly {
		s.afterSync(account, res)
	}
	s.trackKick(pingsync.AccountID(accountID))
	return report, nil
}

// afterSync records what a real sync learned about the account. Push-only
// syncs talk to no server and leave backoff and flags alone.
func (s *PushService) afterSync(account *models.EmailAccount, res pingsync.OperationResult) {
	if !res.Code.IsError() {
		s.retry.Reset(pingsync.AccountID(account.ID))
	}

	flags := account.Flags
	switch {
	case res.Code == pingsync.StatusAuthenticationError:
		flags |= models.AccountFlagAuthFailed
	case !res.Code.IsError():
		flags &^= models.AccountFlagAuthFailed
	}
	if flags != account.Flags {
		if err := s.accounts.SetFlags(account.ID, flags); err != nil {
			s.logger.Warn("Failed to update flags of account %d: %v", account.ID, err)
		}
	}
}

func (s *PushService) trackKick(id pingsync.AccountID) {
	if s.kicker == nil {
		return
	}
	if snap, ok := s.sync.Account(id); ok && snap.Push == pingsync.PushEnabled {
		s.kicker.Add(id)
	} else {
		s.kicker.Remove(id)
	}
}

// serviceStatus folds an operation status code into the coarse status
// reported to callers.
func (s *PushService) serviceStatus(code pingsync.StatusCode) ServiceStatus {
	if code >= pingsync.StatusOK {
		return ServiceSuccess
	}
	switch code {
	case pingsync.StatusAbort, pingsync.StatusRestart:
		s.logger.Error("Unexpected status %s reported as success", code)
		return ServiceSuccess
	case pingsync.StatusTooManyRedirects:
		return ServiceInternalError
	case pingsync.StatusNetworkProblem:
		return ServiceIOError
	case pingsync.StatusForbidden, pingsync.StatusAuthenticationError:
		return ServiceLoginFailed
	case pingsync.StatusProvisioningError:
		return ServiceProvisioningError
	case pingsync.StatusClientCertificateRequired:
		return ServiceClientCertificateError
	case pingsync.StatusProtocolVersionUnsupported:
		return ServiceProtocolError
	case pingsync.StatusInitializationFailure, pingsync.StatusHardDataFailure, pingsync.StatusOtherFailure:
		return ServiceInternalError
	case pingsync.StatusNonFatalError:
		s.logger.Error("Non-fatal error status %s reported as success", code)
		return ServiceSuccess
	}
	s.logger.Error("Unexpected status %s", code)
	return ServiceInternalError
}

// PushModify re-checks whether the account should push and updates the
// scheduler: a ping with fresh parameters when it should, no ping otherwise.
func (s *PushService) PushModify(ctx context.Context, accountID uint) (PushDecision, error) {
	d, err := s.resolver.Decide(ctx, accountID)
	if err != nil {
		return d, err
	}
	id := pingsync.AccountID(accountID)
	if d.Push {
		s.sync.PushModify(id)
		if s.kicker != nil {
			s.kicker.Add(id)
		}
	} else {
		s.PushStop(accountID)
	}
	s.logger.Info("Push for account %d: %t (%s)", accountID, d.Push, d.Reason)
	return d, nil
}

// PushStop stops the account's ping and pending retries.
func (s *PushService) PushStop(accountID uint) {
	id := pingsync.AccountID(accountID)
	s.sync.PushStop(id)
	s.retry.Reset(id)
	if s.kicker != nil {
		s.kicker.Remove(id)
	}
}

// RestartPings re-evaluates every push account, starting pings for those
// that need one. When none does the host is told it may stop.
func (s *PushService) RestartPings(ctx context.Context) (int, error) {
	accounts, err := s.accounts.WithContext(ctx).GetPushAccounts()
	if err != nil {
		return 0, fmt.Errorf("load push accounts: %w", err)
	}

	decisions := make([]PushDecision, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range accounts {
		g.Go(func() error {
			d, err := s.resolver.Decide(gctx, accounts[i].ID)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("resolve push accounts: %w", err)
	}

	started := 0
	for _, d := range decisions {
		if !d.Push {
			s.logger.Debug("Account %d does not push: %s", d.AccountID, d.Reason)
			continue
		}
		s.sync.PushModify(pingsync.AccountID(d.AccountID))
		if s.kicker != nil {
			s.kicker.Add(pingsync.AccountID(d.AccountID))
		}
		started++
	}
	if started == 0 {
		s.sync.StopIfIdle()
	}
	s.logger.Info("Pings running for %d of %d push accounts", started, len(accounts))
	return started, nil
}

// MailboxChanged is called by the ping executor when the server reports
// changes. It records the push and starts a full sync in the background.
func (s *PushService) MailboxChanged(account pingsync.AccountID, mailbox string) {
	s.logger.Info("Changes in %s of account %d", mailbox, account)
	if err := s.accounts.UpdateLastPush(uint(account)); err != nil {
		s.logger.Warn("Failed to record push for account %d: %v", account, err)
	}
	s.background(account, SyncOptions{}, "push")
}

func (s *PushService) kick(account pingsync.AccountID) {
	s.background(account, SyncOptions{PushOnly: true}, "kick")
}

// background runs Sync on its own goroutine, bounded by the service lifetime.
func (s *PushService) background(account pingsync.AccountID, opts SyncOptions, reason string) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.syncLimit)
		defer cancel()

		report, err := s.Sync(ctx, uint(account), opts)
		switch {
		case errors.Is(err, pingsync.ErrSyncAborted):
			s.logger.Debug("Background %s sync of account %d aborted", reason, account)
		case errors.Is(err, repository.ErrAccountNotFound):
			s.logger.Warn("Background %s sync for deleted account %d", reason, account)
			s.sync.PushStop(account)
		case err != nil:
			s.logger.Error("Background %s sync of account %d failed: %v", reason, account, err)
		default:
			s.logger.Debug("Background %s sync of account %d: %s", reason, account, report.Status)
		}
	}()
}

// Shutdown stops periodic work, disables push for every account and waits
// for pings and background syncs to finish or ctx to end.
func (s *PushService) Shutdown(ctx context.Context) error {
	if s.kicker != nil {
		s.kicker.Stop()
	}
	s.retry.Stop()
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()
	s.cancel()
	s.sync.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.sync.Wait(ctx)
}
