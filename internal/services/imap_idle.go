package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/utils"

	"github.com/emersion/go-imap/client"
	"k8s.io/utils/clock"
)

// ChangeHandler is told about mailbox changes seen while a ping is held open.
type ChangeHandler func(account pingsync.AccountID, mailbox string)

// IMAPIdleExecutor holds a ping open with IMAP IDLE on the account's first
// push folder.
type IMAPIdleExecutor struct {
	accounts  *repository.EmailAccountRepository
	connector IMAPConnector
	heartbeat HeartbeatPolicy
	clock     clock.Clock
	onChange  atomic.Pointer[ChangeHandler]
	logger    *utils.Logger
}

// NewIMAPIdleExecutor creates an executor. A nil clk uses the real clock.
func NewIMAPIdleExecutor(accounts *repository.EmailAccountRepository, connector IMAPConnector, heartbeat HeartbeatPolicy, clk clock.Clock) *IMAPIdleExecutor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &IMAPIdleExecutor{
		accounts:  accounts,
		connector: connector,
		heartbeat: heartbeat,
		clock:     clk,
		logger:    utils.NewLogger("IMAPIdle"),
	}
}

// SetChangeHandler installs the callback for mailbox changes.
func (e *IMAPIdleExecutor) SetChangeHandler(fn ChangeHandler) {
	e.onChange.Store(&fn)
}

// Attempt implements pingsync.PingExecutor.
//
// A heartbeat expiry or a mailbox change ends the attempt with PingContinue,
// cancellation of ctx tears the connection down and ends with PingStopClean,
// and any protocol or network failure ends with PingStopError.
func (e *IMAPIdleExecutor) Attempt(ctx context.Context, id pingsync.AccountID, params pingsync.PingParams) (pingsync.PingOutcome, error) {
	if len(params.Folders) == 0 {
		return pingsync.PingStopError, fmt.Errorf("account %d has no folder to watch", id)
	}
	folder := params.Folders[0]
	heartbeat := e.heartbeat.Clamp(params.Heartbeat)

	account, err := e.accounts.WithContext(ctx).GetByID(uint(id))
	if err != nil {
		if ctx.Err() != nil {
			return pingsync.PingStopClean, nil
		}
		return pingsync.PingStopError, fmt.Errorf("load account %d: %w", id, err)
	}

	c, err := e.connector.Connect(ctx, account)
	if err != nil {
		if ctx.Err() != nil {
			return pingsync.PingStopClean, nil
		}
		e.networkFailure(id, heartbeat, err)
		return pingsync.PingStopError, err
	}

	updates := make(chan client.Update, 16)
	c.Updates = updates
	changed := make(chan struct{}, 1)
	go watchUpdates(c, updates, changed)

	if _, err := c.Select(folder, true); err != nil {
		c.Terminate()
		if ctx.Err() != nil {
			return pingsync.PingStopClean, nil
		}
		return pingsync.PingStopError, fmt.Errorf("select %s: %w", folder, err)
	}

	stop := make(chan struct{})
	stopIdle := sync.OnceFunc(func() { close(stop) })
	defer stopIdle()
	idleDone := make(chan error, 1)
	go func() {
		// IDLE 由心跳计时器结束，不需要库内部的 25 分钟重启
		idleDone <- c.Idle(stop, &client.IdleOptions{LogoutTimeout: -1})
	}()

	timer := e.clock.NewTimer(heartbeat)
	defer timer.Stop()

	e.logger.Debug("Account %d idling on %s for %v", id, folder, heartbeat)

	select {
	case <-ctx.Done():
		c.Terminate()
		<-idleDone
		return pingsync.PingStopClean, nil

	case err := <-idleDone:
		c.Terminate()
		if ctx.Err() != nil {
			return pingsync.PingStopClean, nil
		}
		if err == nil {
			err = errors.New("server ended IDLE")
		}
		e.networkFailure(id, heartbeat, err)
		return pingsync.PingStopError, fmt.Errorf("idle on %s: %w", folder, err)

	case <-timer.C():
		if err := e.endIdle(c, stopIdle, idleDone); err != nil {
			return pingsync.PingStopError, err
		}
		next := e.heartbeat.Increase(heartbeat)
		if next != heartbeat {
			e.saveHeartbeat(id, next)
		}
		e.logger.Debug("Account %d heartbeat expired after %v", id, heartbeat)
		return pingsync.PingContinue, nil

	case <-changed:
		if err := e.endIdle(c, stopIdle, idleDone); err != nil {
			return pingsync.PingStopError, err
		}
		if fn := e.onChange.Load(); fn != nil {
			(*fn)(id, folder)
		}
		return pingsync.PingContinue, nil
	}
}

// endIdle leaves IDLE with DONE and logs out.
func (e *IMAPIdleExecutor) endIdle(c *client.Client, stopIdle func(), idleDone <-chan error) error {
	stopIdle()
	err := <-idleDone
	if err != nil {
		c.Terminate()
		return fmt.Errorf("leave idle: %w", err)
	}
	if err := c.Logout(); err != nil {
		e.logger.Debug("Logout failed: %v", err)
		c.Terminate()
	}
	return nil
}

// networkFailure shortens the heartbeat when the connection was cut off.
func (e *IMAPIdleExecutor) networkFailure(id pingsync.AccountID, heartbeat time.Duration, err error) {
	if imapStatus(err) != pingsync.StatusNetworkProblem {
		return
	}
	if next := e.heartbeat.Decrease(heartbeat); next != heartbeat {
		e.saveHeartbeat(id, next)
	}
}

func (e *IMAPIdleExecutor) saveHeartbeat(id pingsync.AccountID, d time.Duration) {
	if err := e.accounts.UpdatePingDuration(uint(id), d); err != nil {
		e.logger.Warn("Failed to store heartbeat %v for account %d: %v", d, id, err)
		return
	}
	e.logger.Info("Account %d heartbeat set to %v", id, d)
}

// watchUpdates drains the client's update channel until logout and signals
// mailbox content changes on changed.
func watchUpdates(c *client.Client, updates <-chan client.Update, changed chan<- struct{}) {
	for {
		select {
		case u := <-updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		case <-c.LoggedOut():
			return
		}
	}
}
