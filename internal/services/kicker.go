package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"mailpush/internal/pingsync"
	"mailpush/internal/utils"

	"k8s.io/utils/clock"
)

// Kicker periodically asks every registered push account for a push-only
// sync, which restarts its ping. It guards against pings that silently died
// on the server side.
type Kicker struct {
	clock    clock.WithTicker
	interval time.Duration
	kick     func(pingsync.AccountID)
	logger   *utils.Logger

	mu       sync.Mutex
	accounts map[pingsync.AccountID]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKicker creates a kicker. A nil clk uses the real clock.
func NewKicker(clk clock.WithTicker, interval time.Duration, kick func(pingsync.AccountID)) *Kicker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Kicker{
		clock:    clk,
		interval: interval,
		kick:     kick,
		logger:   utils.NewLogger("Kicker"),
		accounts: make(map[pingsync.AccountID]struct{}),
	}
}

// Add registers an account.
func (k *Kicker) Add(account pingsync.AccountID) {
	k.mu.Lock()
	k.accounts[account] = struct{}{}
	k.mu.Unlock()
}

// Remove unregisters an account.
func (k *Kicker) Remove(account pingsync.AccountID) {
	k.mu.Lock()
	delete(k.accounts, account)
	k.mu.Unlock()
}

// Accounts returns the registered accounts in ascending order.
func (k *Kicker) Accounts() []pingsync.AccountID {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]pingsync.AccountID, 0, len(k.accounts))
	for id := range k.accounts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Start begins ticking. It is a no-op when already started.
func (k *Kicker) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	ticker := k.clock.NewTicker(k.interval)
	go k.run(ctx, ticker, k.done)
	k.logger.Info("Kicking push accounts every %v", k.interval)
}

// Stop stops ticking and waits for the loop to exit.
func (k *Kicker) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (k *Kicker) run(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			accounts := k.Accounts()
			k.logger.Debug("Kicking %d push accounts", len(accounts))
			for _, id := range accounts {
				k.kick(id)
			}
		}
	}
}
