package services

import (
	"sync"
	"sync/atomic"
	"time"

	"mailpush/internal/pingsync"
	"mailpush/internal/utils"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"
)

// RetryTrigger runs the push-only sync requested by the scheduler.
type RetryTrigger func(account pingsync.AccountID)

type pendingRetry struct {
	timer clock.Timer
	gen   uint64
	due   time.Time
}

// TimerRetryScheduler implements pingsync.RetryScheduler with one pending
// timer per account. Accounts that keep failing wait longer each time, up to
// the configured maximum, until Reset is called after a good sync.
type TimerRetryScheduler struct {
	clock       clock.WithDelayedExecution
	initial     time.Duration
	maxInterval time.Duration
	trigger     atomic.Pointer[RetryTrigger]
	logger      *utils.Logger

	mu       sync.Mutex
	gen      uint64
	pending  map[pingsync.AccountID]pendingRetry
	backoffs map[pingsync.AccountID]*backoff.ExponentialBackOff
	stopped  bool
	wg       sync.WaitGroup
}

// NewTimerRetryScheduler creates a scheduler. A nil clk uses the real clock.
func NewTimerRetryScheduler(clk clock.WithDelayedExecution, initial, maxInterval time.Duration) *TimerRetryScheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	return &TimerRetryScheduler{
		clock:       clk,
		initial:     initial,
		maxInterval: maxInterval,
		logger:      utils.NewLogger("RetryScheduler"),
		pending:     make(map[pingsync.AccountID]pendingRetry),
		backoffs:    make(map[pingsync.AccountID]*backoff.ExponentialBackOff),
	}
}

// SetTrigger installs the function fired for due retries.
func (s *TimerRetryScheduler) SetTrigger(fn RetryTrigger) {
	s.trigger.Store(&fn)
}

// ScheduleRetry implements pingsync.RetryScheduler. The wait is the larger of
// after and the account's current backoff step. A newer request replaces an
// older pending one.
func (s *TimerRetryScheduler) ScheduleRetry(account pingsync.AccountID, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	delay := after
	if next := s.backoffFor(account).NextBackOff(); next != backoff.Stop && next > delay {
		delay = next
	}
	s.scheduleLocked(account, delay)
	s.logger.Info("Retry for account %d in %v", account, delay)
}

// RequestPing implements pingsync.RetryScheduler.
func (s *TimerRetryScheduler) RequestPing(account pingsync.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked(account)
	go s.fire(account, 0, false)
}

// Reset forgets the account's backoff and cancels a pending retry.
func (s *TimerRetryScheduler) Reset(account pingsync.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, account)
	s.cancelLocked(account)
}

// Pending returns when the account's next retry is due.
func (s *TimerRetryScheduler) Pending(account pingsync.AccountID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[account]
	return p.due, ok
}

// Stop cancels all pending retries and waits for running triggers.
func (s *TimerRetryScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for account := range s.pending {
		s.cancelLocked(account)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *TimerRetryScheduler) backoffFor(account pingsync.AccountID) *backoff.ExponentialBackOff {
	b, ok := s.backoffs[account]
	if !ok {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     s.initial,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         s.maxInterval,
		}
		b.Reset()
		s.backoffs[account] = b
	}
	return b
}

func (s *TimerRetryScheduler) scheduleLocked(account pingsync.AccountID, delay time.Duration) {
	s.cancelLocked(account)
	s.gen++
	gen := s.gen
	// 回调可能在持有时钟锁时同步执行，不能在这里拿 s.mu
	timer := s.clock.AfterFunc(delay, func() {
		go s.fire(account, gen, true)
	})
	s.pending[account] = pendingRetry{timer: timer, gen: gen, due: s.clock.Now().Add(delay)}
}

func (s *TimerRetryScheduler) cancelLocked(account pingsync.AccountID) {
	if p, ok := s.pending[account]; ok {
		p.timer.Stop()
		delete(s.pending, account)
	}
}

func (s *TimerRetryScheduler) fire(account pingsync.AccountID, gen uint64, timed bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if timed {
		p, ok := s.pending[account]
		if !ok || p.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.pending, account)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if fn := s.trigger.Load(); fn != nil {
		(*fn)(account)
	} else {
		s.logger.Warn("No trigger installed, dropping retry for account %d", account)
	}
}
