package pingsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"mailpush/internal/utils"
)

// DefaultSyncErrorBackoff is how long a push account waits before pinging
// again after a failed sync.
const DefaultSyncErrorBackoff = time.Minute

// DefaultResolveTimeout bounds a single PushResolver call.
const DefaultResolveTimeout = 30 * time.Second

// ErrSyncAborted is returned by SyncStart when the caller's context ends
// while it waits for its turn.
var ErrSyncAborted = errors.New("sync aborted while waiting")

// Synchronizer serializes protocol operations per account. For every account
// at most one operation is in flight: either a ping or a sync. A sync always
// pre-empts a ping, and waiting syncs are served in arrival order. When the
// last sync finishes the ping is resumed if the account wants push.
type Synchronizer struct {
	mu       sync.Mutex
	accounts map[AccountID]*accountState

	executor PingExecutor
	params   PingParamsSource
	resolver PushResolver
	retry    RetryScheduler
	host     Host

	observers        []Observer
	syncErrorBackoff time.Duration
	resolveTimeout   time.Duration
	clock            clock.PassiveClock
	logger           *utils.Logger

	wg sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHost sets the host lifecycle callbacks.
func WithHost(h Host) Option {
	return func(s *Synchronizer) {
		if h != nil {
			s.host = h
		}
	}
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(s *Synchronizer) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithSyncErrorBackoff overrides the delay before pinging again after a failed sync.
func WithSyncErrorBackoff(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.syncErrorBackoff = d
		}
	}
}

// WithResolveTimeout overrides how long a push resolution may take.
func WithResolveTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.resolveTimeout = d
		}
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Synchronizer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Synchronizer.
func New(executor PingExecutor, params PingParamsSource, resolver PushResolver, retry RetryScheduler, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		accounts:         make(map[AccountID]*accountState),
		executor:         executor,
		params:           params,
		resolver:         resolver,
		retry:            retry,
		host:             noopHost{},
		syncErrorBackoff: DefaultSyncErrorBackoff,
		resolveTimeout:   DefaultResolveTimeout,
		clock:            clock.RealClock{},
		logger:           utils.NewLogger("PingSync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncStart blocks until the caller may run a sync for account. Any active
// ping is stopped first. If ctx ends while waiting an error wrapping
// ErrSyncAborted is returned and the caller must not call SyncEnd.
func (s *Synchronizer) SyncStart(ctx context.Context, account AccountID) error {
	s.mu.Lock()
	st := s.getOrCreate(account)
	st.pendingSyncs++
	if st.ping != nil {
		s.logger.Debug("Sync for account %d pre-empts ping %s", account, st.ping.id)
		st.ping.stop()
		s.emit(st, EventPingStopped, func(e *Event) { e.WorkerID = st.ping.id })
	}
	if st.ping == nil && st.pendingSyncs == 1 {
		s.emit(st, EventSyncStarted, nil)
		s.mu.Unlock()
		return nil
	}
	w := st.enqueue()
	s.logger.Debug("Sync for account %d waiting (pending=%d, ping=%t)", account, st.pendingSyncs, st.ping != nil)
	s.mu.Unlock()

	select {
	case <-w.ch:
		s.mu.Lock()
		s.emit(st, EventSyncStarted, nil)
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted {
		// The floor arrived together with the cancellation. Pass it on.
		s.emit(st, EventSyncAborted, nil)
		s.syncEndLocked(st, false)
		return fmt.Errorf("account %d: %w: %w", account, ErrSyncAborted, ctx.Err())
	}
	st.dequeue(w)
	st.pendingSyncs--
	s.emit(st, EventSyncAborted, nil)
	return fmt.Errorf("account %d: %w: %w", account, ErrSyncAborted, ctx.Err())
}

// SyncEnd releases the floor taken by SyncStart.
func (s *Synchronizer) SyncEnd(account AccountID, hadError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[account]
	if !ok {
		s.logger.Warn("SyncEnd for untracked account %d", account)
		return
	}
	s.emit(st, EventSyncEnded, func(e *Event) { e.HadError = hadError })
	s.syncEndLocked(st, hadError)
}

func (s *Synchronizer) syncEndLocked(st *accountState, hadError bool) {
	if st.pendingSyncs <= 0 {
		s.logger.Warn("SyncEnd for account %d without a matching SyncStart", st.id)
		return
	}
	st.pendingSyncs--
	if st.pendingSyncs > 0 {
		st.signalOne()
		return
	}

	if st.push == PushUnknown {
		// Resolved without the lock held. The account may move on meanwhile.
		s.mu.Unlock()
		push := s.shouldPing(st.id)
		s.mu.Lock()
		if s.accounts[st.id] != st {
			s.logger.Debug("Account %d went away while resolving push", st.id)
			return
		}
		if st.push == PushUnknown {
			st.push = push
			s.logger.Debug("Resolved push for account %d: %s", st.id, st.push)
		}
		if !st.idle() {
			return
		}
	}

	if st.push == PushEnabled {
		if hadError {
			s.logger.Info("Sync for account %d failed, retrying ping in %v", st.id, s.syncErrorBackoff)
			s.retry.ScheduleRetry(st.id, s.syncErrorBackoff)
			s.emit(st, EventRetryScheduled, func(e *Event) { e.RetryIn = s.syncErrorBackoff })
			return
		}
		s.startPing(st)
		return
	}
	s.remove(st)
}

func (s *Synchronizer) shouldPing(account AccountID) PushDesire {
	ctx, cancel := context.WithTimeout(context.Background(), s.resolveTimeout)
	defer cancel()
	if s.resolver.ShouldPing(ctx, account) {
		return PushEnabled
	}
	return PushDisabled
}

// PingEnd is for callers outside the ping worker that believe the account's
// ping is over. Workers report their own exit, so an external PingEnd while a
// worker is active only asks it to stop. The slot is freed when the worker
// has actually returned.
func (s *Synchronizer) PingEnd(account AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[account]
	if !ok {
		s.logger.Warn("PingEnd for untracked account %d", account)
		return
	}
	if st.ping == nil {
		s.logger.Warn("PingEnd for account %d without an active ping", account)
		return
	}
	s.logger.Warn("PingEnd for account %d while ping %s is still running, stopping it", account, st.ping.id)
	st.ping.stop()
	s.emit(st, EventPingStopped, func(e *Event) { e.WorkerID = st.ping.id })
}

func (s *Synchronizer) pingEnded(w *pingWorker, outcome PingOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[w.account]
	if !ok {
		s.logger.Warn("Ping %s ended for untracked account %d", w.id, w.account)
		return
	}
	if st.ping != w {
		s.logger.Warn("Ping %s ended for account %d but is not the active ping", w.id, w.account)
		return
	}
	s.pingEndLocked(st, w, outcome)
}

func (s *Synchronizer) pingEndLocked(st *accountState, w *pingWorker, outcome PingOutcome) {
	st.ping = nil
	s.emit(st, EventPingEnded, func(e *Event) {
		e.WorkerID = w.id
		e.Outcome = outcome.String()
	})

	if st.pendingSyncs > 0 {
		st.signalOne()
		return
	}
	switch st.push {
	case PushEnabled, PushUnknown:
		if st.push == PushUnknown {
			s.logger.Error("Ping for account %d ended with unknown push state", st.id)
		}
		s.retry.RequestPing(st.id)
		s.emit(st, EventPingRequested, nil)
	default:
		s.remove(st)
	}
}

// PushModify marks the account as wanting push and makes sure a ping with
// fresh parameters is running unless syncs are pending.
func (s *Synchronizer) PushModify(account AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(account)
	st.push = PushEnabled
	s.emit(st, EventPushEnabled, nil)
	if st.pendingSyncs > 0 {
		return
	}
	if st.ping == nil {
		s.startPing(st)
		return
	}
	st.ping.restart()
	s.emit(st, EventPingRestarted, func(e *Event) { e.WorkerID = st.ping.id })
}

// PushStop marks the account as not wanting push and stops its ping. It does
// not wait for the ping to exit.
func (s *Synchronizer) PushStop(account AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushStopLocked(account)
}

func (s *Synchronizer) pushStopLocked(account AccountID) {
	st, ok := s.accounts[account]
	if !ok {
		s.logger.Debug("PushStop for untracked account %d", account)
		return
	}
	st.push = PushDisabled
	s.emit(st, EventPushDisabled, nil)
	if st.ping != nil {
		st.ping.stop()
		s.emit(st, EventPingStopped, func(e *Event) { e.WorkerID = st.ping.id })
		return
	}
	if st.idle() {
		// Left behind by a failed sync waiting for its retry.
		s.remove(st)
	}
}

// StopIfIdle tells the host to stop if no account is tracked.
func (s *Synchronizer) StopIfIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accounts) == 0 {
		s.host.StopIfIdle()
	}
}

// StopAll disables push for every tracked account.
func (s *Synchronizer) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.accounts {
		s.pushStopLocked(id)
	}
}

// Wait blocks until every ping worker has exited or ctx ends.
func (s *Synchronizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state of every tracked account ordered by id.
func (s *Synchronizer) Snapshot() []AccountSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccountSnapshot, 0, len(s.accounts))
	for _, st := range s.accounts {
		snap := AccountSnapshot{
			Account:      st.id,
			Push:         st.push,
			PendingSyncs: st.pendingSyncs,
			Waiting:      len(st.waiters),
		}
		if st.ping != nil {
			snap.PingWorker = st.ping.id
			snap.PingState = st.ping.currentState()
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Account returns the state of one account and whether it is tracked.
func (s *Synchronizer) Account(account AccountID) (AccountSnapshot, bool) {
	for _, snap := range s.Snapshot() {
		if snap.Account == account {
			return snap, true
		}
	}
	return AccountSnapshot{}, false
}

func (s *Synchronizer) getOrCreate(account AccountID) *accountState {
	if st, ok := s.accounts[account]; ok {
		return st
	}
	if len(s.accounts) == 0 {
		s.host.EnsureRunning()
	}
	st := newAccountState(account)
	s.accounts[account] = st
	return st
}

func (s *Synchronizer) startPing(st *accountState) {
	w := newPingWorker(s, st.id)
	st.ping = w
	s.logger.Info("Starting ping %s for account %d", w.id, st.id)
	s.emit(st, EventPingStarted, func(e *Event) { e.WorkerID = w.id })
	w.start()
}

func (s *Synchronizer) remove(st *accountState) {
	delete(s.accounts, st.id)
	s.emit(st, EventAccountIdle, nil)
	s.logger.Debug("Account %d is idle, %d accounts tracked", st.id, len(s.accounts))
	if len(s.accounts) == 0 {
		s.host.StopIfIdle()
	}
}

func (s *Synchronizer) emit(st *accountState, typ EventType, fill func(*Event)) {
	if len(s.observers) == 0 {
		return
	}
	e := Event{
		Type:    typ,
		Account: st.id,
		Time:    s.clock.Now(),
		Pending: st.pendingSyncs,
		Push:    st.push,
	}
	if fill != nil {
		fill(&e)
	}
	for _, o := range s.observers {
		o.Observe(e)
	}
}
