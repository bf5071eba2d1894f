package pingsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mailpush/internal/utils"
)

const waitTimeout = 2 * time.Second

// busyTracker counts concurrent protocol operations per account.
type busyTracker struct {
	mu         sync.Mutex
	active     map[AccountID]int
	violations int
}

func newBusyTracker() *busyTracker {
	return &busyTracker{active: make(map[AccountID]int)}
}

func (b *busyTracker) enter(id AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[id]++
	if b.active[id] > 1 {
		b.violations++
	}
}

func (b *busyTracker) leave(id AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[id]--
}

func (b *busyTracker) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}

type attemptFunc func(ctx context.Context, account AccountID, params PingParams) (PingOutcome, error)

type fakeExecutor struct {
	mu       sync.Mutex
	tracker  *busyTracker
	attempts map[AccountID]int
	started  chan AccountID
	fn       attemptFunc
}

func newFakeExecutor(tracker *busyTracker) *fakeExecutor {
	return &fakeExecutor{
		tracker:  tracker,
		attempts: make(map[AccountID]int),
		started:  make(chan AccountID, 128),
	}
}

func (f *fakeExecutor) setFunc(fn attemptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeExecutor) Attempts(id AccountID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func (f *fakeExecutor) Attempt(ctx context.Context, account AccountID, params PingParams) (PingOutcome, error) {
	f.tracker.enter(account)
	defer f.tracker.leave(account)

	f.mu.Lock()
	f.attempts[account]++
	fn := f.fn
	f.mu.Unlock()

	f.started <- account
	if fn != nil {
		return fn(ctx, account, params)
	}
	<-ctx.Done()
	return PingStopClean, nil
}

type fakeParams struct{}

func (fakeParams) PingParams(context.Context, AccountID) (PingParams, error) {
	return PingParams{Folders: []string{"INBOX"}, Heartbeat: time.Minute}, nil
}

type fakeResolver struct {
	mu      sync.Mutex
	push    map[AccountID]bool
	gates   map[AccountID]chan struct{}
	entered chan AccountID
	calls   int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		push:    make(map[AccountID]bool),
		gates:   make(map[AccountID]chan struct{}),
		entered: make(chan AccountID, 16),
	}
}

// hold parks ShouldPing for id until the returned func is called.
func (r *fakeResolver) hold(id AccountID) func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[id] = gate
	r.mu.Unlock()
	return func() { close(gate) }
}

func (r *fakeResolver) set(id AccountID, push bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push[id] = push
}

func (r *fakeResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeResolver) ShouldPing(_ context.Context, id AccountID) bool {
	r.mu.Lock()
	r.calls++
	push := r.push[id]
	gate := r.gates[id]
	r.mu.Unlock()

	if gate != nil {
		r.entered <- id
		<-gate
	}
	return push
}

type retryCall struct {
	account AccountID
	after   time.Duration
}

type fakeRetry struct {
	mu       sync.Mutex
	retries  []retryCall
	requests []AccountID
}

func (r *fakeRetry) ScheduleRetry(id AccountID, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retryCall{account: id, after: after})
}

func (r *fakeRetry) RequestPing(id AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, id)
}

func (r *fakeRetry) Retries() []retryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retryCall(nil), r.retries...)
}

func (r *fakeRetry) Requests() []AccountID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AccountID(nil), r.requests...)
}

type fakeHost struct {
	mu      sync.Mutex
	running int
	idle    int
}

func (h *fakeHost) EnsureRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running++
}

func (h *fakeHost) StopIfIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle++
}

func (h *fakeHost) counts() (running, idle int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, h.idle
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	sync     *Synchronizer
	tracker  *busyTracker
	exec     *fakeExecutor
	resolver *fakeResolver
	retry    *fakeRetry
	host     *fakeHost
	events   *eventRecorder
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		tracker:  newBusyTracker(),
		resolver: newFakeResolver(),
		retry:    &fakeRetry{},
		host:     &fakeHost{},
		events:   &eventRecorder{},
		logs:     logs,
	}
	h.exec = newFakeExecutor(h.tracker)
	opts = append([]Option{
		WithHost(h.host),
		WithObserver(h.events),
		WithLogger(utils.NewLoggerFrom("PingSync", zap.New(core))),
	}, opts...)
	h.sync = New(h.exec, fakeParams{}, h.resolver, h.retry, opts...)

	t.Cleanup(func() {
		h.sync.StopAll()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.sync.Wait(ctx)
	})
	return h
}

func (h *harness) awaitPing(t *testing.T, want AccountID) {
	t.Helper()
	select {
	case got := <-h.exec.started:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("ping attempt for account %d did not start", want)
	}
}

func (h *harness) requireNoPing(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.exec.started:
		t.Fatalf("unexpected ping attempt for account %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) awaitResolving(t *testing.T, want AccountID) {
	t.Helper()
	select {
	case got := <-h.resolver.entered:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("push resolution for account %d did not start", want)
	}
}

func (h *harness) snapshot(t *testing.T, id AccountID) AccountSnapshot {
	t.Helper()
	snap, ok := h.sync.Account(id)
	require.True(t, ok, "account %d should be tracked", id)
	return snap
}

func (h *harness) awaitUntracked(t *testing.T, id AccountID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.sync.Account(id)
		return !ok
	}, waitTimeout, 5*time.Millisecond)
}

func (h *harness) warnings() []observer.LoggedEntry {
	return h.logs.FilterLevelExact(zapcore.WarnLevel).All()
}
