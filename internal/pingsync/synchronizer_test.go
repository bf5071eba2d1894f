package pingsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncStartWithoutContention(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sync.SyncStart(context.Background(), 7))

	snap := h.snapshot(t, 7)
	assert.Equal(t, 1, snap.PendingSyncs)
	assert.Equal(t, PushUnknown, snap.Push)
	assert.Empty(t, snap.PingWorker)

	running, idle := h.host.counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, idle)
}

func TestSyncEndStartsPingThenSyncPreemptsIt(t *testing.T) {
	h := newHarness(t)
	h.resolver.set(7, true)

	require.NoError(t, h.sync.SyncStart(context.Background(), 7))
	h.sync.SyncEnd(7, false)
	h.awaitPing(t, 7)

	snap := h.snapshot(t, 7)
	assert.Equal(t, PushEnabled, snap.Push)
	assert.NotEmpty(t, snap.PingWorker)
	assert.Equal(t, 1, h.exec.Attempts(7))
	assert.Len(t, h.events.ofType(EventPingStarted), 1)

	require.NoError(t, h.sync.SyncStart(context.Background(), 7))
	snap = h.snapshot(t, 7)
	assert.Empty(t, snap.PingWorker, "ping must be gone once the sync holds the floor")
	assert.Equal(t, 1, snap.PendingSyncs)
	require.Len(t, h.events.ofType(EventPingEnded), 1)
	assert.Empty(t, h.retry.Requests(), "a waiting sync takes the floor instead of a new ping")

	h.sync.SyncEnd(7, false)
	h.awaitPing(t, 7)
	assert.Equal(t, 2, h.exec.Attempts(7))
	assert.Equal(t, 1, h.resolver.Calls(), "push desire is resolved once")
	assert.Zero(t, h.tracker.Violations())
}

func TestSyncWaitsForPingToExit(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.setFunc(func(ctx context.Context, _ AccountID, _ PingParams) (PingOutcome, error) {
		<-ctx.Done()
		<-release
		return PingStopClean, nil
	})

	h.sync.PushModify(7)
	h.awaitPing(t, 7)

	done := make(chan error, 1)
	go func() { done <- h.sync.SyncStart(context.Background(), 7) }()

	select {
	case <-done:
		t.Fatal("sync started while the ping was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("sync did not start after the ping exited")
	}
	assert.Zero(t, h.tracker.Violations())
	h.sync.SyncEnd(7, false)
}

func TestPushStopRemovesAccountAfterPingEnds(t *testing.T) {
	h := newHarness(t)

	h.sync.PushModify(9)
	h.awaitPing(t, 9)

	h.sync.PushStop(9)
	h.awaitUntracked(t, 9)

	running, idle := h.host.counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, idle)
	assert.Empty(t, h.retry.Requests())
	assert.Empty(t, h.sync.Snapshot())
}

func TestPingEndForUnknownAccountIsNoop(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() { h.sync.PingEnd(9) })
	assert.Empty(t, h.sync.Snapshot())

	running, idle := h.host.counts()
	assert.Zero(t, running)
	assert.Zero(t, idle)

	warnings := h.warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "untracked account 9")
}

func TestPingEndLeavesSlotToRunningWorker(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var inFlight atomic.Bool
	h.exec.setFunc(func(ctx context.Context, _ AccountID, _ PingParams) (PingOutcome, error) {
		inFlight.Store(true)
		defer inFlight.Store(false)
		<-ctx.Done()
		<-release
		return PingStopClean, nil
	})

	h.sync.PushModify(7)
	h.awaitPing(t, 7)

	done := make(chan error, 1)
	go func() { done <- h.sync.SyncStart(context.Background(), 7) }()
	require.Eventually(t, func() bool {
		snap, ok := h.sync.Account(7)
		return ok && snap.Waiting == 1
	}, waitTimeout, 5*time.Millisecond)

	h.sync.PingEnd(7)

	select {
	case <-done:
		t.Fatal("sync started while the ping attempt was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, inFlight.Load())
	assert.NotEmpty(t, h.snapshot(t, 7).PingWorker, "slot stays taken until the worker returns")
	assert.Empty(t, h.events.ofType(EventPingEnded))

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("sync did not start after the ping exited")
	}
	assert.False(t, inFlight.Load())
	assert.Zero(t, h.tracker.Violations())
	assert.Len(t, h.events.ofType(EventPingEnded), 1)
	for _, w := range h.warnings() {
		assert.NotContains(t, w.Message, "not the active ping")
	}
	h.sync.SyncEnd(7, false)
}

func TestPingEndStopsWorkerThenRequestsPing(t *testing.T) {
	h := newHarness(t)

	h.sync.PushModify(7)
	h.awaitPing(t, 7)
	h.sync.PingEnd(7)

	require.Eventually(t, func() bool { return len(h.retry.Requests()) == 1 }, waitTimeout, 5*time.Millisecond)
	snap := h.snapshot(t, 7)
	assert.Empty(t, snap.PingWorker)
	assert.Equal(t, PushEnabled, snap.Push)
	assert.Len(t, h.events.ofType(EventPingEnded), 1)
	assert.Len(t, h.warnings(), 1)
}

func TestSyncEndForUnknownAccountIsNoop(t *testing.T) {
	h := newHarness(t)

	h.sync.SyncEnd(3, true)

	assert.Empty(t, h.sync.Snapshot())
	assert.Empty(t, h.retry.Retries())
	assert.Len(t, h.warnings(), 1)
}

func TestWaitingSyncsAreServedInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sync.SyncStart(ctx, 1))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if !assert.NoError(t, h.sync.SyncStart(ctx, 1)) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			h.sync.SyncEnd(1, false)
		}(i)
		require.Eventually(t, func() bool {
			return h.snapshot(t, 1).Waiting == i
		}, waitTimeout, time.Millisecond)
	}

	h.sync.SyncEnd(1, false)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
	h.awaitUntracked(t, 1)
}

func TestOperationsNeverOverlap(t *testing.T) {
	h := newHarness(t)
	h.resolver.set(1, true)
	h.sync.PushModify(1)
	h.awaitPing(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sync.Do(context.Background(), 1, "sync", func(context.Context) OperationResult {
				h.tracker.enter(1)
				defer h.tracker.leave(1)
				time.Sleep(time.Millisecond)
				return Succeeded()
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, h.tracker.Violations())
	require.Eventually(t, func() bool {
		return h.snapshot(t, 1).PingWorker != ""
	}, waitTimeout, 5*time.Millisecond, "ping resumes once every sync finished")
}

func TestFailedSyncSchedulesRetry(t *testing.T) {
	h := newHarness(t, WithSyncErrorBackoff(5*time.Second))
	h.resolver.set(4, true)

	require.NoError(t, h.sync.SyncStart(context.Background(), 4))
	h.sync.SyncEnd(4, true)

	assert.Equal(t, []retryCall{{account: 4, after: 5 * time.Second}}, h.retry.Retries())
	h.requireNoPing(t)

	snap := h.snapshot(t, 4)
	assert.Equal(t, PushEnabled, snap.Push)
	assert.Zero(t, snap.PendingSyncs)
	assert.Empty(t, snap.PingWorker)

	h.sync.PushStop(4)
	h.awaitUntracked(t, 4)
}

func TestSyncWithoutPushRemovesAccount(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sync.SyncStart(context.Background(), 2))
	h.sync.SyncEnd(2, false)

	assert.Empty(t, h.sync.Snapshot())
	running, idle := h.host.counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, idle)
	h.requireNoPing(t)
}

func TestPingErrorRequestsNewPing(t *testing.T) {
	h := newHarness(t)
	h.exec.setFunc(func(context.Context, AccountID, PingParams) (PingOutcome, error) {
		return PingStopError, errors.New("connection reset")
	})

	h.sync.PushModify(5)
	h.awaitPing(t, 5)

	require.Eventually(t, func() bool {
		return len(h.retry.Requests()) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []AccountID{5}, h.retry.Requests())

	snap := h.snapshot(t, 5)
	assert.Empty(t, snap.PingWorker)
	assert.Equal(t, PushEnabled, snap.Push)

	ended := h.events.ofType(EventPingEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, PingStopError.String(), ended[0].Outcome)
}

func TestPingPanicEndsWorker(t *testing.T) {
	h := newHarness(t)
	h.exec.setFunc(func(context.Context, AccountID, PingParams) (PingOutcome, error) {
		panic("boom")
	})

	h.sync.PushModify(6)
	h.awaitPing(t, 6)

	require.Eventually(t, func() bool {
		return len(h.retry.Requests()) == 1
	}, waitTimeout, 5*time.Millisecond)
	ended := h.events.ofType(EventPingEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, PingStopError.String(), ended[0].Outcome)
	assert.Equal(t, []AccountID{6}, h.retry.Requests())
}

func TestPingContinueLoops(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	calls := 0
	h.exec.setFunc(func(ctx context.Context, _ AccountID, _ PingParams) (PingOutcome, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return PingContinue, nil
		}
		<-ctx.Done()
		return PingStopClean, nil
	})

	h.sync.PushModify(8)
	for i := 0; i < 3; i++ {
		h.awaitPing(t, 8)
	}
	assert.Equal(t, 3, h.exec.Attempts(8))
	assert.Empty(t, h.events.ofType(EventPingEnded))
}

func TestPushModifyRestartsActivePing(t *testing.T) {
	h := newHarness(t)

	h.sync.PushModify(3)
	h.awaitPing(t, 3)
	worker := h.snapshot(t, 3).PingWorker

	h.sync.PushModify(3)
	h.awaitPing(t, 3)

	assert.Equal(t, worker, h.snapshot(t, 3).PingWorker, "restart keeps the same worker")
	assert.Empty(t, h.events.ofType(EventPingEnded))
	assert.Len(t, h.events.ofType(EventPingRestarted), 1)
}

func TestPushModifyDuringSyncDefersPing(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sync.SyncStart(context.Background(), 3))
	h.sync.PushModify(3)
	h.requireNoPing(t)

	h.sync.SyncEnd(3, false)
	h.awaitPing(t, 3)
	assert.Zero(t, h.resolver.Calls(), "push is already known to be enabled")
}

func TestSyncStartAbortedByContext(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.setFunc(func(ctx context.Context, _ AccountID, _ PingParams) (PingOutcome, error) {
		<-ctx.Done()
		<-release
		return PingStopClean, nil
	})

	h.sync.PushModify(7)
	h.awaitPing(t, 7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sync.SyncStart(ctx, 7) }()
	require.Eventually(t, func() bool {
		return h.snapshot(t, 7).Waiting == 1
	}, waitTimeout, time.Millisecond)

	cancel()
	var err error
	select {
	case err = <-done:
	case <-time.After(waitTimeout):
		t.Fatal("aborted sync did not return")
	}
	require.ErrorIs(t, err, ErrSyncAborted)
	assert.ErrorIs(t, err, context.Canceled)

	snap := h.snapshot(t, 7)
	assert.Zero(t, snap.PendingSyncs)
	assert.Zero(t, snap.Waiting)

	close(release)
	require.Eventually(t, func() bool {
		return len(h.retry.Requests()) == 1
	}, waitTimeout, 5*time.Millisecond, "the stopped ping asks for a new one since push is still wanted")
}

func TestStopAllStopsEveryPing(t *testing.T) {
	h := newHarness(t)

	h.sync.PushModify(1)
	h.awaitPing(t, 1)
	h.sync.PushModify(2)
	h.awaitPing(t, 2)

	h.sync.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.sync.Wait(ctx))
	assert.Empty(t, h.sync.Snapshot())

	_, idle := h.host.counts()
	assert.Equal(t, 1, idle)
}

func TestStopIfIdle(t *testing.T) {
	h := newHarness(t)

	h.sync.StopIfIdle()
	_, idle := h.host.counts()
	assert.Equal(t, 1, idle)

	require.NoError(t, h.sync.SyncStart(context.Background(), 1))
	h.sync.StopIfIdle()
	_, idle = h.host.counts()
	assert.Equal(t, 1, idle, "host keeps running while an account is tracked")
	h.sync.SyncEnd(1, false)
}

func TestPushStopUnknownAccountCreatesNothing(t *testing.T) {
	h := newHarness(t)

	h.sync.PushStop(11)

	assert.Empty(t, h.sync.Snapshot())
	running, _ := h.host.counts()
	assert.Zero(t, running)
}

func TestPushResolutionDoesNotBlockOtherAccounts(t *testing.T) {
	h := newHarness(t)
	h.resolver.set(1, true)
	release := h.resolver.hold(1)

	require.NoError(t, h.sync.SyncStart(context.Background(), 1))
	ended := make(chan struct{})
	go func() {
		h.sync.SyncEnd(1, false)
		close(ended)
	}()
	h.awaitResolving(t, 1)

	other := make(chan error, 1)
	go func() {
		if err := h.sync.SyncStart(context.Background(), 2); err != nil {
			other <- err
			return
		}
		h.sync.SyncEnd(2, false)
		other <- nil
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("account 2 waited on push resolution of account 1")
	}
	_, tracked := h.sync.Account(2)
	assert.False(t, tracked)

	release()
	select {
	case <-ended:
	case <-time.After(waitTimeout):
		t.Fatal("SyncEnd for account 1 did not return")
	}
	h.awaitPing(t, 1)
	assert.Equal(t, PushEnabled, h.snapshot(t, 1).Push)
}

func TestSyncStartDuringPushResolution(t *testing.T) {
	h := newHarness(t)
	h.resolver.set(1, true)
	release := h.resolver.hold(1)

	require.NoError(t, h.sync.SyncStart(context.Background(), 1))
	ended := make(chan struct{})
	go func() {
		h.sync.SyncEnd(1, false)
		close(ended)
	}()
	h.awaitResolving(t, 1)

	require.NoError(t, h.sync.SyncStart(context.Background(), 1))
	release()
	select {
	case <-ended:
	case <-time.After(waitTimeout):
		t.Fatal("SyncEnd for account 1 did not return")
	}
	h.requireNoPing(t)

	snap := h.snapshot(t, 1)
	assert.Equal(t, PushEnabled, snap.Push)
	assert.Equal(t, 1, snap.PendingSyncs)
	assert.Empty(t, snap.PingWorker)

	h.sync.SyncEnd(1, false)
	h.awaitPing(t, 1)
	assert.Equal(t, 1, h.resolver.Calls())
	assert.Zero(t, h.tracker.Violations())
}

func TestPushStopDuringPushResolution(t *testing.T) {
	h := newHarness(t)
	h.resolver.set(1, true)
	release := h.resolver.hold(1)

	require.NoError(t, h.sync.SyncStart(context.Background(), 1))
	ended := make(chan struct{})
	go func() {
		h.sync.SyncEnd(1, false)
		close(ended)
	}()
	h.awaitResolving(t, 1)

	h.sync.PushStop(1)
	h.awaitUntracked(t, 1)

	release()
	select {
	case <-ended:
	case <-time.After(waitTimeout):
		t.Fatal("SyncEnd for account 1 did not return")
	}
	h.requireNoPing(t)
	assert.Empty(t, h.sync.Snapshot())
}
