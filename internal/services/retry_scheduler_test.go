package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"mailpush/internal/pingsync"
)

func newRetryFixture(t *testing.T) (*TimerRetryScheduler, *clocktesting.FakeClock, chan pingsync.AccountID) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewTimerRetryScheduler(clk, time.Minute, 15*time.Minute)
	fired := make(chan pingsync.AccountID, 16)
	s.SetTrigger(func(id pingsync.AccountID) { fired <- id })
	t.Cleanup(s.Stop)
	return s, clk, fired
}

func expectFired(t *testing.T, fired <-chan pingsync.AccountID, want pingsync.AccountID) {
	t.Helper()
	select {
	case got := <-fired:
		assert.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("retry for account %d did not fire", want)
	}
}

func expectNotFired(t *testing.T, fired <-chan pingsync.AccountID) {
	t.Helper()
	select {
	case got := <-fired:
		t.Fatalf("unexpected retry for account %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetrySchedulerFiresAfterDelay(t *testing.T) {
	s, clk, fired := newRetryFixture(t)

	s.ScheduleRetry(7, time.Minute)
	due, ok := s.Pending(7)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Minute), due)

	clk.Step(59 * time.Second)
	expectNotFired(t, fired)

	clk.Step(time.Second)
	expectFired(t, fired, 7)

	_, ok = s.Pending(7)
	assert.False(t, ok)
}

func TestRetrySchedulerBacksOffRepeatedFailures(t *testing.T) {
	s, clk, fired := newRetryFixture(t)

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 15 * time.Minute, 15 * time.Minute}
	for _, d := range want {
		start := clk.Now()
		s.ScheduleRetry(3, time.Minute)
		due, ok := s.Pending(3)
		require.True(t, ok)
		assert.Equal(t, d, due.Sub(start))

		clk.Step(d)
		expectFired(t, fired, 3)
	}
}

func TestRetrySchedulerResetRestartsBackoff(t *testing.T) {
	s, clk, fired := newRetryFixture(t)

	s.ScheduleRetry(3, time.Minute)
	clk.Step(time.Minute)
	expectFired(t, fired, 3)

	s.ScheduleRetry(3, time.Minute)
	s.Reset(3)
	_, ok := s.Pending(3)
	assert.False(t, ok)
	clk.Step(time.Hour)
	expectNotFired(t, fired)

	start := clk.Now()
	s.ScheduleRetry(3, time.Minute)
	due, _ := s.Pending(3)
	assert.Equal(t, time.Minute, due.Sub(start))
}

func TestRetrySchedulerLongerRequestedDelayWins(t *testing.T) {
	s, clk, _ := newRetryFixture(t)

	start := clk.Now()
	s.ScheduleRetry(9, 5*time.Minute)
	due, ok := s.Pending(9)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, due.Sub(start))
}

func TestRetrySchedulerNewerScheduleReplacesOlder(t *testing.T) {
	s, clk, fired := newRetryFixture(t)

	s.ScheduleRetry(4, time.Minute)
	clk.Step(30 * time.Second)
	s.ScheduleRetry(4, time.Minute) // backoff step is now 2m

	clk.Step(30 * time.Second)
	expectNotFired(t, fired)

	clk.Step(90 * time.Second)
	expectFired(t, fired, 4)
	expectNotFired(t, fired)
}

func TestRetrySchedulerRequestPingFiresImmediately(t *testing.T) {
	s, _, fired := newRetryFixture(t)

	s.ScheduleRetry(5, time.Minute)
	s.RequestPing(5)
	expectFired(t, fired, 5)

	_, ok := s.Pending(5)
	assert.False(t, ok, "RequestPing supersedes the pending retry")
}

func TestRetrySchedulerStopDropsPending(t *testing.T) {
	s, clk, fired := newRetryFixture(t)

	s.ScheduleRetry(1, time.Minute)
	s.ScheduleRetry(2, time.Minute)
	s.Stop()

	clk.Step(time.Hour)
	expectNotFired(t, fired)

	s.ScheduleRetry(1, time.Minute)
	s.RequestPing(2)
	_, ok := s.Pending(1)
	assert.False(t, ok)
	expectNotFired(t, fired)
}

func TestRetrySchedulerWithoutTriggerDoesNotPanic(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewTimerRetryScheduler(clk, time.Minute, time.Minute)
	defer s.Stop()

	s.ScheduleRetry(1, time.Minute)
	clk.Step(time.Minute)
	assert.Eventually(t, func() bool {
		_, ok := s.Pending(1)
		return !ok
	}, waitTimeout, 10*time.Millisecond)
}
