package pingsync

import (
	"context"
	"time"
)

// AccountID identifies an account. It matches the primary key of the stored account.
type AccountID uint

// PingParams carries what a single ping attempt needs.
type PingParams struct {
	// Folders are the mailboxes the ping watches, in priority order.
	Folders []string
	// Heartbeat is how long the server is allowed to hold the ping open.
	Heartbeat time.Duration
}

// PingExecutor performs one blocking ping attempt. It must return promptly
// once ctx is cancelled.
type PingExecutor interface {
	Attempt(ctx context.Context, account AccountID, params PingParams) (PingOutcome, error)
}

// PingParamsSource builds fresh ping parameters before every attempt.
type PingParamsSource interface {
	PingParams(ctx context.Context, account AccountID) (PingParams, error)
}

// PushResolver decides whether an account whose push desire is unknown should ping.
type PushResolver interface {
	ShouldPing(ctx context.Context, account AccountID) bool
}

// RetryScheduler asks the host to run a push-only sync for an account later.
// Implementations are called with the synchronizer lock held and must not
// call back into the Synchronizer synchronously.
type RetryScheduler interface {
	// ScheduleRetry requests a push-only sync after the given delay.
	ScheduleRetry(account AccountID, after time.Duration)
	// RequestPing requests a push-only sync as soon as possible.
	RequestPing(account AccountID)
}

// Host is the enclosing process. Same locking rules as RetryScheduler.
type Host interface {
	// EnsureRunning is called when the first account becomes tracked.
	EnsureRunning()
	// StopIfIdle is called when no account is tracked anymore.
	StopIfIdle()
}

// Observer receives scheduler events. Observe is called with the
// synchronizer lock held and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type noopHost struct{}

func (noopHost) EnsureRunning() {}
func (noopHost) StopIfIdle()    {}
