package pingsync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// WorkerState is the lifecycle state of a ping worker.
type WorkerState string

const (
	WorkerStarting   WorkerState = "starting"
	WorkerRunning    WorkerState = "running"
	WorkerRestarting WorkerState = "restarting"
	WorkerStopped    WorkerState = "stopped"
)

var errRestart = errors.New("ping restart requested")

// pingWorker runs ping attempts for one account until stopped or an attempt
// says to stop. It reports back to the synchronizer exactly once.
type pingWorker struct {
	id      string
	account AccountID
	sync    *Synchronizer

	mu            sync.Mutex
	state         WorkerState
	stopRequested bool
	cancel        context.CancelCauseFunc
}

func newPingWorker(s *Synchronizer, account AccountID) *pingWorker {
	return &pingWorker{
		id:      uuid.NewString(),
		account: account,
		sync:    s,
		state:   WorkerStarting,
	}
}

func (w *pingWorker) start() {
	w.sync.wg.Add(1)
	go w.run()
}

// stop asks the worker to exit. The in-flight attempt is cancelled.
func (w *pingWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopRequested = true
	if w.cancel != nil {
		w.cancel(context.Canceled)
	}
}

// restart cancels the in-flight attempt so the next one picks up fresh parameters.
func (w *pingWorker) restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopRequested || w.state == WorkerStopped {
		return
	}
	w.state = WorkerRestarting
	if w.cancel != nil {
		w.cancel(errRestart)
	}
}

func (w *pingWorker) currentState() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *pingWorker) run() {
	defer w.sync.wg.Done()

	outcome := w.loop()

	w.mu.Lock()
	w.state = WorkerStopped
	w.cancel = nil
	w.mu.Unlock()

	w.sync.pingEnded(w, outcome)
}

func (w *pingWorker) loop() PingOutcome {
	log := w.sync.logger
	for attempt := 1; ; attempt++ {
		ctx, ok := w.beginAttempt()
		if !ok {
			return PingStopClean
		}

		outcome, err := w.attempt(ctx)
		restarted, stopped := w.endAttempt(ctx)

		switch {
		case stopped:
			log.Debug("Ping %s for account %d stopped after attempt %d", w.id, w.account, attempt)
			return PingStopClean
		case restarted:
			log.Debug("Ping %s for account %d restarting", w.id, w.account)
			continue
		case err != nil:
			log.Error("Ping %s for account %d failed: %v", w.id, w.account, err)
			return PingStopError
		case outcome != PingContinue:
			log.Info("Ping %s for account %d ended with %s", w.id, w.account, outcome)
			return outcome
		}
	}
}

func (w *pingWorker) beginAttempt() (context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopRequested {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	w.cancel = cancel
	w.state = WorkerRunning
	return ctx, true
}

func (w *pingWorker) endAttempt(ctx context.Context) (restarted, stopped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	restarted = errors.Is(context.Cause(ctx), errRestart)
	if w.cancel != nil {
		w.cancel(nil)
		w.cancel = nil
	}
	return restarted, w.stopRequested
}

func (w *pingWorker) attempt(ctx context.Context) (outcome PingOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.sync.logger.Error("Ping attempt for account %d panicked: %v\n%s", w.account, r, debug.Stack())
			outcome, err = PingStopError, fmt.Errorf("ping attempt panicked: %v", r)
		}
	}()

	params, err := w.sync.params.PingParams(ctx, w.account)
	if err != nil {
		if ctx.Err() != nil {
			return PingStopClean, nil
		}
		return PingStopError, fmt.Errorf("load ping parameters: %w", err)
	}
	return w.sync.executor.Attempt(ctx, w.account, params)
}
