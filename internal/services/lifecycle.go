package services

import (
	"sync"
	"time"

	"mailpush/internal/utils"

	"k8s.io/utils/clock"
)

// Lifecycle implements pingsync.Host. It tracks whether any account holds
// the push service busy and, in exit-when-idle mode, signals the process to
// shut down once the last account is gone.
type Lifecycle struct {
	clock        clock.PassiveClock
	exitWhenIdle bool
	logger       *utils.Logger

	mu        sync.Mutex
	running   bool
	since     time.Time
	listeners []func(running bool)
	idle      chan struct{}
	idleOnce  sync.Once
}

// NewLifecycle creates a host. A nil clk uses the real clock.
func NewLifecycle(clk clock.PassiveClock, exitWhenIdle bool) *Lifecycle {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Lifecycle{
		clock:        clk,
		exitWhenIdle: exitWhenIdle,
		logger:       utils.NewLogger("Lifecycle"),
		idle:         make(chan struct{}),
	}
}

// OnChange registers fn for running/idle transitions. fn is called with the
// synchronizer lock held and must not block.
func (l *Lifecycle) OnChange(fn func(running bool)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// EnsureRunning implements pingsync.Host.
func (l *Lifecycle) EnsureRunning() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.since = l.clock.Now()
	l.logger.Info("Push service running")
	l.notifyLocked()
}

// StopIfIdle implements pingsync.Host.
func (l *Lifecycle) StopIfIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.running = false
		l.logger.Info("Push service idle after %v", l.clock.Since(l.since))
		l.notifyLocked()
	}
	if l.exitWhenIdle {
		l.idleOnce.Do(func() { close(l.idle) })
	}
}

// Running reports whether any account is tracked and since when.
func (l *Lifecycle) Running() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running, l.since
}

// Idle is closed when the service went idle in exit-when-idle mode.
func (l *Lifecycle) Idle() <-chan struct{} {
	return l.idle
}

func (l *Lifecycle) notifyLocked() {
	for _, fn := range l.listeners {
		fn(l.running)
	}
}
