package pingsync

import (
	"encoding/json"
	"fmt"
)

// PushDesire is whether an account wants a standing ping.
type PushDesire int

const (
	PushUnknown PushDesire = iota
	PushEnabled
	PushDisabled
)

func (p PushDesire) String() string {
	switch p {
	case PushUnknown:
		return "unknown"
	case PushEnabled:
		return "enabled"
	case PushDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("push(%d)", int(p))
	}
}

// MarshalJSON renders the desire by name.
func (p PushDesire) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// waiter is one parked SyncStart caller. granted is set under the
// synchronizer lock right before ch is closed.
type waiter struct {
	ch      chan struct{}
	granted bool
}

// accountState is only touched with Synchronizer.mu held.
type accountState struct {
	id           AccountID
	ping         *pingWorker
	push         PushDesire
	pendingSyncs int
	waiters      []*waiter
}

func newAccountState(id AccountID) *accountState {
	return &accountState{id: id, push: PushUnknown}
}

func (st *accountState) enqueue() *waiter {
	w := &waiter{ch: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	return w
}

// signalOne hands the floor to the oldest waiter.
func (st *accountState) signalOne() bool {
	if len(st.waiters) == 0 {
		return false
	}
	w := st.waiters[0]
	st.waiters[0] = nil
	st.waiters = st.waiters[1:]
	w.granted = true
	close(w.ch)
	return true
}

func (st *accountState) dequeue(w *waiter) {
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

func (st *accountState) idle() bool {
	return st.pendingSyncs == 0 && st.ping == nil
}

// AccountSnapshot is a point-in-time copy of an account's scheduling state.
type AccountSnapshot struct {
	Account      AccountID   `json:"account_id"`
	Push         PushDesire  `json:"push"`
	PendingSyncs int         `json:"pending_syncs"`
	Waiting      int         `json:"waiting"`
	PingWorker   string      `json:"ping_worker,omitempty"`
	PingState    WorkerState `json:"ping_state,omitempty"`
}
