package pingsync

import "time"

// EventType names a scheduler transition.
type EventType string

const (
	EventSyncStarted    EventType = "sync_started"
	EventSyncEnded      EventType = "sync_ended"
	EventSyncAborted    EventType = "sync_aborted"
	EventPingStarted    EventType = "ping_started"
	EventPingRestarted  EventType = "ping_restarted"
	EventPingStopped    EventType = "ping_stop_requested"
	EventPingEnded      EventType = "ping_ended"
	EventPushEnabled    EventType = "push_enabled"
	EventPushDisabled   EventType = "push_disabled"
	EventRetryScheduled EventType = "retry_scheduled"
	EventPingRequested  EventType = "ping_requested"
	EventAccountIdle    EventType = "account_idle"
)

// Event describes one transition of an account's state.
type Event struct {
	Type      EventType     `json:"type"`
	Account   AccountID     `json:"account_id"`
	Time      time.Time     `json:"time"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Pending   int           `json:"pending_syncs"`
	Push      PushDesire    `json:"push"`
	HadError  bool          `json:"had_error,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
	Operation string        `json:"operation,omitempty"`
}
