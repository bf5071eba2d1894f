package services

import (
	"sync"
	"sync/atomic"

	"mailpush/internal/pingsync"
	"mailpush/internal/utils"

	"github.com/google/uuid"
)

// EventChannel 定义事件通道类型
type EventChannel chan pingsync.Event

// EventSubscriber 事件订阅者
type EventSubscriber struct {
	ID      string
	Channel EventChannel
	Filter  func(event pingsync.Event) bool

	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the subscriber
// did not keep up.
func (s *EventSubscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// EventHub fans scheduler events out to subscribers. It implements
// pingsync.Observer and never blocks: slow subscribers lose events.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]*EventSubscriber
	logger *utils.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subs:   make(map[string]*EventSubscriber),
		logger: utils.NewLogger("EventHub"),
	}
}

// Subscribe registers a subscriber with the given channel buffer. A nil
// filter receives every event.
func (h *EventHub) Subscribe(buffer int, filter func(pingsync.Event) bool) *EventSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &EventSubscriber{
		ID:      uuid.NewString(),
		Channel: make(EventChannel, buffer),
		Filter:  filter,
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	h.logger.Debug("Subscriber %s added", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		close(sub.Channel)
		h.logger.Debug("Subscriber %s removed, %d events dropped", id, sub.Dropped())
	}
}

// Count returns the number of subscribers.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Observe implements pingsync.Observer.
func (h *EventHub) Observe(e pingsync.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.Filter != nil && !sub.Filter(e) {
			continue
		}
		select {
		case sub.Channel <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// AccountFilter returns a filter passing only events of the given accounts.
func AccountFilter(accounts ...pingsync.AccountID) func(pingsync.Event) bool {
	set := make(map[pingsync.AccountID]struct{}, len(accounts))
	for _, id := range accounts {
		set[id] = struct{}{}
	}
	return func(e pingsync.Event) bool {
		_, ok := set[e.Account]
		return ok
	}
}
