package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
)

// SubscriberBuffer is how many events a subscriber may fall behind before
// new ones are dropped for it.
const SubscriberBuffer = 50

type SubscriberID string

// EventBus fans wallet events out to subscriber channels. Publish never
// blocks: a full subscriber misses the event and the drop is counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[SubscriberID]chan WalletEvent
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[SubscriberID]chan WalletEvent)}
}

// Subscribe registers a new channel. After Close the returned channel is
// already closed.
func (eb *EventBus) Subscribe() (SubscriberID, chan WalletEvent) {
	id := SubscriberID(uuid.Must(uuid.NewV7()).String())
	ch := make(chan WalletEvent, SubscriberBuffer)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(ch)
		return id, ch
	}
	eb.subs[id] = ch
	logx.Debug("EVENTBUS", fmt.Sprintf("subscribed id=%s total=%d", id, len(eb.subs)))
	return id, ch
}

// Unsubscribe closes the subscriber's channel. It reports false for an
// unknown or already removed id.
func (eb *EventBus) Unsubscribe(id SubscriberID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch, ok := eb.subs[id]
	if !ok {
		return false
	}
	delete(eb.subs, id)
	close(ch)
	logx.Debug("EVENTBUS", fmt.Sprintf("unsubscribed id=%s remaining=%d", id, len(eb.subs)))
	return true
}

func (eb *EventBus) Publish(event WalletEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, ch := range eb.subs {
		select {
		case ch <- event:
		default:
			monitoring.IncreaseEventsDropped(string(event.Type()))
			logx.Warn("EVENTBUS", fmt.Sprintf("subscriber %s is full, dropped %s for %s", id, event.Type(), event.PackageID()))
		}
	}
}

func (eb *EventBus) GetTotalSubscriptions() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

func (eb *EventBus) HasSubscriber(id SubscriberID) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	_, ok := eb.subs[id]
	return ok
}

// Close closes every subscriber channel. Later publishes go nowhere.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, ch := range eb.subs {
		close(ch)
		delete(eb.subs, id)
	}
}
