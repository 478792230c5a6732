package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mezonai/peerpay/logx"
)

// DeliveryState is what this device knows about a transport handoff.
type DeliveryState string

const (
	DeliveryInFlight DeliveryState = "in_flight"
	DeliveryAcked    DeliveryState = "acked"
	DeliveryUnknown  DeliveryState = "unknown"
	DeliveryFailed   DeliveryState = "failed"
)

const defaultHistoryTTL = 10 * time.Minute

type Delivery struct {
	PackageID string
	Transport string
	DeviceID  string
	State     DeliveryState
	UpdatedAt time.Time
}

// DeliveryTracker tracks transport sends of packages. A send that timed out
// stays Unknown: the peer may have received it, so only the idempotency key
// and network reconciliation settle it.
type DeliveryTracker struct {
	// deliveries maps package id to its latest *Delivery
	deliveries sync.Map

	inFlight int64
	stop     chan struct{}
	stopOnce sync.Once
}

func NewDeliveryTracker() *DeliveryTracker {
	t := &DeliveryTracker{stop: make(chan struct{})}
	t.startCleanup(defaultHistoryTTL)
	return t
}

// Begin marks a send as started. It returns false when one is already in flight for id.
func (t *DeliveryTracker) Begin(id, transport, deviceID string) bool {
	d := &Delivery{PackageID: id, Transport: transport, DeviceID: deviceID, State: DeliveryInFlight, UpdatedAt: time.Now()}
	if prev, loaded := t.deliveries.LoadOrStore(id, d); loaded {
		if prev.(*Delivery).State == DeliveryInFlight {
			return false
		}
		t.deliveries.Store(id, d)
	}
	atomic.AddInt64(&t.inFlight, 1)
	logx.Debug("TRACKER", fmt.Sprintf("Tracking delivery of %s over %s to %s", id, transport, deviceID))
	return true
}

// Finish records the outcome of a send started with Begin.
func (t *DeliveryTracker) Finish(id string, state DeliveryState) {
	v, ok := t.deliveries.Load(id)
	if !ok {
		logx.Warn("TRACKER", fmt.Sprintf("Delivery %s does not exist", id))
		return
	}
	prev := v.(*Delivery)
	if prev.State == DeliveryInFlight {
		atomic.AddInt64(&t.inFlight, -1)
	}
	next := *prev
	next.State = state
	next.UpdatedAt = time.Now()
	t.deliveries.Store(id, &next)
	logx.Info("TRACKER", fmt.Sprintf("Delivery of %s over %s: %s", id, prev.Transport, state))
}

func (t *DeliveryTracker) Get(id string) (Delivery, bool) {
	v, ok := t.deliveries.Load(id)
	if !ok {
		return Delivery{}, false
	}
	return *v.(*Delivery), true
}

func (t *DeliveryTracker) InFlightCount() int64 {
	return atomic.LoadInt64(&t.inFlight)
}

// Unknown lists packages whose delivery outcome could not be determined.
func (t *DeliveryTracker) Unknown() []Delivery {
	var out []Delivery
	t.deliveries.Range(func(_, v any) bool {
		if d := v.(*Delivery); d.State == DeliveryUnknown {
			out = append(out, *d)
		}
		return true
	})
	return out
}

func (t *DeliveryTracker) startCleanup(ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case now := <-ticker.C:
				t.deliveries.Range(func(key, v any) bool {
					d := v.(*Delivery)
					if d.State != DeliveryInFlight && now.Sub(d.UpdatedAt) > ttl {
						t.deliveries.Delete(key)
					}
					return true
				})
			}
		}
	}()
}

func (t *DeliveryTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
