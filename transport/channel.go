package transport

import (
	"context"
	"sync"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
)

// Channel is one transfer medium. Start fails with TRANSPORT_UNAVAILABLE when
// the medium cannot be used; a channel never degrades silently.
//
// Stopping advertising or browsing cancels discovery but never a Send that
// the medium already accepted.
type Channel interface {
	Kind() Kind
	Start(ctx context.Context) error
	StartAdvertising(ctx context.Context, id Identity) error
	StopAdvertising() error
	StartBrowsing(ctx context.Context) error
	StopBrowsing() error
	Send(ctx context.Context, envelope string, to Peer) error
	OnEvent(fn func(Event)) (unsubscribe func())
	State() State
	Close() error
}

// Base carries the bookkeeping shared by channel implementations: discovery
// flags, known peers and the event listeners.
type Base struct {
	kind      Kind
	listeners *events.Listeners[Event]

	mu          sync.RWMutex
	started     bool
	advertising bool
	browsing    bool
	identity    Identity
	peers       map[string]Peer
}

func NewBase(kind Kind) *Base {
	return &Base{
		kind:      kind,
		listeners: events.NewListeners[Event]("transport-" + string(kind)),
		peers:     make(map[string]Peer),
	}
}

func (b *Base) Kind() Kind {
	return b.kind
}

func (b *Base) OnEvent(fn func(Event)) func() {
	return b.listeners.Add(fn)
}

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case len(b.peers) > 0 && (b.advertising || b.browsing):
		return StateConnected
	case b.advertising:
		return StateAdvertising
	case b.browsing:
		return StateBrowsing
	}
	return StateIdle
}

func (b *Base) MarkStarted() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
}

// RequireStarted returns TRANSPORT_UNAVAILABLE for a channel not started.
func (b *Base) RequireStarted() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started {
		return Unavailable(b.kind, nil)
	}
	return nil
}

// SetAdvertising flips the flag and reports whether it changed.
func (b *Base) SetAdvertising(on bool, id Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advertising == on {
		if on {
			b.identity = id
		}
		return false
	}
	b.advertising = on
	if on {
		b.identity = id
	}
	return true
}

func (b *Base) SetBrowsing(on bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browsing == on {
		return false
	}
	b.browsing = on
	return true
}

func (b *Base) Advertising() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.advertising
}

func (b *Base) Browsing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.browsing
}

// Identity is the identity currently advertised.
func (b *Base) Identity() Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

func (b *Base) Peer(deviceID string) (Peer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[deviceID]
	return p.clone(), ok
}

func (b *Base) Peers() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p.clone())
	}
	return out
}

// Discovered records p and emits PeerDiscovered.
func (b *Base) Discovered(p Peer) {
	if p.DeviceID == "" {
		return
	}
	b.mu.Lock()
	b.peers[p.DeviceID] = p.clone()
	b.mu.Unlock()
	b.listeners.Notify(Event{Type: EventPeerDiscovered, Channel: b.kind, Peer: p, DeviceID: p.DeviceID})
}

// Lost forgets deviceID and emits PeerLost if it was known.
func (b *Base) Lost(deviceID string) {
	b.mu.Lock()
	_, ok := b.peers[deviceID]
	delete(b.peers, deviceID)
	b.mu.Unlock()
	if ok {
		b.listeners.Notify(Event{Type: EventPeerLost, Channel: b.kind, DeviceID: deviceID})
	}
}

// LoseAll emits PeerLost for every known peer.
func (b *Base) LoseAll() {
	for _, p := range b.Peers() {
		b.Lost(p.DeviceID)
	}
}

func (b *Base) Received(from, envelope string) {
	b.listeners.Notify(Event{Type: EventEnvelopeReceived, Channel: b.kind, DeviceID: from, Envelope: envelope})
}

func Unavailable(kind Kind, cause error) error {
	msg := "Transfer method " + string(kind) + " is unavailable"
	if cause == nil {
		return errors.NewError(errors.KindTransport, errors.CodeTransportUnavailable, msg)
	}
	return errors.Wrap(errors.KindTransport, errors.CodeTransportUnavailable, msg, cause)
}

// SendError maps a failed send: a context deadline becomes TRANSPORT_TIMEOUT
// since the peer may still have the envelope.
func SendError(ctx context.Context, kind Kind, cause error) error {
	var timeout interface{ Timeout() bool }
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(cause, &timeout) && timeout.Timeout()) {
		return errors.Wrap(errors.KindTransport, errors.CodeTransportTimeout, "send over "+string(kind)+" timed out", cause)
	}
	if errors.KindOf(cause) == errors.KindTransport {
		return cause
	}
	return errors.Wrap(errors.KindTransport, errors.CodeTransportSendFailed, "send over "+string(kind)+" failed", cause)
}

func PeerNotFound(kind Kind, deviceID string) error {
	return errors.Newf(errors.KindTransport, errors.CodePeerNotFound, "peer %s is not reachable over %s", deviceID, kind)
}
