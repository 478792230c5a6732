package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
)

// Manager composes the registered channels. Discovery is merged per device
// id, and Send goes to the named channel only.
type Manager struct {
	mu          sync.RWMutex
	channels    map[Kind]Channel
	unsubscribe map[Kind]func()
	peers       map[string]*Peer
	advertising map[Kind]bool
	browsing    map[Kind]bool

	discovered *events.Listeners[Peer]
	lost       *events.Listeners[string]
	envelopes  *events.Listeners[Envelope]
}

func NewManager() *Manager {
	return &Manager{
		channels:    make(map[Kind]Channel),
		unsubscribe: make(map[Kind]func()),
		peers:       make(map[string]*Peer),
		advertising: make(map[Kind]bool),
		browsing:    make(map[Kind]bool),
		discovered:  events.NewListeners[Peer]("peer-discovered"),
		lost:        events.NewListeners[string]("peer-lost"),
		envelopes:   events.NewListeners[Envelope]("envelope-received"),
	}
}

// Register adds ch. A kind can be registered once.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.Kind()]; ok {
		return fmt.Errorf("channel %s already registered", ch.Kind())
	}
	m.channels[ch.Kind()] = ch
	m.unsubscribe[ch.Kind()] = ch.OnEvent(m.handle)
	logx.Info("TRANSPORT", "Registered channel ", ch.Kind())
	return nil
}

func (m *Manager) channel(kind Kind) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[kind]
	if !ok {
		return nil, errors.Newf(errors.KindTransport, errors.CodeChannelNotFound, "no %s channel registered", kind)
	}
	return ch, nil
}

// Kinds lists the registered channels in a stable order.
func (m *Manager) Kinds() []Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Kind, 0, len(m.channels))
	for k := range m.channels {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start starts every channel and returns the failures by kind. A failed
// channel stays registered and unusable.
func (m *Manager) Start(ctx context.Context) map[Kind]error {
	failed := make(map[Kind]error)
	for _, kind := range m.Kinds() {
		ch, _ := m.channel(kind)
		if err := ch.Start(ctx); err != nil {
			logx.Warn("TRANSPORT", "Channel ", kind, " unavailable: ", err)
			failed[kind] = err
		}
	}
	return failed
}

func (m *Manager) StartAdvertising(ctx context.Context, kind Kind, id Identity) error {
	ch, err := m.channel(kind)
	if err != nil {
		return err
	}
	if err := ch.StartAdvertising(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.advertising[kind] = true
	m.mu.Unlock()
	return nil
}

// StopAdvertising is idempotent.
func (m *Manager) StopAdvertising(kind Kind) error {
	ch, err := m.channel(kind)
	if err != nil {
		return err
	}
	m.mu.Lock()
	on := m.advertising[kind]
	m.advertising[kind] = false
	m.mu.Unlock()
	if !on {
		return nil
	}
	return ch.StopAdvertising()
}

func (m *Manager) StartBrowsing(ctx context.Context, kind Kind) error {
	ch, err := m.channel(kind)
	if err != nil {
		return err
	}
	if err := ch.StartBrowsing(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.browsing[kind] = true
	m.mu.Unlock()
	return nil
}

// StopBrowsing is idempotent.
func (m *Manager) StopBrowsing(kind Kind) error {
	ch, err := m.channel(kind)
	if err != nil {
		return err
	}
	m.mu.Lock()
	on := m.browsing[kind]
	m.browsing[kind] = false
	m.mu.Unlock()
	if !on {
		return nil
	}
	return ch.StopBrowsing()
}

// StopAll stops discovery on every channel.
func (m *Manager) StopAll() {
	for _, kind := range m.Kinds() {
		if err := m.StopAdvertising(kind); err != nil {
			logx.Warn("TRANSPORT", "Stop advertising on ", kind, ": ", err)
		}
		if err := m.StopBrowsing(kind); err != nil {
			logx.Warn("TRANSPORT", "Stop browsing on ", kind, ": ", err)
		}
	}
}

// Send routes the envelope to the named channel. There is no fallback to
// another channel: the caller picks one explicitly.
func (m *Manager) Send(ctx context.Context, kind Kind, envelope string, to Peer) error {
	ch, err := m.channel(kind)
	if err != nil {
		return err
	}
	err = ch.Send(ctx, envelope, to)
	switch {
	case err == nil:
		monitoring.RecordEnvelopeSent(string(kind), monitoring.SendDelivered)
	case errors.Is(err, errors.ErrTransportTimeout):
		monitoring.RecordEnvelopeSent(string(kind), monitoring.SendUnknown)
	default:
		monitoring.RecordEnvelopeSent(string(kind), monitoring.SendFailed)
	}
	return err
}

// Peer returns the merged view of a discovered device.
func (m *Manager) Peer(deviceID string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[deviceID]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *Manager) OnPeerDiscovered(fn func(Peer)) func() {
	return m.discovered.Add(fn)
}

func (m *Manager) OnPeerLost(fn func(deviceID string)) func() {
	return m.lost.Add(fn)
}

func (m *Manager) OnEnvelope(fn func(Envelope)) func() {
	return m.envelopes.Add(fn)
}

func (m *Manager) handle(ev Event) {
	switch ev.Type {
	case EventPeerDiscovered:
		m.peerDiscovered(ev)
	case EventPeerLost:
		m.peerLost(ev)
	case EventEnvelopeReceived:
		m.envelopes.Notify(Envelope{Channel: ev.Channel, DeviceID: ev.DeviceID, Text: ev.Envelope})
	}
}

// peerDiscovered merges the sighting. Listeners hear about a device once per
// appearance; later sightings only refresh its metadata.
func (m *Manager) peerDiscovered(ev Event) {
	if ev.Peer.DeviceID == "" {
		return
	}
	m.mu.Lock()
	p, known := m.peers[ev.Peer.DeviceID]
	if !known {
		p = &Peer{DeviceID: ev.Peer.DeviceID}
		m.peers[p.DeviceID] = p
	}
	if ev.Peer.DisplayIdentity != "" {
		p.DisplayIdentity = ev.Peer.DisplayIdentity
	}
	if ev.Peer.Address != "" {
		p.Address = ev.Peer.Address
	}
	if ev.Peer.ConnectionStrength != nil {
		v := *ev.Peer.ConnectionStrength
		p.ConnectionStrength = &v
	}
	if ev.Peer.LastSeen.After(p.LastSeen) {
		p.LastSeen = ev.Peer.LastSeen
	}
	p.addCapability(ev.Channel)
	snapshot := p.clone()
	m.mu.Unlock()

	m.updatePeerGauge(ev.Channel)
	if !known {
		logx.Info("TRANSPORT", "Discovered peer ", snapshot.DeviceID, " over ", ev.Channel)
		m.discovered.Notify(snapshot)
	}
}

// peerLost drops the channel from the device; the device is lost once no
// channel sees it.
func (m *Manager) peerLost(ev Event) {
	m.mu.Lock()
	p, ok := m.peers[ev.DeviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.removeCapability(ev.Channel)
	gone := len(p.Capabilities) == 0
	if gone {
		delete(m.peers, ev.DeviceID)
	}
	m.mu.Unlock()

	m.updatePeerGauge(ev.Channel)
	if gone {
		logx.Info("TRANSPORT", "Lost peer ", ev.DeviceID)
		m.lost.Notify(ev.DeviceID)
	}
}

func (m *Manager) updatePeerGauge(kind Kind) {
	m.mu.RLock()
	n := 0
	for _, p := range m.peers {
		if p.Has(kind) {
			n++
		}
	}
	m.mu.RUnlock()
	monitoring.SetPeerCount(string(kind), n)
}

// Close stops discovery and closes every channel.
func (m *Manager) Close() error {
	m.StopAll()
	m.mu.Lock()
	channels := make([]Channel, 0, len(m.channels))
	for kind, ch := range m.channels {
		m.unsubscribe[kind]()
		channels = append(channels, ch)
	}
	m.channels = make(map[Kind]Channel)
	m.unsubscribe = make(map[Kind]func())
	m.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
