package transport

import (
	"sort"
	"time"
)

// Kind names a transfer medium.
type Kind string

const (
	KindBluetooth Kind = "bluetooth"
	KindNFC       Kind = "nfc"
	KindLAN       Kind = "lan"
	KindQR        Kind = "qr"
)

type State string

const (
	StateIdle        State = "idle"
	StateAdvertising State = "advertising"
	StateBrowsing    State = "browsing"
	StateConnected   State = "connected"
)

// Identity is what a device advertises about itself.
type Identity struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Address     string `json:"address,omitempty"`
}

// Peer is a remote device seen on one or more channels. It is transient
// state owned by the channels and the manager.
type Peer struct {
	DeviceID        string
	DisplayIdentity string
	Address         string
	Capabilities    []Kind
	// ConnectionStrength is an RSSI-like reading where the medium has one.
	ConnectionStrength *int
	LastSeen           time.Time
}

func (p Peer) Has(k Kind) bool {
	for _, c := range p.Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

func (p Peer) clone() Peer {
	c := p
	c.Capabilities = append([]Kind(nil), p.Capabilities...)
	if p.ConnectionStrength != nil {
		v := *p.ConnectionStrength
		c.ConnectionStrength = &v
	}
	return c
}

func (p *Peer) addCapability(k Kind) {
	if p.Has(k) {
		return
	}
	p.Capabilities = append(p.Capabilities, k)
	sort.Slice(p.Capabilities, func(i, j int) bool { return p.Capabilities[i] < p.Capabilities[j] })
}

func (p *Peer) removeCapability(k Kind) {
	for i, c := range p.Capabilities {
		if c == k {
			p.Capabilities = append(p.Capabilities[:i], p.Capabilities[i+1:]...)
			return
		}
	}
}

// PeerFromIdentity builds the peer a channel reports for a remote identity.
func PeerFromIdentity(id Identity, kind Kind, seen time.Time) Peer {
	name := id.DisplayName
	if name == "" {
		name = id.DeviceID
	}
	return Peer{
		DeviceID:        id.DeviceID,
		DisplayIdentity: name,
		Address:         id.Address,
		Capabilities:    []Kind{kind},
		LastSeen:        seen,
	}
}

type EventType string

const (
	EventPeerDiscovered   EventType = "peer_discovered"
	EventPeerLost         EventType = "peer_lost"
	EventEnvelopeReceived EventType = "envelope_received"
)

// Event is emitted by a channel. Peer is set for discovery, DeviceID for
// loss and as the source of a received envelope.
type Event struct {
	Type     EventType
	Channel  Kind
	Peer     Peer
	DeviceID string
	Envelope string
}

// Envelope is a received envelope as delivered to manager listeners.
type Envelope struct {
	Channel  Kind
	DeviceID string
	Text     string
}
