// Package radio implements the Bluetooth and NFC channels on top of a narrow
// platform binding. The binding moves small frames; this package owns the
// beacon format and chunking of envelopes into frames.
package radio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/transport"
)

// Sighting is a device seen by a scan. Lost marks that it went out of range.
type Sighting struct {
	DeviceID string
	Beacon   []byte
	RSSI     *int
	Lost     bool
}

// Binding is the platform side of a radio medium.
type Binding interface {
	// Open fails when the radio is missing, off or not permitted.
	Open(ctx context.Context) error
	Advertise(ctx context.Context, beacon []byte) error
	StopAdvertise() error
	// Scan reports sightings until StopScan or ctx ends.
	Scan(ctx context.Context, found func(Sighting)) error
	StopScan() error
	// Write delivers one frame to deviceID. A nil error means the medium accepted it.
	Write(ctx context.Context, deviceID string, frame []byte) error
	MTU() int
	// OnFrame registers the receiver of incoming frames.
	OnFrame(fn func(deviceID string, frame []byte))
	Close() error
}

type Options struct {
	ReassemblyTTL time.Duration
	Now           func() time.Time
}

// Channel is a Bluetooth or NFC channel, depending on its kind.
type Channel struct {
	*transport.Base
	binding     Binding
	reassembler *transport.Reassembler
	now         func() time.Time
	nextID      uint32

	mu         sync.Mutex
	scanCancel context.CancelFunc
}

var _ transport.Channel = (*Channel)(nil)

func New(kind transport.Kind, b Binding, opts Options) *Channel {
	if opts.ReassemblyTTL <= 0 {
		opts.ReassemblyTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	return &Channel{
		Base:        transport.NewBase(kind),
		binding:     b,
		reassembler: transport.NewReassembler(opts.ReassemblyTTL, opts.Now),
		now:         opts.Now,
		nextID:      binary.BigEndian.Uint32(seed[:]),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	if err := c.RequireStarted(); err == nil {
		return nil
	}
	if err := c.binding.Open(ctx); err != nil {
		return transport.Unavailable(c.Kind(), err)
	}
	if c.binding.MTU() <= transport.ChunkHeaderSize {
		return transport.Unavailable(c.Kind(), nil)
	}
	c.binding.OnFrame(c.onFrame)
	c.MarkStarted()
	logx.Info("RADIO", c.Kind(), " channel started, mtu ", c.binding.MTU())
	return nil
}

func (c *Channel) StartAdvertising(ctx context.Context, id transport.Identity) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	beacon, err := jsonx.Marshal(id)
	if err != nil {
		return err
	}
	if err := c.binding.Advertise(ctx, beacon); err != nil {
		return transport.Unavailable(c.Kind(), err)
	}
	c.SetAdvertising(true, id)
	return nil
}

func (c *Channel) StopAdvertising() error {
	if !c.SetAdvertising(false, transport.Identity{}) {
		return nil
	}
	return c.binding.StopAdvertise()
}

func (c *Channel) StartBrowsing(ctx context.Context) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if !c.SetBrowsing(true) {
		return nil
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	if err := c.binding.Scan(scanCtx, c.onSighting); err != nil {
		cancel()
		c.SetBrowsing(false)
		return transport.Unavailable(c.Kind(), err)
	}
	c.mu.Lock()
	c.scanCancel = cancel
	c.mu.Unlock()
	return nil
}

func (c *Channel) StopBrowsing() error {
	if !c.SetBrowsing(false) {
		return nil
	}
	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	c.mu.Unlock()
	err := c.binding.StopScan()
	c.LoseAll()
	return err
}

func (c *Channel) onSighting(s Sighting) {
	if !c.Browsing() {
		return
	}
	if s.Lost {
		c.Lost(s.DeviceID)
		return
	}
	var id transport.Identity
	if err := jsonx.Unmarshal(s.Beacon, &id); err != nil || id.DeviceID == "" {
		logx.Debug("RADIO", "Ignoring beacon from ", s.DeviceID)
		return
	}
	p := transport.PeerFromIdentity(id, c.Kind(), c.now())
	if s.RSSI != nil {
		v := *s.RSSI
		p.ConnectionStrength = &v
	}
	// the binding addresses devices by its own id; keep it as the device id
	p.DeviceID = s.DeviceID
	c.Discovered(p)
}

func (c *Channel) onFrame(deviceID string, frame []byte) {
	data, done, err := c.reassembler.Add(deviceID, frame)
	if err != nil {
		logx.Warn("RADIO", "Dropping frame from ", deviceID, ": ", err)
		return
	}
	if done {
		c.Received(deviceID, string(data))
	}
}

// Send chunks the envelope to the binding MTU and writes every frame.
func (c *Channel) Send(ctx context.Context, envelope string, to transport.Peer) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if _, ok := c.Peer(to.DeviceID); !ok {
		return transport.PeerNotFound(c.Kind(), to.DeviceID)
	}
	frames, err := transport.SplitChunks(atomic.AddUint32(&c.nextID, 1), []byte(envelope), c.binding.MTU())
	if err != nil {
		return transport.SendError(ctx, c.Kind(), err)
	}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return transport.SendError(ctx, c.Kind(), err)
		}
		if err := c.binding.Write(ctx, to.DeviceID, f); err != nil {
			return transport.SendError(ctx, c.Kind(), err)
		}
	}
	logx.Debug("RADIO", "Sent ", len(frames), " frames to ", to.DeviceID, " over ", c.Kind())
	return nil
}

func (c *Channel) Close() error {
	_ = c.StopBrowsing()
	_ = c.StopAdvertising()
	return c.binding.Close()
}
