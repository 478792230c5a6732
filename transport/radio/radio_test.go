package radio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// air connects fake bindings in memory.
type air struct {
	mu       sync.Mutex
	bindings map[string]*fakeBinding
}

func newAir() *air {
	return &air{bindings: make(map[string]*fakeBinding)}
}

func (a *air) others(self string) []*fakeBinding {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*fakeBinding
	for id, b := range a.bindings {
		if id != self {
			out = append(out, b)
		}
	}
	return out
}

type fakeBinding struct {
	air     *air
	id      string
	mtu     int
	openErr error
	delay   time.Duration

	mu      sync.Mutex
	beacon  []byte
	scan    func(Sighting)
	onFrame func(string, []byte)
	writes  int
}

func (a *air) binding(id string, mtu int) *fakeBinding {
	b := &fakeBinding{air: a, id: id, mtu: mtu}
	a.mu.Lock()
	a.bindings[id] = b
	a.mu.Unlock()
	return b
}

func (b *fakeBinding) Open(ctx context.Context) error { return b.openErr }

func (b *fakeBinding) Advertise(ctx context.Context, beacon []byte) error {
	b.mu.Lock()
	b.beacon = beacon
	b.mu.Unlock()
	for _, o := range b.air.others(b.id) {
		o.mu.Lock()
		scan := o.scan
		o.mu.Unlock()
		if scan != nil {
			scan(Sighting{DeviceID: b.id, Beacon: beacon})
		}
	}
	return nil
}

func (b *fakeBinding) StopAdvertise() error {
	b.mu.Lock()
	b.beacon = nil
	b.mu.Unlock()
	for _, o := range b.air.others(b.id) {
		o.mu.Lock()
		scan := o.scan
		o.mu.Unlock()
		if scan != nil {
			scan(Sighting{DeviceID: b.id, Lost: true})
		}
	}
	return nil
}

func (b *fakeBinding) Scan(ctx context.Context, found func(Sighting)) error {
	b.mu.Lock()
	b.scan = found
	b.mu.Unlock()
	rssi := -50
	for _, o := range b.air.others(b.id) {
		o.mu.Lock()
		beacon := o.beacon
		o.mu.Unlock()
		if beacon != nil {
			found(Sighting{DeviceID: o.id, Beacon: beacon, RSSI: &rssi})
		}
	}
	return nil
}

func (b *fakeBinding) StopScan() error {
	b.mu.Lock()
	b.scan = nil
	b.mu.Unlock()
	return nil
}

func (b *fakeBinding) Write(ctx context.Context, deviceID string, frame []byte) error {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.air.mu.Lock()
	target, ok := b.air.bindings[deviceID]
	b.air.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s out of range", deviceID)
	}
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	target.mu.Lock()
	fn := target.onFrame
	target.mu.Unlock()
	if fn != nil {
		fn(b.id, append([]byte(nil), frame...))
	}
	return nil
}

func (b *fakeBinding) MTU() int { return b.mtu }

func (b *fakeBinding) OnFrame(fn func(string, []byte)) {
	b.mu.Lock()
	b.onFrame = fn
	b.mu.Unlock()
}

func (b *fakeBinding) Close() error { return nil }

func started(t *testing.T, kind transport.Kind, b Binding) *Channel {
	t.Helper()
	c := New(kind, b, Options{})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChannel_DiscoverAndSendChunked(t *testing.T) {
	ctx := context.Background()
	a := newAir()
	phoneA, phoneB := a.binding("phone-a", 40), a.binding("phone-b", 40)
	alice := started(t, transport.KindBluetooth, phoneA)
	bob := started(t, transport.KindBluetooth, phoneB)

	var got []transport.Event
	bob.OnEvent(func(ev transport.Event) {
		if ev.Type == transport.EventEnvelopeReceived {
			got = append(got, ev)
		}
	})

	require.NoError(t, bob.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-b", DisplayName: "Bob"}))
	require.NoError(t, alice.StartBrowsing(ctx))

	p, ok := alice.Peer("phone-b")
	require.True(t, ok)
	assert.Equal(t, "Bob", p.DisplayIdentity)
	require.NotNil(t, p.ConnectionStrength)
	assert.Equal(t, -50, *p.ConnectionStrength)
	assert.Equal(t, transport.StateConnected, alice.State())

	envelope := "pp:" + strings.Repeat("x", 500)
	require.NoError(t, alice.Send(ctx, envelope, p))

	require.Len(t, got, 1)
	assert.Equal(t, envelope, got[0].Envelope)
	assert.Equal(t, "phone-a", got[0].DeviceID)
	assert.Greater(t, phoneA.writes, 1)
}

func TestChannel_OpenFailureIsUnavailable(t *testing.T) {
	a := newAir()
	b := a.binding("phone-a", 40)
	b.openErr = fmt.Errorf("bluetooth permission denied")

	c := New(transport.KindNFC, b, Options{})
	err := c.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrTransportUnavailable))

	err = c.Send(context.Background(), "pp:1", transport.Peer{DeviceID: "phone-b"})
	assert.True(t, errors.Is(err, errors.ErrTransportUnavailable))
	err = c.StartBrowsing(context.Background())
	assert.True(t, errors.Is(err, errors.ErrTransportUnavailable))
}

func TestChannel_SendTimeoutIsReported(t *testing.T) {
	ctx := context.Background()
	a := newAir()
	phoneA, phoneB := a.binding("phone-a", 64), a.binding("phone-b", 64)
	phoneA.delay = 200 * time.Millisecond
	alice := started(t, transport.KindBluetooth, phoneA)
	bob := started(t, transport.KindBluetooth, phoneB)
	require.NoError(t, bob.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-b"}))
	require.NoError(t, alice.StartBrowsing(ctx))

	p, ok := alice.Peer("phone-b")
	require.True(t, ok)

	sendCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := alice.Send(sendCtx, "pp:1", p)
	assert.True(t, errors.Is(err, errors.ErrTransportTimeout))

	err = alice.Send(ctx, "pp:1", transport.Peer{DeviceID: "phone-z"})
	assert.True(t, errors.Is(err, errors.ErrPeerNotFound))
}

func TestChannel_PeerLost(t *testing.T) {
	ctx := context.Background()
	a := newAir()
	alice := started(t, transport.KindBluetooth, a.binding("phone-a", 64))
	bob := started(t, transport.KindBluetooth, a.binding("phone-b", 64))

	var lost []string
	alice.OnEvent(func(ev transport.Event) {
		if ev.Type == transport.EventPeerLost {
			lost = append(lost, ev.DeviceID)
		}
	})

	require.NoError(t, alice.StartBrowsing(ctx))
	require.NoError(t, bob.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-b"}))
	_, ok := alice.Peer("phone-b")
	require.True(t, ok)

	require.NoError(t, bob.StopAdvertising())
	assert.Equal(t, []string{"phone-b"}, lost)
	require.NoError(t, bob.StopAdvertising())
	assert.Len(t, lost, 1)

	require.NoError(t, bob.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-b"}))
	require.NoError(t, alice.StopBrowsing())
	require.NoError(t, alice.StopBrowsing())
	assert.Equal(t, []string{"phone-b", "phone-b"}, lost)
	assert.Equal(t, transport.StateIdle, alice.State())
}
