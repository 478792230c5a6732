package qr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisplay struct {
	mu      sync.Mutex
	frames  []string
	clears  int
	showErr error
}

func (d *fakeDisplay) Show(ctx context.Context, frames []string) error {
	if d.showErr != nil {
		return d.showErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append([]string(nil), frames...)
	return nil
}

func (d *fakeDisplay) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = nil
	d.clears++
	return nil
}

func (d *fakeDisplay) shown() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frames...)
}

type fakeScanner struct {
	mu     sync.Mutex
	onText func(string)
	stops  int
}

func (s *fakeScanner) Start(ctx context.Context, onText func(string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onText = onText
	return nil
}

func (s *fakeScanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onText = nil
	s.stops++
	return nil
}

func (s *fakeScanner) scan(text string) {
	s.mu.Lock()
	fn := s.onText
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func TestChannel_IdentityAndEnvelopeFrames(t *testing.T) {
	ctx := context.Background()
	aliceDisplay := &fakeDisplay{}
	alice := New(aliceDisplay, nil, Options{DeviceID: "dev-a", FrameSize: 32})
	bobScanner := &fakeScanner{}
	bob := New(nil, bobScanner, Options{DeviceID: "dev-b"})
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))

	var received []transport.Event
	bob.OnEvent(func(ev transport.Event) {
		if ev.Type == transport.EventEnvelopeReceived {
			received = append(received, ev)
		}
	})

	require.NoError(t, alice.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-a", DisplayName: "Alice"}))
	require.NoError(t, bob.StartBrowsing(ctx))
	for _, f := range aliceDisplay.shown() {
		bobScanner.scan(f)
	}
	p, ok := bob.Peer("dev-a")
	require.True(t, ok)
	assert.Equal(t, "Alice", p.DisplayIdentity)
	assert.Equal(t, transport.StateConnected, bob.State())

	envelope := "pp:" + strings.Repeat("7", 200)
	require.NoError(t, alice.Send(ctx, envelope, transport.Peer{DeviceID: "dev-b"}))
	frames := aliceDisplay.shown()
	require.Greater(t, len(frames), 1)

	// scanning order and repeats do not matter
	for i := len(frames) - 1; i >= 0; i-- {
		bobScanner.scan(frames[i])
		bobScanner.scan(frames[i])
	}
	require.Len(t, received, 1)
	assert.Equal(t, envelope, received[0].Envelope)
	assert.Equal(t, "dev-a", received[0].DeviceID)
}

func TestChannel_SidesAndErrors(t *testing.T) {
	ctx := context.Background()

	none := New(nil, nil, Options{})
	assert.True(t, errors.Is(none.Start(ctx), errors.ErrTransportUnavailable))

	scanOnly := New(nil, &fakeScanner{}, Options{})
	require.NoError(t, scanOnly.Start(ctx))
	assert.True(t, errors.Is(scanOnly.StartAdvertising(ctx, transport.Identity{DeviceID: "x"}), errors.ErrTransportUnavailable))
	assert.True(t, errors.Is(scanOnly.Send(ctx, "pp:1", transport.Peer{}), errors.ErrTransportUnavailable))

	broken := &fakeDisplay{showErr: fmt.Errorf("screen off")}
	showOnly := New(broken, nil, Options{DeviceID: "dev-a"})
	require.NoError(t, showOnly.Start(ctx))
	assert.True(t, errors.Is(showOnly.StartBrowsing(ctx), errors.ErrTransportUnavailable))
	assert.True(t, errors.Is(showOnly.Send(ctx, "pp:1", transport.Peer{}), errors.ErrTransportSendFailed))

	_, err := EncodeFrames("bad|id", 1, "pp:1", 64)
	assert.Error(t, err)
}

func TestChannel_ForeignAndBrokenCodesIgnored(t *testing.T) {
	ctx := context.Background()
	scanner := &fakeScanner{}
	c := New(nil, scanner, Options{})
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartBrowsing(ctx))

	var events int
	c.OnEvent(func(transport.Event) { events++ })

	scanner.scan("https://example.com")
	scanner.scan(identityPrefix + "{not json")
	scanner.scan(framePrefix + "dev-a|0OIl")
	scanner.scan(framePrefix + "no-separator")
	assert.Zero(t, events)
}

func TestChannel_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	display := &fakeDisplay{}
	scanner := &fakeScanner{}
	c := New(display, scanner, Options{DeviceID: "dev-b"})
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartAdvertising(ctx, transport.Identity{DeviceID: "dev-b"}))
	require.NoError(t, c.StartBrowsing(ctx))
	scanner.scan(identityPrefix + `{"device_id":"dev-a"}`)

	var lost []string
	c.OnEvent(func(ev transport.Event) {
		if ev.Type == transport.EventPeerLost {
			lost = append(lost, ev.DeviceID)
		}
	})

	require.NoError(t, c.StopBrowsing())
	require.NoError(t, c.StopBrowsing())
	require.NoError(t, c.StopAdvertising())
	require.NoError(t, c.StopAdvertising())
	assert.Equal(t, []string{"dev-a"}, lost)
	assert.Equal(t, 1, scanner.stops)
	assert.Equal(t, 1, display.clears)
	assert.Equal(t, transport.StateIdle, c.State())
}
