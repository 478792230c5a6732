// Package qr implements the camera channel: a device shows codes on its
// screen and the other one scans them. There is no link, so Send only
// renders the frames and the receiver reassembles whatever it scans.
package qr

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/transport"
)

const (
	identityPrefix = "ppid1|"
	framePrefix    = "ppq1|"

	// binary chunk size before base58; keeps a frame well inside a dense code
	DefaultFrameSize = 512
)

// Display renders codes. Show cycles through frames until Clear or the next Show.
type Display interface {
	Show(ctx context.Context, frames []string) error
	Clear() error
}

// Scanner reports decoded code text until Stop.
type Scanner interface {
	Start(ctx context.Context, onText func(text string)) error
	Stop() error
}

type Options struct {
	DeviceID      string
	FrameSize     int
	ReassemblyTTL time.Duration
	Now           func() time.Time
}

type Channel struct {
	*transport.Base
	display     Display
	scanner     Scanner
	opts        Options
	reassembler *transport.Reassembler
	nextID      uint32

	mu      sync.Mutex
	showing bool
}

var _ transport.Channel = (*Channel)(nil)

// New builds the channel. Either side may be nil on a device that can only
// show or only scan.
func New(display Display, scanner Scanner, opts Options) *Channel {
	if opts.FrameSize <= transport.ChunkHeaderSize {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.ReassemblyTTL <= 0 {
		opts.ReassemblyTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	return &Channel{
		Base:        transport.NewBase(transport.KindQR),
		display:     display,
		scanner:     scanner,
		opts:        opts,
		reassembler: transport.NewReassembler(opts.ReassemblyTTL, opts.Now),
		nextID:      binary.BigEndian.Uint32(seed[:]),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	if c.display == nil && c.scanner == nil {
		return transport.Unavailable(transport.KindQR, nil)
	}
	c.MarkStarted()
	logx.Info("QR", "Channel started, display=", c.display != nil, " scanner=", c.scanner != nil)
	return nil
}

// StartAdvertising shows the identity code.
func (c *Channel) StartAdvertising(ctx context.Context, id transport.Identity) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if c.display == nil {
		return transport.Unavailable(transport.KindQR, nil)
	}
	b, err := jsonx.Marshal(id)
	if err != nil {
		return err
	}
	if err := c.show(ctx, []string{identityPrefix + string(b)}); err != nil {
		return transport.Unavailable(transport.KindQR, err)
	}
	c.SetAdvertising(true, id)
	return nil
}

func (c *Channel) StopAdvertising() error {
	if !c.SetAdvertising(false, transport.Identity{}) {
		return nil
	}
	return c.clear()
}

func (c *Channel) StartBrowsing(ctx context.Context) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if c.scanner == nil {
		return transport.Unavailable(transport.KindQR, nil)
	}
	if !c.SetBrowsing(true) {
		return nil
	}
	if err := c.scanner.Start(ctx, c.onText); err != nil {
		c.SetBrowsing(false)
		return transport.Unavailable(transport.KindQR, err)
	}
	return nil
}

func (c *Channel) StopBrowsing() error {
	if !c.SetBrowsing(false) {
		return nil
	}
	err := c.scanner.Stop()
	c.LoseAll()
	return err
}

// Send renders the envelope as one or more frame codes. The peer is only
// informational: whoever scans the frames receives the envelope.
func (c *Channel) Send(ctx context.Context, envelope string, to transport.Peer) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if c.display == nil {
		return transport.Unavailable(transport.KindQR, nil)
	}
	frames, err := EncodeFrames(c.sender(), atomic.AddUint32(&c.nextID, 1), envelope, c.opts.FrameSize)
	if err != nil {
		return transport.SendError(ctx, transport.KindQR, err)
	}
	if err := c.show(ctx, frames); err != nil {
		return transport.SendError(ctx, transport.KindQR, err)
	}
	logx.Debug("QR", "Showing ", len(frames), " frames for ", to.DeviceID)
	return nil
}

func (c *Channel) sender() string {
	if id := c.Identity().DeviceID; id != "" {
		return id
	}
	return c.opts.DeviceID
}

func (c *Channel) show(ctx context.Context, frames []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.display.Show(ctx, frames); err != nil {
		return err
	}
	c.showing = true
	return nil
}

func (c *Channel) clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.showing {
		return nil
	}
	c.showing = false
	return c.display.Clear()
}

func (c *Channel) onText(text string) {
	switch {
	case strings.HasPrefix(text, identityPrefix):
		var id transport.Identity
		if err := jsonx.Unmarshal([]byte(text[len(identityPrefix):]), &id); err != nil || id.DeviceID == "" {
			logx.Debug("QR", "Ignoring identity code")
			return
		}
		c.Discovered(transport.PeerFromIdentity(id, transport.KindQR, c.opts.Now()))
	case strings.HasPrefix(text, framePrefix):
		from, frame, err := decodeFrame(text)
		if err != nil {
			logx.Warn("QR", "Dropping frame: ", err)
			return
		}
		data, done, err := c.reassembler.Add(from, frame)
		if err != nil {
			logx.Warn("QR", "Dropping frame from ", from, ": ", err)
			return
		}
		if done {
			c.Received(from, string(data))
		}
	default:
		logx.Debug("QR", "Ignoring foreign code")
	}
}

func (c *Channel) Close() error {
	if c.scanner != nil {
		_ = c.StopBrowsing()
	}
	if c.display != nil {
		_ = c.StopAdvertising()
		return c.clear()
	}
	return nil
}

// EncodeFrames cuts envelope into frame codes "ppq1|<from>|<base58 chunk>".
func EncodeFrames(from string, msgID uint32, envelope string, frameSize int) ([]string, error) {
	if strings.Contains(from, "|") {
		return nil, errBadSender
	}
	chunks, err := transport.SplitChunks(msgID, []byte(envelope), frameSize)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = framePrefix + from + "|" + common.EncodeBytesToBase58(ch)
	}
	return out, nil
}

func decodeFrame(text string) (string, []byte, error) {
	parts := strings.SplitN(text[len(framePrefix):], "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", nil, errBadFrame
	}
	frame, err := common.DecodeBase58ToBytes(parts[1])
	if err != nil {
		return "", nil, err
	}
	return parts[0], frame, nil
}
