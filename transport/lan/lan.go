package lan

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/exception"
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/transport"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	HelloProtocol    protocol.ID = "/peerpay/hello/1.0.0"
	EnvelopeProtocol protocol.ID = "/peerpay/envelope/1.0.0"

	maxMessageSize = 64 * 1024
	maxAckSize     = 1024
)

type Config struct {
	DeviceID    string
	ListenAddrs []string
	ServiceName string
	// MDNS enables multicast discovery while advertising or browsing.
	MDNS             bool
	HandshakeTimeout time.Duration
}

type helloMsg struct {
	Identity transport.Identity `json:"identity"`
}

type envelopeMsg struct {
	From     string `json:"from"`
	Envelope string `json:"envelope"`
}

type ackMsg struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Channel carries envelopes between devices on the same network over libp2p
// streams. Peers are found with mDNS or dialed directly with Connect.
type Channel struct {
	*transport.Base
	cfg Config

	mu       sync.Mutex
	host     host.Host
	mdns     mdns.Service
	byDevice map[string]peer.ID
	byPeer   map[peer.ID]string
	// browseCtx is cancelled by StopBrowsing, ending in-flight discovery dials
	browseCtx    context.Context
	browseCancel context.CancelFunc
}

var _ transport.Channel = (*Channel)(nil)

func New(cfg Config) *Channel {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "peerpay"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Channel{
		Base:     transport.NewBase(transport.KindLAN),
		cfg:      cfg,
		byDevice: make(map[string]peer.ID),
		byPeer:   make(map[peer.ID]string),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host != nil {
		return nil
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(c.cfg.ListenAddrs...))
	if err != nil {
		return transport.Unavailable(transport.KindLAN, err)
	}
	h.SetStreamHandler(HelloProtocol, c.handleHello)
	h.SetStreamHandler(EnvelopeProtocol, c.handleEnvelope)
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: c.disconnected})
	c.host = h
	c.MarkStarted()

	logx.Info("LAN", fmt.Sprintf("Started libp2p host %s", h.ID().String()))
	for _, addr := range h.Addrs() {
		logx.Info("LAN", "Listening on: ", addr.String())
	}
	return nil
}

// Addrs returns the dialable addresses of this device, including its peer id.
func (c *Channel) Addrs() []string {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (c *Channel) StartAdvertising(ctx context.Context, id transport.Identity) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	c.SetAdvertising(true, id)
	return c.syncMDNS()
}

func (c *Channel) StopAdvertising() error {
	if !c.SetAdvertising(false, transport.Identity{}) {
		return nil
	}
	return c.syncMDNS()
}

func (c *Channel) StartBrowsing(ctx context.Context) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	if !c.SetBrowsing(true) {
		return nil
	}
	c.mu.Lock()
	c.browseCtx, c.browseCancel = context.WithCancel(context.Background())
	c.mu.Unlock()
	return c.syncMDNS()
}

func (c *Channel) StopBrowsing() error {
	if !c.SetBrowsing(false) {
		return nil
	}
	c.mu.Lock()
	if c.browseCancel != nil {
		c.browseCancel()
		c.browseCtx, c.browseCancel = nil, nil
	}
	c.mu.Unlock()
	c.LoseAll()
	return c.syncMDNS()
}

// syncMDNS runs the mDNS service while the channel advertises or browses.
func (c *Channel) syncMDNS() error {
	if !c.cfg.MDNS {
		return nil
	}
	want := c.Advertising() || c.Browsing()

	c.mu.Lock()
	switch {
	case want && c.mdns == nil && c.host != nil:
		svc := mdns.NewMdnsService(c.host, c.cfg.ServiceName, &notifee{c: c})
		if err := svc.Start(); err != nil {
			c.mu.Unlock()
			return transport.Unavailable(transport.KindLAN, err)
		}
		c.mdns = svc
		c.mu.Unlock()
		logx.Info("LAN", "mDNS service started: ", c.cfg.ServiceName)
	case !want && c.mdns != nil:
		svc := c.mdns
		c.mdns = nil
		c.mu.Unlock()
		// peer callbacks lock c.mu, so the service is closed unlocked
		if err := svc.Close(); err != nil {
			logx.Warn("LAN", "Closing mDNS: ", err)
		}
	default:
		c.mu.Unlock()
	}
	return nil
}

type notifee struct {
	c *Channel
}

func (n *notifee) HandlePeerFound(pi peer.AddrInfo) {
	c := n.c
	if !c.Browsing() {
		return
	}
	c.mu.Lock()
	self := c.host != nil && c.host.ID() == pi.ID
	ctx := c.browseCtx
	c.mu.Unlock()
	if self || ctx == nil {
		return
	}
	exception.SafeGo("LanHello", func() {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
		if _, err := c.connect(dialCtx, pi); err != nil {
			logx.Debug("LAN", "Hello with ", pi.ID.String(), " failed: ", err)
		}
	})
}

// Connect dials a peer by multiaddr (with /p2p/ id) and exchanges identities.
func (c *Channel) Connect(ctx context.Context, addr string) (transport.Peer, error) {
	if err := c.RequireStarted(); err != nil {
		return transport.Peer{}, err
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return transport.Peer{}, errors.Wrap(errors.KindValidation, errors.CodeInvalidInput, "invalid peer address "+addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return transport.Peer{}, errors.Wrap(errors.KindValidation, errors.CodeInvalidInput, "invalid peer address "+addr, err)
	}
	return c.connect(ctx, *info)
}

func (c *Channel) self() transport.Identity {
	if c.Advertising() {
		return c.Identity()
	}
	return transport.Identity{DeviceID: c.cfg.DeviceID}
}

func (c *Channel) connect(ctx context.Context, info peer.AddrInfo) (transport.Peer, error) {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return transport.Peer{}, transport.Unavailable(transport.KindLAN, nil)
	}

	if err := h.Connect(ctx, info); err != nil {
		return transport.Peer{}, transport.SendError(ctx, transport.KindLAN, err)
	}
	s, err := h.NewStream(ctx, info.ID, HelloProtocol)
	if err != nil {
		return transport.Peer{}, transport.SendError(ctx, transport.KindLAN, err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))

	if err := jsonx.NewEncoder(s).Encode(helloMsg{Identity: c.self()}); err != nil {
		return transport.Peer{}, transport.SendError(ctx, transport.KindLAN, err)
	}
	_ = s.CloseWrite()

	var reply helloMsg
	if err := jsonx.NewDecoder(io.LimitReader(s, maxMessageSize)).Decode(&reply); err != nil {
		return transport.Peer{}, transport.SendError(ctx, transport.KindLAN, err)
	}
	if reply.Identity.DeviceID == "" {
		return transport.Peer{}, transport.PeerNotFound(transport.KindLAN, info.ID.String())
	}

	c.remember(reply.Identity.DeviceID, info.ID)
	p := transport.PeerFromIdentity(reply.Identity, transport.KindLAN, time.Now())
	c.Discovered(p)
	return p, nil
}

func (c *Channel) remember(deviceID string, pid peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byDevice[deviceID] = pid
	c.byPeer[pid] = deviceID
}

func (c *Channel) handleHello(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))

	var req helloMsg
	if err := jsonx.NewDecoder(io.LimitReader(s, maxMessageSize)).Decode(&req); err != nil {
		logx.Warn("LAN", "Bad hello from ", s.Conn().RemotePeer().String(), ": ", err)
		return
	}
	if id := req.Identity; id.DeviceID != "" {
		c.remember(id.DeviceID, s.Conn().RemotePeer())
		if c.Browsing() {
			c.Discovered(transport.PeerFromIdentity(id, transport.KindLAN, time.Now()))
		}
	}

	reply := helloMsg{}
	if c.Advertising() {
		reply.Identity = c.Identity()
	}
	if err := jsonx.NewEncoder(s).Encode(reply); err != nil {
		logx.Warn("LAN", "Writing hello reply: ", err)
	}
}

func (c *Channel) handleEnvelope(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))

	var msg envelopeMsg
	enc := jsonx.NewEncoder(s)
	if err := jsonx.NewDecoder(io.LimitReader(s, maxMessageSize)).Decode(&msg); err != nil || msg.Envelope == "" {
		_ = enc.Encode(ackMsg{Error: "malformed envelope message"})
		return
	}

	from := msg.From
	c.mu.Lock()
	if id, ok := c.byPeer[s.Conn().RemotePeer()]; ok {
		from = id
	}
	c.mu.Unlock()

	// the ack only confirms receipt; acceptance is decided by the wallet
	if err := enc.Encode(ackMsg{OK: true}); err != nil {
		logx.Warn("LAN", "Writing ack to ", from, ": ", err)
	}
	c.Received(from, msg.Envelope)
}

func (c *Channel) disconnected(n network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	if len(n.ConnsToPeer(pid)) > 0 {
		return
	}
	c.mu.Lock()
	deviceID, ok := c.byPeer[pid]
	if ok {
		delete(c.byPeer, pid)
		delete(c.byDevice, deviceID)
	}
	c.mu.Unlock()
	if ok {
		c.Lost(deviceID)
	}
}

// Send writes the envelope on a new stream and waits for the ack. A send
// that runs past the ctx deadline reports TRANSPORT_TIMEOUT.
func (c *Channel) Send(ctx context.Context, envelope string, to transport.Peer) error {
	if err := c.RequireStarted(); err != nil {
		return err
	}
	c.mu.Lock()
	pid, ok := c.byDevice[to.DeviceID]
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return transport.Unavailable(transport.KindLAN, nil)
	}
	if !ok {
		return transport.PeerNotFound(transport.KindLAN, to.DeviceID)
	}

	s, err := h.NewStream(ctx, pid, EnvelopeProtocol)
	if err != nil {
		return transport.SendError(ctx, transport.KindLAN, err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := jsonx.NewEncoder(s).Encode(envelopeMsg{From: c.self().DeviceID, Envelope: envelope}); err != nil {
		return transport.SendError(ctx, transport.KindLAN, err)
	}
	_ = s.CloseWrite()

	var ack ackMsg
	if err := jsonx.NewDecoder(io.LimitReader(s, maxAckSize)).Decode(&ack); err != nil {
		return transport.SendError(ctx, transport.KindLAN, err)
	}
	if !ack.OK {
		return errors.Newf(errors.KindTransport, errors.CodeTransportSendFailed, "peer %s refused envelope: %s", to.DeviceID, ack.Error)
	}
	return nil
}

// Close stops discovery and shuts the host down. Host and mDNS shutdown wait
// for their notifier goroutines, which take c.mu, so they run unlocked.
func (c *Channel) Close() error {
	_ = c.StopBrowsing()
	_ = c.StopAdvertising()

	c.mu.Lock()
	h, svc := c.host, c.mdns
	c.host, c.mdns = nil, nil
	if c.browseCancel != nil {
		c.browseCancel()
		c.browseCtx, c.browseCancel = nil, nil
	}
	c.mu.Unlock()

	if svc != nil {
		_ = svc.Close()
	}
	if h == nil {
		return nil
	}
	return h.Close()
}
