package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/mezonai/peerpay/client"
	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/config"
	"github.com/mezonai/peerpay/envelope"
	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/nonce"
	"github.com/mezonai/peerpay/queue"
	"github.com/mezonai/peerpay/ratelimit"
	"github.com/mezonai/peerpay/store"
	"github.com/mezonai/peerpay/syncer"
	"github.com/mezonai/peerpay/transport"
	"github.com/mezonai/peerpay/transport/lan"
	"github.com/mezonai/peerpay/transport/qr"
	"github.com/mezonai/peerpay/transport/radio"
)

// Platform holds the hardware bindings the host application provides. A nil
// binding leaves its channel unregistered.
type Platform struct {
	Bluetooth    radio.Binding
	NFC          radio.Binding
	QRDisplay    qr.Display
	QRScanner    qr.Scanner
	Connectivity interfaces.Connectivity
}

type SessionOptions struct {
	Config   *config.WalletConfig
	Tunables *config.Tunables
	Signer   interfaces.Signer
	// Auth unlocks the storage key when storage encryption is on.
	Auth interfaces.AuthContext
	// Network replaces the JSON-RPC client built from Config.RPC.
	Network  interfaces.NetworkClient
	Platform Platform
}

// storageKeyer is implemented by signers able to derive the database key.
type storageKeyer interface {
	StorageKey(auth interfaces.AuthContext) ([]byte, error)
}

// Session owns every service of one unlocked wallet, from NewSession to Close.
type Session struct {
	Config   *config.WalletConfig
	Tunables *config.Tunables

	Stores     *store.Stores
	Network    interfaces.NetworkClient
	Ledger     *nonce.Ledger
	Queue      *queue.Queue
	Engine     *syncer.Engine
	Codec      *envelope.Codec
	Transports *transport.Manager
	Limiter    *ratelimit.RateLimiter
	Bus        *events.EventBus
	Wallet     *Orchestrator

	lan       *lan.Channel
	rpc       *client.RPCClient
	closers   []func()
	closeOnce sync.Once
}

// NewSession builds the services bottom up. On error everything already
// built is torn down again.
func NewSession(opts SessionOptions) (s *Session, err error) {
	if opts.Signer == nil {
		return nil, errors.NewError(errors.KindSigner, errors.CodeAuthenticationRequired, errors.ErrMsgAuthenticationNeeded)
	}
	if opts.Config == nil {
		opts.Config = config.DefaultWalletConfig()
	}
	if opts.Tunables == nil {
		opts.Tunables = config.DefaultTunables()
	}
	cfg, tun := opts.Config, opts.Tunables

	s = &Session{Config: cfg, Tunables: tun}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	var key []byte
	if cfg.Storage.Encrypt {
		keyer, ok := opts.Signer.(storageKeyer)
		if !ok {
			return s, errors.NewError(errors.KindStorage, errors.CodeEncryptionFailed, "signer cannot derive a storage key")
		}
		if key, err = keyer.StorageKey(opts.Auth); err != nil {
			return s, err
		}
	}
	if s.Stores, err = store.NewStoreFactory().CreateStores(&cfg.Storage, key); err != nil {
		return s, err
	}
	s.closers = append(s.closers, func() {
		if err := s.Stores.Close(); err != nil {
			logx.Error("SESSION", "Close stores: ", err)
		}
	})

	s.Network = opts.Network
	if s.Network == nil {
		if s.rpc, err = client.NewRPCClient(client.Config{Endpoint: cfg.RPC.Endpoint, Timeout: cfg.RPC.Timeout()}); err != nil {
			return s, err
		}
		s.closers = append(s.closers, func() { _ = s.rpc.Close() })
		s.Network = client.NewRetrying(s.rpc, client.DefaultRetryPolicy)
	}

	if s.Ledger, err = nonce.NewLedger(s.Stores.Nonce, s.Network, tun.Nonce.TTL()); err != nil {
		return s, err
	}
	s.closers = append(s.closers, s.Ledger.Close)

	s.Queue, err = queue.NewQueue(s.Stores.Queue, queue.Options{
		MaxAttempts: tun.Sync.MaxAttempts,
		RetryBase:   tun.Sync.RetryBase(),
		RetryMax:    tun.Sync.RetryMax(),
	})
	if err != nil {
		return s, err
	}
	s.closers = append(s.closers, s.Queue.Close)

	s.Bus = events.NewEventBus()
	s.closers = append(s.closers, s.Bus.Close)

	s.Engine, err = syncer.NewEngine(syncer.Deps{
		Queue:        s.Queue,
		Ledger:       s.Ledger,
		Network:      s.Network,
		Connectivity: opts.Platform.Connectivity,
		StateStore:   s.Stores.SyncState,
		Bus:          s.Bus,
	}, syncer.Config{
		Interval:       tun.Sync.Interval(),
		Cooldown:       tun.Sync.Cooldown(),
		ConfirmTimeout: tun.Sync.ConfirmTimeout(),
		ConfirmPoll:    tun.Sync.ConfirmPoll(),
	})
	if err != nil {
		return s, err
	}
	s.closers = append(s.closers, s.Engine.Close)

	if s.Codec, err = envelope.NewCodec(tun.Codec.MaxEnvelopeChars, tun.Codec.DefaultVersion); err != nil {
		return s, err
	}

	s.Transports = transport.NewManager()
	s.closers = append(s.closers, func() {
		if err := s.Transports.Close(); err != nil {
			logx.Warn("SESSION", "Close transports: ", err)
		}
	})
	if err = s.registerChannels(opts.Platform); err != nil {
		return s, err
	}

	s.Limiter = ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{
		MaxRequests:     tun.RateLimit.MaxRequests,
		WindowSize:      tun.RateLimit.Window(),
		CleanupInterval: tun.RateLimit.Cleanup(),
	})
	s.closers = append(s.closers, s.Limiter.Stop)

	s.Wallet, err = NewOrchestrator(Deps{
		Signer:     opts.Signer,
		Network:    s.Network,
		Ledger:     s.Ledger,
		Codec:      s.Codec,
		Queue:      s.Queue,
		Engine:     s.Engine,
		Transports: s.Transports,
		Limiter:    s.Limiter,
		Bus:        s.Bus,
	}, Config{
		SendTimeout:  tun.Transport.SendTimeout(),
		SendAttempts: tun.Transport.SendAttempts,
		SendBackoff:  tun.Transport.SendBackoff(),
	})
	if err != nil {
		return s, err
	}
	s.closers = append(s.closers, s.Wallet.Close)

	logx.Info("SESSION", "Wallet session ready for ", common.ShortenLog(opts.Signer.Address()), " on device ", cfg.Device.DeviceID)
	return s, nil
}

func (s *Session) registerChannels(p Platform) error {
	tc := s.Config.Transports
	ttl := s.Tunables.Transport.ReassemblyTTL()

	var channels []transport.Channel
	if tc.LAN.Enabled {
		s.lan = lan.New(lan.Config{
			DeviceID:    s.Config.Device.DeviceID,
			ListenAddrs: tc.LAN.ListenAddrs,
			ServiceName: tc.LAN.ServiceName,
			MDNS:        true,
		})
		channels = append(channels, s.lan)
	}
	if tc.Bluetooth.Enabled && p.Bluetooth != nil {
		channels = append(channels, radio.New(transport.KindBluetooth, p.Bluetooth, radio.Options{ReassemblyTTL: ttl}))
	}
	if tc.NFC.Enabled && p.NFC != nil {
		channels = append(channels, radio.New(transport.KindNFC, p.NFC, radio.Options{ReassemblyTTL: ttl}))
	}
	if tc.QR.Enabled && (p.QRDisplay != nil || p.QRScanner != nil) {
		channels = append(channels, qr.New(p.QRDisplay, p.QRScanner, qr.Options{
			DeviceID:      s.Config.Device.DeviceID,
			FrameSize:     s.Tunables.Transport.ChunkSize,
			ReassemblyTTL: ttl,
		}))
	}
	for _, ch := range channels {
		if err := s.Transports.Register(ch); err != nil {
			return err
		}
	}
	return nil
}

// Identity is what this device advertises on every channel.
func (s *Session) Identity() transport.Identity {
	return transport.Identity{
		DeviceID:    s.Config.Device.DeviceID,
		DisplayName: s.Config.Device.DisplayName,
		Address:     s.Wallet.deps.Signer.Address(),
	}
}

// Start brings up the channels and the sync scheduler. A channel that fails
// to start is reported and left out; the others keep running.
func (s *Session) Start(ctx context.Context) map[transport.Kind]error {
	failed := s.Transports.Start(ctx)
	id := s.Identity()
	for _, kind := range s.Transports.Kinds() {
		if _, down := failed[kind]; down {
			continue
		}
		if err := s.Transports.StartAdvertising(ctx, kind, id); err != nil {
			logx.Warn("SESSION", "Advertise on ", kind, ": ", err)
		}
		if err := s.Transports.StartBrowsing(ctx, kind); err != nil {
			logx.Warn("SESSION", "Browse on ", kind, ": ", err)
		}
	}
	if s.lan != nil && failed[transport.KindLAN] == nil {
		for _, addr := range s.Config.Transports.LAN.Peers {
			if _, err := s.lan.Connect(ctx, addr); err != nil {
				logx.Warn("SESSION", "Connect to ", addr, ": ", err)
			}
		}
	}
	s.Engine.Start(ctx)
	return failed
}

// LANAddrs returns the dialable addresses of the LAN channel, if enabled.
func (s *Session) LANAddrs() []string {
	if s.lan == nil {
		return nil
	}
	return s.lan.Addrs()
}

// Close tears the services down in reverse construction order.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
		logx.Info("SESSION", fmt.Sprintf("Session closed after %d services", len(s.closers)))
	})
}
