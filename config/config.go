package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/store"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// LoadWalletConfig reads and parses the wallet.yml file
func LoadWalletConfig(path string) (*WalletConfig, error) {
	logx.Info("CONFIG", "LoadWalletConfig called with path: ", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := &cfgFile.Wallet
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logx.Info("CONFIG", fmt.Sprintf("Loaded wallet config: device=%s storage=%s rpc=%s", cfg.Device.DeviceID, cfg.Storage.Type, cfg.RPC.Endpoint))
	return cfg, nil
}

// DefaultWalletConfig is used when no wallet.yml is given.
func DefaultWalletConfig() *WalletConfig {
	cfg := &WalletConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *WalletConfig) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = store.MemoryStoreType
	}
	if c.RPC.TimeoutMs <= 0 {
		c.RPC.TimeoutMs = 15000
	}
	if c.Transports.LAN.ServiceName == "" {
		c.Transports.LAN.ServiceName = "peerpay"
	}
	if c.Device.DisplayName == "" {
		c.Device.DisplayName = c.Device.DeviceID
	}
}

func (c *WalletConfig) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (c *RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type SyncConfig struct {
	IntervalMs       int `ini:"interval_ms"`
	CooldownMs       int `ini:"cooldown_ms"`
	MaxAttempts      int `ini:"max_attempts"`
	RetryBaseMs      int `ini:"retry_base_ms"`
	RetryMaxMs       int `ini:"retry_max_ms"`
	ConfirmTimeoutMs int `ini:"confirm_timeout_ms"`
	ConfirmPollMs    int `ini:"confirm_poll_ms"`
}

type NonceConfig struct {
	TTLMs int `ini:"ttl_ms"`
}

type CodecConfig struct {
	MaxEnvelopeChars int `ini:"max_envelope_chars"`
	DefaultVersion   int `ini:"default_version"`
}

type TransportConfig struct {
	SendTimeoutMs   int `ini:"send_timeout_ms"`
	SendAttempts    int `ini:"send_attempts"`
	SendBackoffMs   int `ini:"send_backoff_ms"`
	ChunkSize       int `ini:"chunk_size"`
	ReassemblyTTLMs int `ini:"reassembly_ttl_ms"`
}

type RateLimitConfig struct {
	MaxRequests    int `ini:"max_requests"`
	WindowSeconds  int `ini:"window_seconds"`
	CleanupSeconds int `ini:"cleanup_seconds"`
}

// Tunables holds every config.ini section.
type Tunables struct {
	Sync      SyncConfig
	Nonce     NonceConfig
	Codec     CodecConfig
	Transport TransportConfig
	RateLimit RateLimitConfig
}

// DefaultTunables are used for any key missing from config.ini.
func DefaultTunables() *Tunables {
	return &Tunables{
		Sync: SyncConfig{
			IntervalMs:       30_000,
			CooldownMs:       5_000,
			MaxAttempts:      5,
			RetryBaseMs:      60_000,
			RetryMaxMs:       15 * 60_000,
			ConfirmTimeoutMs: 30_000,
			ConfirmPollMs:    1_000,
		},
		Nonce: NonceConfig{
			TTLMs: 24 * 60 * 60_000,
		},
		Codec: CodecConfig{
			MaxEnvelopeChars: 2953,
			DefaultVersion:   2,
		},
		Transport: TransportConfig{
			SendTimeoutMs:   10_000,
			SendAttempts:    3,
			SendBackoffMs:   500,
			ChunkSize:       180,
			ReassemblyTTLMs: 60_000,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:    20,
			WindowSeconds:  60,
			CleanupSeconds: 300,
		},
	}
}

// LoadTunables reads config.ini. A missing file yields the defaults.
func LoadTunables(path string) (*Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}
	sections := map[string]interface{}{
		"sync":      &t.Sync,
		"nonce":     &t.Nonce,
		"codec":     &t.Codec,
		"transport": &t.Transport,
		"ratelimit": &t.RateLimit,
	}
	for name, target := range sections {
		if err := cfg.Section(name).MapTo(target); err != nil {
			return nil, fmt.Errorf("section [%s]: %w", name, err)
		}
	}
	return t, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c SyncConfig) Interval() time.Duration       { return ms(c.IntervalMs) }
func (c SyncConfig) Cooldown() time.Duration       { return ms(c.CooldownMs) }
func (c SyncConfig) RetryBase() time.Duration      { return ms(c.RetryBaseMs) }
func (c SyncConfig) RetryMax() time.Duration       { return ms(c.RetryMaxMs) }
func (c SyncConfig) ConfirmTimeout() time.Duration { return ms(c.ConfirmTimeoutMs) }
func (c SyncConfig) ConfirmPoll() time.Duration    { return ms(c.ConfirmPollMs) }

func (c NonceConfig) TTL() time.Duration { return ms(c.TTLMs) }

func (c TransportConfig) SendTimeout() time.Duration   { return ms(c.SendTimeoutMs) }
func (c TransportConfig) SendBackoff() time.Duration   { return ms(c.SendBackoffMs) }
func (c TransportConfig) ReassemblyTTL() time.Duration { return ms(c.ReassemblyTTLMs) }

func (c RateLimitConfig) Window() time.Duration  { return time.Duration(c.WindowSeconds) * time.Second }
func (c RateLimitConfig) Cleanup() time.Duration { return time.Duration(c.CleanupSeconds) * time.Second }
