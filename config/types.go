package config

import (
	"github.com/mezonai/peerpay/store"
)

// DeviceConfig identifies this device to peers
type DeviceConfig struct {
	DeviceID     string `yaml:"device_id"`
	DisplayName  string `yaml:"display_name"`
	KeystorePath string `yaml:"keystore_path"`
}

// RPCConfig points at the blockchain JSON-RPC endpoint
type RPCConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type LANConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ListenAddrs []string `yaml:"listen_addrs"`
	ServiceName string   `yaml:"service_name"`
	// Peers are multiaddrs dialed at start, for networks without multicast
	Peers       []string `yaml:"peers"`
}

type RadioConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TransportsConfig struct {
	LAN       LANConfig   `yaml:"lan"`
	Bluetooth RadioConfig `yaml:"bluetooth"`
	NFC       RadioConfig `yaml:"nfc"`
	QR        RadioConfig `yaml:"qr"`
}

type MonitoringConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// WalletConfig holds the configuration from wallet.yml
type WalletConfig struct {
	Device     DeviceConfig      `yaml:"device"`
	RPC        RPCConfig         `yaml:"rpc"`
	Storage    store.StoreConfig `yaml:"storage"`
	Transports TransportsConfig  `yaml:"transports"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
}

// ConfigFile is the top-level structure for wallet.yml
type ConfigFile struct {
	Wallet WalletConfig `yaml:"wallet"`
}
