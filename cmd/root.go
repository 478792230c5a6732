package cmd

import (
	"os"

	"github.com/mezonai/peerpay/config"
	"github.com/mezonai/peerpay/interfaces"
	"github.com/mezonai/peerpay/keystore"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/wallet"
	"github.com/spf13/cobra"
)

const (
	defaultKeystorePath = "wallet.key"
	pinEnv              = "PEERPAY_PIN"
)

var (
	walletConfigPath string
	tunablesPath     string
	pinFlag          string
	offline          bool
)

var rootCmd = &cobra.Command{
	Use:   "peerpay",
	Short: "Offline peer-to-peer wallet transfers",
	Long: `Sign transfers while offline, hand them to nearby devices over LAN,
Bluetooth, NFC or QR, and settle them on chain once any device is online.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&walletConfigPath, "config", "c", "", "path to wallet.yml (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&tunablesPath, "tunables", "config/config.ini", "path to config.ini")
	rootCmd.PersistentFlags().StringVar(&pinFlag, "pin", "", "wallet PIN, or set "+pinEnv)
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "treat the network as unreachable")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}

func auth() interfaces.AuthContext {
	if pinFlag != "" {
		return interfaces.AuthContext{PIN: pinFlag}
	}
	return interfaces.AuthContext{PIN: os.Getenv(pinEnv)}
}

func loadConfig() (*config.WalletConfig, *config.Tunables, error) {
	cfg := config.DefaultWalletConfig()
	if walletConfigPath != "" {
		var err error
		if cfg, err = config.LoadWalletConfig(walletConfigPath); err != nil {
			return nil, nil, err
		}
	}
	tun, err := config.LoadTunables(tunablesPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, tun, nil
}

func keystorePath(cfg *config.WalletConfig) string {
	if cfg.Device.KeystorePath != "" {
		return cfg.Device.KeystorePath
	}
	return defaultKeystorePath
}

// openSession unlocks the key store and builds a session. The CLI has no
// hardware bindings, so only the LAN channel can be enabled.
func openSession() (*wallet.Session, error) {
	cfg, tun, err := loadConfig()
	if err != nil {
		return nil, err
	}
	signer, err := keystore.Open(keystorePath(cfg))
	if err != nil {
		return nil, err
	}
	return wallet.NewSession(wallet.SessionOptions{
		Config:   cfg,
		Tunables: tun,
		Signer:   signer,
		Auth:     auth(),
		Platform: wallet.Platform{
			Connectivity: interfaces.ConnectivityFunc(func() bool { return !offline }),
		},
	})
}
