package cmd

import (
	"fmt"

	"github.com/mezonai/peerpay/keystore"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a PIN protected wallet key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		pin := auth().PIN
		if pin == "" {
			return fmt.Errorf("a PIN is required: use --pin or %s", pinEnv)
		}
		signer, err := keystore.Generate(keystorePath(cfg), pin)
		if err != nil {
			return err
		}
		fmt.Printf("Wallet address: %s\nKey file: %s\n", signer.Address(), keystorePath(cfg))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
