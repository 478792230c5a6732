package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Manage durable nonces used for offline signing",
}

var nonceReserveCmd = &cobra.Command{
	Use:     "prepare",
	Aliases: []string{"reserve"},
	Short:   "Prepare a durable nonce so the wallet can sign while offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		r, err := s.Ledger.Reserve(ctx, s.Identity().Address)
		if err != nil {
			return err
		}
		// held only while a send signs with it
		if err := s.Ledger.Release(ctx, r); err != nil {
			return err
		}
		fmt.Printf("Account: %s\nValue:   %s\nExpires: %s\n", r.NonceAccount, r.NonceValue, r.ExpiresAt.Format(time.DateTime))
		return nil
	},
}

var nonceStatusCmd = &cobra.Command{
	Use:   "status [value]",
	Short: "Check reserved nonces against the chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		values := args
		if len(values) == 0 {
			reservations, err := s.Ledger.Reservations(ctx)
			if err != nil {
				return err
			}
			for _, r := range reservations {
				fmt.Printf("%s %s %s %s\n", r.NonceAccount, r.NonceValue, r.State, r.PackageID)
				values = append(values, r.NonceValue)
			}
		}
		for _, v := range values {
			st := s.Ledger.CheckStatus(ctx, v)
			if st.Err != nil {
				fmt.Printf("%s: %v\n", v, st.Err)
				continue
			}
			fmt.Printf("%s: valid=%t used=%t expires=%s\n", v, st.IsValid, st.IsUsed, st.ExpiresAt.Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nonceCmd)
	nonceCmd.AddCommand(nonceReserveCmd, nonceStatusCmd)
}
