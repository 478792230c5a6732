package cmd

import (
	"context"
	"fmt"

	"github.com/mezonai/peerpay/syncer"
	"github.com/spf13/cobra"
)

var clearErrors bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Settle queued transfers with the network now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if clearErrors {
			s.Engine.ClearErrors()
		}
		printSyncResult(s.Engine.ForceSync(context.Background()))
		st := s.Engine.State()
		fmt.Printf("Pending: %d outbound, %d inbound; errors: %d\n", st.PendingTransactions, st.PendingMessages, st.ErrorCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&clearErrors, "clear-errors", false, "reset the sync error counter first")
}

func printSyncResult(r syncer.Result) {
	switch {
	case r.Skipped:
		fmt.Println("Sync skipped: another run is in progress")
	case r.Success:
		fmt.Printf("Sync done: %d processed\n", r.Processed)
	default:
		fmt.Printf("Sync finished with %d errors, %d processed\n", len(r.Errors), r.Processed)
		for _, err := range r.Errors {
			fmt.Printf("  %v\n", err)
		}
	}
}
