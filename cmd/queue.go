package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mezonai/peerpay/types"
	"github.com/spf13/cobra"
)

var listStatuses []string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and retry queued transfers",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued transfers in FIFO order",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		statuses := make([]types.QueueStatus, 0, len(listStatuses))
		for _, st := range listStatuses {
			statuses = append(statuses, types.QueueStatus(st))
		}
		items, err := s.Queue.List(context.Background(), statuses...)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDIRECTION\tSTATUS\tATTEMPTS\tAMOUNT\tCREATED\tLAST ERROR")
		for _, item := range items {
			m := item.Transaction.Metadata
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\t%s\t%s\n", item.ID, item.Direction, item.Status, item.Attempts,
				m.Amount, m.Symbol, item.CreatedAt.Format(time.DateTime), item.LastError)
		}
		return w.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed transfer with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		if _, err := s.Queue.Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Transfer %s scheduled for retry\n", args[0])
		if !offline {
			printSyncResult(s.Engine.ForceSync(ctx))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)
	queueListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status (queued, processing, failed, completed)")
}
