package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var receiveFrom string

var receiveCmd = &cobra.Command{
	Use:   "receive [envelope]",
	Short: "Accept an envelope and queue it for settlement",
	Long:  "Accepts an envelope given as argument or on stdin, e.g. the text of a scanned QR code.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) == 1 {
			text = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read envelope: %w", err)
			}
			text = line
		}
		return receive(strings.TrimSpace(text))
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().StringVar(&receiveFrom, "from", "", "device id the envelope came from")
}

func receive(text string) error {
	ctx := context.Background()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Wallet.Receive(ctx, text, receiveFrom)
	if err != nil {
		return err
	}
	if res.Duplicate {
		fmt.Printf("Transfer %s is already known\n", res.PackageID)
		return nil
	}
	m := res.Package.Metadata
	fmt.Printf("Queued %s %s from %s to %s (%s)\n", m.Amount, m.Symbol, m.FromAddress, m.ToAddress, res.Package.ID)
	if !offline {
		printSyncResult(s.Engine.ForceSync(ctx))
	}
	return nil
}
