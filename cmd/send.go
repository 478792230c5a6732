package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mezonai/peerpay/transport"
	"github.com/mezonai/peerpay/wallet"
	"github.com/spf13/cobra"
)

type SendConfig struct {
	To        string
	Amount    string
	Symbol    string
	Memo      string
	Transport string
	DeviceID  string
	Wait      time.Duration
}

var sendConfig SendConfig

var sendCmd = &cobra.Command{
	Use:   "send [flags]",
	Short: "Sign a transfer and queue it for settlement",
	Long: `Signs a transfer against a live blockhash when online or a durable nonce
when offline, queues it, and prints the envelope to share.

Examples:
  # Offline transfer shared by any means
  peerpay send --offline -t 5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY -a 1.5 -s SOL

  # Hand it to a device on the local network
  peerpay send -t 5Grw... -a 2 -s SOL --transport lan --device phone-b`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(sendConfig)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendConfig.To, "to", "t", "", "address of recipient")
	sendCmd.Flags().StringVarP(&sendConfig.Amount, "amount", "a", "", "decimal amount, e.g. 1.5")
	sendCmd.Flags().StringVarP(&sendConfig.Symbol, "symbol", "s", "SOL", "token symbol")
	sendCmd.Flags().StringVarP(&sendConfig.Memo, "memo", "m", "", "memo text")
	sendCmd.Flags().StringVar(&sendConfig.Transport, "transport", "", "channel to hand the envelope over (lan)")
	sendCmd.Flags().StringVar(&sendConfig.DeviceID, "device", "", "device id of the receiving peer")
	sendCmd.Flags().DurationVar(&sendConfig.Wait, "wait", 10*time.Second, "how long to look for the peer")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("amount")
}

func send(cfg SendConfig) error {
	ctx := context.Background()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	req := wallet.SendRequest{
		Recipient: cfg.To,
		Amount:    cfg.Amount,
		Symbol:    cfg.Symbol,
		Memo:      cfg.Memo,
		Auth:      auth(),
	}
	if cfg.Transport != "" && cfg.DeviceID != "" {
		req.Transport = transport.Kind(cfg.Transport)
		req.DeviceID = cfg.DeviceID
		for kind, err := range s.Start(ctx) {
			if kind == req.Transport {
				return err
			}
		}
		if err := waitForPeer(ctx, s.Transports, req.DeviceID, req.Transport, cfg.Wait); err != nil {
			return err
		}
	}

	res, err := s.Wallet.Send(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Queued transfer %s (offline=%t)\n", res.Package.ID, res.Offline)
	if res.Delivery != "" {
		fmt.Printf("Delivery over %s: %s\n", req.Transport, res.Delivery)
		if res.DeliveryErr != nil {
			fmt.Printf("  %v\n", res.DeliveryErr)
		}
	}
	fmt.Println(res.Envelope)

	if !offline {
		result := s.Engine.ForceSync(ctx)
		printSyncResult(result)
	}
	return nil
}

func waitForPeer(ctx context.Context, m *transport.Manager, deviceID string, kind transport.Kind, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if p, ok := m.Peer(deviceID); ok && p.Has(kind) {
			return nil
		}
		if time.Now().After(deadline) {
			return transport.PeerNotFound(kind, deviceID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
