package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mezonai/peerpay/events"
	"github.com/mezonai/peerpay/exception"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/transport"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the wallet: transports, sync scheduler and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWallet()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWallet() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	monitoring.MarkSessionStart()

	if addr := s.Config.Monitoring.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		monitoring.RegisterMetrics(mux)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		exception.SafeGo("metrics-server", func() {
			logx.Info("CMD", "Serving metrics on ", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Error("CMD", "Metrics server stopped: ", err)
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	for kind, err := range s.Start(ctx) {
		logx.Warn("CMD", "Channel ", kind, " not started: ", err)
	}
	for _, addr := range s.LANAddrs() {
		logx.Info("CMD", "LAN address: ", addr)
	}
	s.Transports.OnPeerDiscovered(func(p transport.Peer) {
		logx.Info("CMD", "Peer in range: ", p.DeviceID, " (", p.DisplayIdentity, ") over ", p.Capabilities)
	})

	id, sub := s.Wallet.Subscribe()
	defer s.Wallet.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			logx.Info("CMD", "Shutting down")
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			logEvent(ev)
		}
	}
}

func logEvent(ev events.WalletEvent) {
	switch e := ev.(type) {
	case *events.TransactionConfirmed:
		logx.Info("CMD", "Transaction ", e.PackageID(), " confirmed as ", e.Signature(), " reconciled=", e.Reconciled())
	case *events.TransactionFailed:
		logx.Warn("CMD", "Transaction ", e.PackageID(), " failed: ", e.ErrorMessage(), " permanent=", e.Permanent())
	case *events.DeliveryUnknown:
		logx.Warn("CMD", "Delivery of ", e.PackageID(), " to ", e.DeviceID(), " over ", e.Transport(), " unknown")
	case *events.EnvelopeRejected:
		logx.Warn("CMD", "Rejected envelope over ", e.Transport(), ": ", e.Reason())
	default:
		logx.Info("CMD", ev.Type(), " ", ev.PackageID())
	}
}
