package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/rendezvous"
)

var rendezvousCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "runs the rendezvous server",
	Long:  `runs the rendezvous server nodes register with to find each other and to relay webrtc signaling`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.RendezvousListen, _ = cmd.Flags().GetString("listen")
		}
		if cmd.Flags().Changed("ws-listen") {
			cfg.RendezvousWSListen, _ = cmd.Flags().GetString("ws-listen")
		}

		log := logger.NewLogger(cfg.LogLevel, os.Stderr)

		srv, err := rendezvous.NewServer(rendezvous.Config{
			Addr:   cfg.RendezvousListen,
			WSAddr: cfg.RendezvousWSListen,
			DBPath: cfg.RendezvousDBPath,
			Logger: log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = srv.Shutdown() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rendezvousCmd.Flags().String("listen", "", "address to listen on (default 0.0.0.0:7500)")
	rendezvousCmd.Flags().String("ws-listen", "", "also serve websocket clients on this address")
	rendezvousCmd.Flags().String("db", "", "registration database path (default in memory)")
}
