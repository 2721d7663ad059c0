package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchverify/patchverify/pkg/metrics"
	"github.com/patchverify/patchverify/pkg/server"
)

const defaultAddr = ":8080"

func NewServeCmd() *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan history as a JSON API with Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if cfg.HistoryOff {
				return errors.New("history is disabled by configuration")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.NewServer(store, metrics.NewMetrics()).ListenAndServe(ctx, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", defaultAddr, "Listen address")
	return serveCmd
}
