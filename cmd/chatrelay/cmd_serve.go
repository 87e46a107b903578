package main

import (
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the relay over HTTP",
	Long: `Serves POST /v1/chat, GET /v1/ready[/{platform}] and GET /metrics.

Timeouts, poll intervals and extraction hints are reloaded when the config
file changes. Platforms added or removed take effect on restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(0)
	defer cancel()

	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if err := a.ctrl.Reconfigure(next); err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
			}
		}, func(err error) {
			logger.Warn("config watch error", zap.Error(err))
		})
		if err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv := server.New(server.Options{
		Addr:     addr,
		Relay:    a.ctrl,
		Gatherer: a.registry,
		Logger:   logging.Get(logging.CategoryServer),
	})
	return srv.Start(ctx)
}
