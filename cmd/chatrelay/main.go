// Command chatrelay drives web chat interfaces in a real browser and returns
// their replies as plain text.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/connection"
	"chatrelay/internal/driver"
	"chatrelay/internal/logging"
	"chatrelay/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Relay prompts to browser chat interfaces",
	Long: `chatrelay attaches to a Chromium browser over the DevTools protocol,
types prompts into configured chat interfaces, waits for the reply to finish
streaming, and prints the extracted text.

The browser must already be logged in to each platform.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		opts := logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			opts.Level = "debug"
		}
		logger, err = logging.Initialize(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Boot("config loaded from %s (%d platforms, mode %s)", configPath, len(cfg.Platforms), cfg.Mode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatrelay.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall deadline for one command")

	rootCmd.AddCommand(askCmd, probeCmd, tabsCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the long-lived pieces every subcommand needs.
type app struct {
	conns    *connection.Manager
	ctrl     *session.Controller
	registry *prometheus.Registry
}

func newApp(c *config.Config) (*app, error) {
	connector := driver.NewRodConnector(driver.RodOptions{
		DebuggerURL: c.Browser.DebuggerURL,
		Launch:      c.Browser.Launch,
		Headless:    c.Browser.Headless,
		Heartbeat:   c.GetHeartbeatInterval(),
		Logger:      logging.Get(logging.CategoryBrowser),
	})
	conns, err := connection.NewManager(connection.Options{
		Connector:      connector,
		Platforms:      c.Platforms,
		ConnectTimeout: c.GetConnectTimeout(),
		ProbeTimeout:   c.GetProbeTimeout(),
		Logger:         logging.Get(logging.CategoryConnection),
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	ctrl, err := session.NewController(session.Options{
		Config:  c,
		Tabs:    conns,
		Metrics: session.NewMetrics(reg),
		Logger:  logging.Get(logging.CategorySession),
	})
	if err != nil {
		_ = conns.Close()
		return nil, err
	}
	return &app{conns: conns, ctrl: ctrl, registry: reg}, nil
}

func (a *app) Close() {
	if err := a.conns.Close(); err != nil {
		logging.BootWarn("failed to close browser connection: %v", err)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or after d when d > 0.
func signalContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}
