package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/httpapi"
	"github.com/nostrmls/gateway/internal/mlsgw"
)

var (
	flagDataDir  string
	flagLogLevel string
	flagLogJSON  bool
	flagHTTPBind string
)

var rootCmd = &cobra.Command{
	Use:   "mlsgatewayd",
	Short: "MLS-over-Nostr gateway extension",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: event pipeline, backfill, periodic GC, and optional HTTP surface",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory for the bolt database (default: ./data)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: trace|debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of console output")
	serveCmd.Flags().StringVar(&flagHTTPBind, "http-addr", "", "HTTP bind address when the API is enabled (default: 127.0.0.1:8910)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	gwlog.Init(gwlog.Config{Level: flagLogLevel, JSONOutput: flagLogJSON})
	log := gwlog.WithComponent("main")

	cfg := mlsgw.DefaultConfig()
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagHTTPBind != "" {
		cfg.HTTPBindAddress = flagHTTPBind
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	gw, err := mlsgw.NewGateway(cfg)
	if err != nil {
		return fmt.Errorf("constructing gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer gw.Close()

	httpServer := httpapi.NewServer(cfg, gw.Archive(), gw.MetricsHandler())
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	log.Info().Msg("mlsgatewayd running")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	return nil
}
