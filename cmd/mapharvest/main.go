package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mapharvest/internal/api"
	"mapharvest/internal/campaigns"
	"mapharvest/internal/config"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
	"mapharvest/internal/gateway"
	"mapharvest/internal/geonames"
	"mapharvest/internal/license"
	"mapharvest/internal/logging"
	"mapharvest/internal/metrics"
	"mapharvest/internal/orchestrator"
	"mapharvest/internal/store"
)

const (
	exitOK     = 0
	exitConfig = 2
	exitSigint = 130

	shutdownTimeout = 20 * time.Second
	botLaunchPace   = 500 * time.Millisecond
)

var rootCmd = &cobra.Command{
	Use:   "mapharvest",
	Short: "mapharvest - Google Maps place extraction engine",
	Long: `mapharvest runs place extraction campaigns: it resolves a geographic
scope into per-city tasks, drives a pool of headless browsers over the
Maps search results, and persists every unique place found.

The server exposes an HTTP API for campaign management and a WebSocket
stream for live extraction progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the extraction server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if err := (license.AlwaysValid{}).Validate(ctx); err != nil {
		return fmt.Errorf("license validation: %w", err)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	bus := events.NewBus(logger)
	met := metrics.New()
	geo := geonames.New(cfg.GeonamesBaseURL, logger)

	drvCfg := driver.DefaultConfig()
	drvCfg.Headless = cfg.DriverHeadless
	drv := driver.NewRod(drvCfg, logger)

	runCfg := orchestrator.DefaultConfig()
	runCfg.SnapshotInterval = cfg.SnapshotInterval

	svc := campaigns.New(st, geo, drv, bus, logger, met, runCfg, botLaunchPace, cfg.MaxBotsDefault)
	gw := gateway.New(svc, bus, logger)
	server := api.New(svc, geo, gw, met, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr()))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var sig os.Signal
	select {
	case sig = <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	if sig == syscall.SIGINT {
		_ = logger.Sync()
		os.Exit(exitSigint)
	}
	return nil
}
