package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/api"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/focus"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/lease"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/metrics"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/migrate"
	redisstore "github.com/Ngocphuc1910/make10000hours-sub017/internal/storage/redis"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info().
		Str("device_id", cfg.Device.ID).
		Str("user_id", cfg.Device.UserID).
		Msg("Starting focusd")

	store, err := redisstore.Open(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	clk := clock.RealClock{}
	bus := events.NewBus(logger)

	resolver, err := datekey.NewResolver(datekey.Config{
		Timezone:       cfg.DateKey.Timezone,
		Scheme:         cfg.DateKey.Scheme,
		RolloutPercent: cfg.DateKey.RolloutPercent,
		AllowList:      cfg.DateKey.AllowList,
	}, cfg.Device.UserID, logger)
	if err != nil {
		return fmt.Errorf("failed to create date-key resolver: %w", err)
	}

	arb := lease.NewArbitrator(store.Leases(), store.Sessions(), bus, lease.Config{
		DeviceID:      cfg.Device.ID,
		TTL:           parseDuration(cfg.Lease.TTL, 60*time.Second, logger),
		RenewInterval: parseDuration(cfg.Lease.RenewInterval, 20*time.Second, logger),
	}, logger)

	trk := tracker.NewTracker(store.Sessions(), arb, resolver, bus, clk, tracker.Config{
		TickInterval:  parseDuration(cfg.Tracking.TickInterval, 5*time.Second, logger),
		MaxTickGap:    parseDuration(cfg.Tracking.MaxTickGap, 10*time.Minute, logger),
		FlushInterval: parseDuration(cfg.Tracking.FlushInterval, 30*time.Second, logger),
		FlushRetries:  cfg.Tracking.FlushRetries,
		StaleAfter:    parseDuration(cfg.Tracking.StaleAfter, 4*time.Hour, logger),
		SweepInterval: parseDuration(cfg.Tracking.SweepInterval, 10*time.Minute, logger),
	}, logger)
	trk.Run()

	fc := focus.NewCoordinator(trk, clk, parseDuration(cfg.FocusMode.OverrideExpiry, 0, logger), logger)
	migrator := migrate.NewRunner(store.Sessions(), store.Migrations(), resolver, clk, logger)

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, trk, fc, arb, resolver, migrator, clk, logger)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop metrics server")
	}
	if err := trk.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Final flush failed")
	}

	return nil
}
