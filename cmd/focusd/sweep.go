package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/events"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/lease"
	redisstore "github.com/Ngocphuc1910/make10000hours-sub017/internal/storage/redis"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/tracker"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force-close stale active sessions",
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

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
		return err
	}

	arb := lease.NewArbitrator(store.Leases(), store.Sessions(), bus, lease.Config{
		DeviceID: cfg.Device.ID,
	}, logger)

	trk := tracker.NewTracker(store.Sessions(), arb, resolver, bus, clk, tracker.Config{
		StaleAfter:   parseDuration(cfg.Tracking.StaleAfter, 4*time.Hour, logger),
		FlushRetries: cfg.Tracking.FlushRetries,
	}, logger)

	closed, err := trk.Sweep(context.Background(), clk.Now())
	if err != nil {
		return err
	}

	fmt.Printf("closed %d stale session(s)\n", closed)
	return nil
}
