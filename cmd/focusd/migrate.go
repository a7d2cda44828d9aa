package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/migrate"
	redisstore "github.com/Ngocphuc1910/make10000hours-sub017/internal/storage/redis"
)

var (
	migrateSubject string
	migrateFrom    string
	migrateTo      string
	migrateDryRun  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Re-key stored sessions between date-key schemes",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSubject, "subject", "", "migrate a single subject (default: all)")
	migrateCmd.Flags().StringVar(&migrateFrom, "from", string(datekey.SchemeUTC), "source scheme")
	migrateCmd.Flags().StringVar(&migrateTo, "to", string(datekey.SchemeLocal), "target scheme")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "preview without persisting")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	from, err := datekey.ParseScheme(migrateFrom)
	if err != nil {
		return err
	}
	to, err := datekey.ParseScheme(migrateTo)
	if err != nil {
		return err
	}

	store, err := redisstore.Open(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	resolver, err := datekey.NewResolver(datekey.Config{
		Timezone:       cfg.DateKey.Timezone,
		Scheme:         cfg.DateKey.Scheme,
		RolloutPercent: cfg.DateKey.RolloutPercent,
		AllowList:      cfg.DateKey.AllowList,
	}, cfg.Device.UserID, logger)
	if err != nil {
		return err
	}

	runner := migrate.NewRunner(store.Sessions(), store.Migrations(), resolver, clock.RealClock{}, logger)

	report, err := runner.Run(context.Background(), migrateSubject, from, to, migrateDryRun)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
