package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/config"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port"; Port 0 makes Open use it as-is.
	cfg := config.RedisConfig{
		Host:          mr.Addr(),
		Port:          0,
		DB:            0,
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   "5s",
		ReadTimeout:   "3s",
		WriteTimeout:  "3s",
		RetentionDays: 90,
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}
