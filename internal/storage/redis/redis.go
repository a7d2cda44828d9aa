package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/config"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

const keyPrefix = "focus:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	sessionStore   *sessionStore
	leaseStore     *leaseStore
	migrationStore *migrationStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	retentionSeconds := int64(retention) * 24 * 3600

	store := &Store{
		client:         client,
		sessionStore:   &sessionStore{client: client, retentionSeconds: retentionSeconds},
		leaseStore:     &leaseStore{client: client},
		migrationStore: &migrationStore{client: client},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Leases returns the LeaseStore implementation
func (s *Store) Leases() storage.LeaseStore {
	return s.leaseStore
}

// Migrations returns the MigrationStore implementation
func (s *Store) Migrations() storage.MigrationStore {
	return s.migrationStore
}
