package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	DateKey   DateKeyConfig   `mapstructure:"date_key"`
	FocusMode FocusModeConfig `mapstructure:"focus_mode"`
}

// DeviceConfig identifies this client instance
type DeviceConfig struct {
	ID     string `mapstructure:"id"`
	UserID string `mapstructure:"user_id"`
}

// ServerConfig defines API and metrics listeners
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// RedisConfig defines storage backend settings
type RedisConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PoolSize      int    `mapstructure:"pool_size"`
	MinIdleConns  int    `mapstructure:"min_idle_conns"`
	DialTimeout   string `mapstructure:"dial_timeout"`
	ReadTimeout   string `mapstructure:"read_timeout"`
	WriteTimeout  string `mapstructure:"write_timeout"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines session tracker tuning
type TrackingConfig struct {
	TickInterval  string `mapstructure:"tick_interval"`
	MaxTickGap    string `mapstructure:"max_tick_gap"`
	FlushInterval string `mapstructure:"flush_interval"`
	FlushRetries  int    `mapstructure:"flush_retries"`
	StaleAfter    string `mapstructure:"stale_after"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// LeaseConfig defines device lease tuning
type LeaseConfig struct {
	TTL           string `mapstructure:"ttl"`
	RenewInterval string `mapstructure:"renew_interval"`
}

// DateKeyConfig defines the day-bucket derivation settings
type DateKeyConfig struct {
	Timezone       string   `mapstructure:"timezone"`
	Scheme         string   `mapstructure:"scheme"`
	RolloutPercent int      `mapstructure:"rollout_percent"`
	AllowList      []string `mapstructure:"allow_list"`
}

// FocusModeConfig defines focus mode behavior
type FocusModeConfig struct {
	OverrideExpiry string `mapstructure:"override_expiry"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FOCUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Redis defaults
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.retention_days", 90)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.tick_interval", "5s")
	v.SetDefault("tracking.max_tick_gap", "10m")
	v.SetDefault("tracking.flush_interval", "30s")
	v.SetDefault("tracking.flush_retries", 5)
	v.SetDefault("tracking.stale_after", "4h")
	v.SetDefault("tracking.sweep_interval", "10m")

	// Lease defaults
	v.SetDefault("lease.ttl", "60s")
	v.SetDefault("lease.renew_interval", "20s")

	// Date key defaults
	v.SetDefault("date_key.timezone", "UTC")
	v.SetDefault("date_key.scheme", "")
	v.SetDefault("date_key.rollout_percent", 0)
	v.SetDefault("date_key.allow_list", []string{})

	// Focus mode defaults
	v.SetDefault("focus_mode.override_expiry", "0")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Device.ID == "" {
		return fmt.Errorf("device id is required")
	}

	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if cfg.DateKey.RolloutPercent < 0 || cfg.DateKey.RolloutPercent > 100 {
		return fmt.Errorf("invalid rollout percent: %d", cfg.DateKey.RolloutPercent)
	}

	return nil
}
