package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"cinebook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig         `yaml:"app"`
	Database     DatabaseConfig    `yaml:"database"`
	Redis        RedisConfig       `yaml:"redis"`
	Backup       BackupConfig      `yaml:"backup"`
	Monitoring   MonitoringConfig  `yaml:"monitoring"`
	Logging      LoggingConfig     `yaml:"logging"`
	API          APIConfig         `yaml:"api"`
	Reservation  ReservationConfig `yaml:"reservation"`
	Pricing      PricingConfig     `yaml:"pricing"`
	Reaper       ReaperConfig      `yaml:"reaper"`
	Compensation RetryConfig       `yaml:"compensation"`
	StorageRetry RetryConfig       `yaml:"storage_retry"`
	Exports      ExportsConfig     `yaml:"exports"`
	Catalog      CatalogConfig     `yaml:"catalog"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	MaxOpenConn int           `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ReservationConfig struct {
	DefaultHoldTTL       time.Duration `yaml:"default_hold_ttl"`
	MaxHoldTTL           time.Duration `yaml:"max_hold_ttl"`
	MaxSeatsPerHold      int           `yaml:"max_seats_per_hold"`
	AvailabilityCacheTTL time.Duration `yaml:"availability_cache_ttl"`
}

// PricingConfig maps seat tiers to multipliers applied to a showtime base price.
type PricingConfig struct {
	TierMultipliers map[string]float64 `yaml:"tier_multipliers"`
}

type ReaperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// RetryConfig mirrors worker.RetryPolicy. MaxRetries of zero means retry forever; the
// compensation section only accepts zero.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// ExportsConfig controls the XLSX booking report endpoint.
type ExportsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SheetName string `yaml:"sheet_name"`
}

type CatalogConfig struct {
	SeedPath string `yaml:"seed_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables may come from the process environment.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Reservation.DefaultHoldTTL <= 0 {
		return errors.New("reservation.default_hold_ttl must be positive")
	}
	if c.Reservation.MaxHoldTTL < c.Reservation.DefaultHoldTTL {
		return fmt.Errorf("reservation.max_hold_ttl %s is shorter than default_hold_ttl %s",
			c.Reservation.MaxHoldTTL, c.Reservation.DefaultHoldTTL)
	}
	if c.Reservation.MaxSeatsPerHold <= 0 {
		return errors.New("reservation.max_seats_per_hold must be positive")
	}

	for tier, mult := range c.Pricing.TierMultipliers {
		if !models.SeatTier(tier).Valid() {
			return fmt.Errorf("pricing: unknown tier %q", tier)
		}
		if mult <= 0 {
			return fmt.Errorf("pricing: multiplier for %q must be positive", tier)
		}
	}

	if c.Reaper.Enabled && c.Reaper.LockTTL < c.Reaper.Interval {
		return errors.New("reaper.lock_ttl must be at least reaper.interval")
	}

	// Failed releases and cancels must eventually apply; a budget would drop them.
	if c.Compensation.MaxRetries != 0 {
		return errors.New("compensation.max_retries must be 0: compensation retries until applied")
	}

	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		return errors.New("backup.storage_path is required when backup is enabled")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "cinebook"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "cinebook:"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Reservation.DefaultHoldTTL == 0 {
		c.Reservation.DefaultHoldTTL = models.DefaultHoldTTL
	}
	if c.Reservation.MaxHoldTTL == 0 {
		c.Reservation.MaxHoldTTL = models.MaxHoldTTL
	}
	if c.Reservation.MaxSeatsPerHold == 0 {
		c.Reservation.MaxSeatsPerHold = models.DefaultMaxSeatsPerHold
	}
	if c.Reservation.AvailabilityCacheTTL == 0 {
		c.Reservation.AvailabilityCacheTTL = models.DefaultAvailabilityCacheTTL
	}

	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = models.DefaultReaperInterval
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = models.DefaultReaperBatchSize
	}
	if c.Reaper.LockTTL == 0 {
		c.Reaper.LockTTL = 2 * c.Reaper.Interval
	}

	if c.Compensation.InitialDelay == 0 {
		c.Compensation.InitialDelay = time.Second
	}
	if c.Compensation.MaxDelay == 0 {
		c.Compensation.MaxDelay = time.Minute
	}
	if c.Exports.SheetName == "" {
		c.Exports.SheetName = "Bookings"
	}
	if c.StorageRetry.MaxRetries == 0 {
		c.StorageRetry.MaxRetries = 3
	}
	if c.StorageRetry.InitialDelay == 0 {
		c.StorageRetry.InitialDelay = 50 * time.Millisecond
	}
	if c.StorageRetry.MaxDelay == 0 {
		c.StorageRetry.MaxDelay = time.Second
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Catalog.SeedPath == "" {
		c.Catalog.SeedPath = "configs/catalog.yaml"
	}
}
