package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ordersync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Vendor     VendorConfig     `yaml:"vendor"`
	Sync       SyncConfig       `yaml:"sync"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Warming    WarmingConfig    `yaml:"warming"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// VendorConfig describes the back-office API and the app credentials used
// to obtain session tokens.
type VendorConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TokenURL       string  `yaml:"token_url"`
	ClientID       string  `yaml:"client_id"`
	ClientSecret   string  `yaml:"client_secret"`
	AccountID      string  `yaml:"account_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PageSize       int     `yaml:"page_size"`
	LocalRPS       float64 `yaml:"local_rps"`
	LocalBurst     int     `yaml:"local_burst"`
}

type SyncConfig struct {
	BatchSize       int             `yaml:"batch_size"`
	Workers         int             `yaml:"workers"`
	MaxRetries      int             `yaml:"max_retries"`
	BackoffSchedule []time.Duration `yaml:"backoff_schedule"`
	LookbackDays    int             `yaml:"lookback_days"`
	MaxItems        int             `yaml:"max_items"`
	Interval        time.Duration   `yaml:"interval"`
	TokenBuffer     time.Duration   `yaml:"token_buffer"`
	TrackedFields   []string        `yaml:"tracked_fields"`
	Enabled         bool            `yaml:"enabled"`
}

type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

type RecoveryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
}

type WarmingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	Workers  int           `yaml:"workers"`
	Windows  []string      `yaml:"windows"`
	Channels []string      `yaml:"channels"`
	Statuses []string      `yaml:"statuses"`
	TTL      time.Duration `yaml:"ttl"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
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

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TelegramConfig enables operator notifications for exhausted failed syncs.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
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
	if c.Vendor.BaseURL == "" {
		return errors.New("vendor base_url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync batch_size must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return errors.New("rate_limit max_requests must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("rate_limit window must be at least 1s")
	}
	for _, d := range c.Sync.BackoffSchedule {
		if d < 0 {
			return fmt.Errorf("negative backoff delay %s", d)
		}
	}
	return ValidateTrackedFields(c.Sync.TrackedFields)
}

// KnownTrackedFields lists the order fields the dirty check can compare.
var KnownTrackedFields = []string{
	"order_number", "channel", "total_charge", "is_open", "is_processed",
	"is_cancelled", "processed_at", "received_at", "items",
}

func ValidateTrackedFields(fields []string) error {
	known := make(map[string]bool, len(KnownTrackedFields))
	for _, f := range KnownTrackedFields {
		known[f] = true
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !known[f] {
			return fmt.Errorf("unknown tracked field: %s", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate tracked field: %s", f)
		}
		seen[f] = true
	}
	return nil
}

// DefaultTrackedFields is the significant-field set used when the config
// leaves sync.tracked_fields empty.
func DefaultTrackedFields() []string {
	return []string{"order_number", "channel", "total_charge", "is_open", "is_processed", "is_cancelled", "processed_at", "items"}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ordersync"
	}
	if c.Vendor.TimeoutSeconds == 0 {
		c.Vendor.TimeoutSeconds = 30
	}
	if c.Vendor.PageSize == 0 {
		c.Vendor.PageSize = models.DefaultPageSize
	}
	if c.Vendor.AccountID == "" {
		c.Vendor.AccountID = "default"
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if len(c.Sync.BackoffSchedule) == 0 {
		c.Sync.BackoffSchedule = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}
	}
	if c.Sync.MaxRetries > 0 && c.Sync.MaxRetries < len(c.Sync.BackoffSchedule) {
		c.Sync.BackoffSchedule = c.Sync.BackoffSchedule[:c.Sync.MaxRetries]
	}
	if c.Sync.LookbackDays == 0 {
		c.Sync.LookbackDays = models.DefaultLookbackDays
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval * time.Second
	}
	if c.Sync.TokenBuffer == 0 {
		c.Sync.TokenBuffer = models.DefaultTokenBufferSeconds * time.Second
	}
	if len(c.Sync.TrackedFields) == 0 {
		c.Sync.TrackedFields = DefaultTrackedFields()
	}

	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = models.DefaultMaxRequestsPerWindow
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = models.DefaultRateLimitWindow * time.Second
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "vendor:ratelimit"
	}

	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = models.DefaultRecoveryMaxAttempts
	}
	if c.Recovery.InitialDelay == 0 {
		c.Recovery.InitialDelay = time.Minute
	}
	if c.Recovery.MaxDelay == 0 {
		c.Recovery.MaxDelay = time.Hour
	}
	if c.Recovery.BackoffFactor == 0 {
		c.Recovery.BackoffFactor = 2
	}
	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = 5 * time.Minute
	}
	if c.Recovery.BatchSize == 0 {
		c.Recovery.BatchSize = 100
	}
	if c.Recovery.DeadLetterKey == "" {
		c.Recovery.DeadLetterKey = "ordersync:deadletter"
	}

	if c.Warming.Debounce == 0 {
		c.Warming.Debounce = models.DefaultWarmingDebounce * time.Second
	}
	if c.Warming.Workers == 0 {
		c.Warming.Workers = 4
	}
	if len(c.Warming.Windows) == 0 {
		c.Warming.Windows = []string{"today", "7d", "30d"}
	}
	if len(c.Warming.Statuses) == 0 {
		c.Warming.Statuses = []string{"all", "open", "processed"}
	}
	if len(c.Warming.Channels) == 0 {
		c.Warming.Channels = []string{"all"}
	}
	if c.Warming.TTL == 0 {
		c.Warming.TTL = 24 * time.Hour
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
}
