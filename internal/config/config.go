// Package config provides configuration management for the chain engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"chainstream/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Failover FailoverConfig `mapstructure:"failover"`
	Store    StoreConfig    `mapstructure:"store"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Accounts []AccountEntry `mapstructure:"-"` // loaded from credentials file
}

// ChainConfig holds option chain configuration.
type ChainConfig struct {
	Underlyings []UnderlyingConfig `mapstructure:"underlyings"`
	BatchSize   int                `mapstructure:"batch_size"`   // symbols per subscribe call
	ExpiryCount int                `mapstructure:"expiry_count"` // expiries tracked per underlying
}

// UnderlyingConfig describes one tracked index underlying.
type UnderlyingConfig struct {
	Name        string  `mapstructure:"name"`
	Exchange    string  `mapstructure:"exchange"`
	Segment     string  `mapstructure:"segment"`
	QuoteSymbol string  `mapstructure:"quote_symbol"`
	BaseSymbol  string  `mapstructure:"base_symbol"`
	Step        float64 `mapstructure:"step"`
}

// FailoverConfig holds connection and failover configuration.
type FailoverConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	HistorySize       int           `mapstructure:"history_size"`
}

// StoreConfig holds option chain store configuration.
type StoreConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxUnderlyings int           `mapstructure:"max_underlyings"`
}

// ScheduleConfig holds market-hours schedule configuration.
type ScheduleConfig struct {
	DBPath      string        `mapstructure:"db_path"` // read-only schedule database
	Timezone    string        `mapstructure:"timezone"`
	WakePeriod  time.Duration `mapstructure:"wake_period"`
	ConnectLead time.Duration `mapstructure:"connect_lead"` // connect ahead of session open
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// AccountEntry holds one broker account with its credentials.
type AccountEntry struct {
	ID          string  `mapstructure:"id"`
	Broker      string  `mapstructure:"broker"`
	APIKey      string  `mapstructure:"api_key"`
	APISecret   string  `mapstructure:"api_secret"`
	UserID      string  `mapstructure:"user_id"`
	Password    string  `mapstructure:"password"`    // for auto-login
	TOTPSecret  string  `mapstructure:"totp_secret"` // for auto-login with 2FA
	IsPrimary   bool    `mapstructure:"is_primary"`
	IsActive    bool    `mapstructure:"is_active"`
	HealthScore float64 `mapstructure:"health_score"`
}

// Account converts the entry to its domain model.
func (a AccountEntry) Account() models.Account {
	return models.Account{
		ID:          a.ID,
		Broker:      a.Broker,
		IsPrimary:   a.IsPrimary,
		IsActive:    a.IsActive,
		HealthScore: a.HealthScore,
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/chainstream"
	}
	return filepath.Join(home, ".config", "chainstream")
}

// Default returns the built-in configuration: NIFTY and BANKNIFTY with
// standard NSE strike steps.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			Underlyings: []UnderlyingConfig{
				{Name: "NIFTY", Exchange: "NSE", Segment: "NFO", QuoteSymbol: "NSE:NIFTY 50", BaseSymbol: "NIFTY", Step: 50},
				{Name: "BANKNIFTY", Exchange: "NSE", Segment: "NFO", QuoteSymbol: "NSE:NIFTY BANK", BaseSymbol: "BANKNIFTY", Step: 100},
			},
			BatchSize:   50,
			ExpiryCount: 1,
		},
		Failover: FailoverConfig{
			HeartbeatInterval: 30 * time.Second,
			ConnectTimeout:    30 * time.Second,
			BackoffBase:       time.Second,
			BackoffMax:        30 * time.Second,
			MaxRetries:        5,
			RateLimitCooldown: 5 * time.Minute,
			HistorySize:       64,
		},
		Store: StoreConfig{
			TTL:            30 * time.Second,
			MaxUnderlyings: 8,
		},
		Schedule: ScheduleConfig{
			Timezone:    "Asia/Kolkata",
			WakePeriod:  30 * time.Second,
			ConnectLead: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    true,
		},
	}
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used. Missing files fall back to
// defaults; a missing credentials file leaves Accounts empty.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	accounts, err := loadCredentials(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}
	cfg.Accounts = accounts

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string) ([]AccountEntry, error) {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}

	var wrapper struct {
		Accounts []AccountEntry `mapstructure:"accounts"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, err
	}
	return wrapper.Accounts, nil
}

func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("CHAINSTREAM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dbPath := os.Getenv("CHAINSTREAM_SCHEDULE_DB"); dbPath != "" {
		cfg.Schedule.DBPath = dbPath
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Chain.Underlyings) == 0 {
		return fmt.Errorf("chain.underlyings must not be empty")
	}
	for _, u := range c.Chain.Underlyings {
		if u.Name == "" || u.BaseSymbol == "" {
			return fmt.Errorf("underlying name and base_symbol are required")
		}
		if u.Step <= 0 {
			return fmt.Errorf("underlying %s: step must be positive", u.Name)
		}
	}
	if c.Chain.BatchSize <= 0 {
		return fmt.Errorf("chain.batch_size must be positive")
	}
	if c.Chain.ExpiryCount <= 0 {
		c.Chain.ExpiryCount = 1
	}
	if c.Failover.MaxRetries <= 0 {
		return fmt.Errorf("failover.max_retries must be positive")
	}
	if c.Failover.BackoffBase <= 0 || c.Failover.BackoffMax < c.Failover.BackoffBase {
		return fmt.Errorf("failover backoff window is invalid")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	if c.Store.MaxUnderlyings < len(c.Chain.Underlyings) {
		return fmt.Errorf("store.max_underlyings must cover configured underlyings")
	}
	return nil
}

// Underlyings converts the configured underlyings to domain models.
func (c *Config) Underlyings() []models.Underlying {
	out := make([]models.Underlying, 0, len(c.Chain.Underlyings))
	for _, u := range c.Chain.Underlyings {
		quote := u.QuoteSymbol
		if quote == "" {
			quote = u.Name
		}
		out = append(out, models.Underlying{
			Name:        u.Name,
			Exchange:    models.Exchange(u.Exchange),
			Segment:     models.Exchange(u.Segment),
			QuoteSymbol: quote,
			BaseSymbol:  u.BaseSymbol,
			Step:        u.Step,
		})
	}
	return out
}
