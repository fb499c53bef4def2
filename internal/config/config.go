package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // Embedded zone database for containers without one.

	"gopkg.in/yaml.v3"

	"wata/internal/tradeerr"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading bot.
type Config struct {
	Storage Storage     `yaml:"storage"`
	Server  Server      `yaml:"server"`
	Logging Logging     `yaml:"logging"`
	Broker  Broker      `yaml:"broker"`
	Kafka   Kafka       `yaml:"kafka"`
	Trade   TradeConfig `yaml:"trade"`
	Rules   RulesConfig `yaml:"rules"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCPort    int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // stdout, file or both
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Broker holds the broker OpenAPI endpoint and credentials source.
type Broker struct {
	BaseURL         string `yaml:"base_url"`
	TokenFile       string `yaml:"token_file"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	AccountKey      string `yaml:"account_key"`
	ClientKey       string `yaml:"client_key"`
}

// Kafka configures the signal consumer and notification producer.
type Kafka struct {
	Brokers           []string `yaml:"brokers"`
	SignalTopic       string   `yaml:"signal_topic"`
	GroupID           string   `yaml:"group_id"`
	NotificationTopic string   `yaml:"notification_topic"`
}

// TradeConfig defines instrument selection, sizing and exit parameters.
type TradeConfig struct {
	ExchangeID               string      `yaml:"exchange_id"`
	Timezone                 string      `yaml:"timezone"`
	APILimits                APILimits   `yaml:"api_limits"`
	PriceRange               PriceRange  `yaml:"price_range"`
	Retry                    RetryConfig `yaml:"retry"`
	PriceRefreshRateMS       int         `yaml:"price_refresh_rate_ms"`
	BuyingPower              BuyingPower `yaml:"buying_power"`
	Thresholds               Thresholds  `yaml:"thresholds"`
	CloseConfirmDelaySeconds float64     `yaml:"close_confirm_delay_seconds"`
}

// APILimits bounds page sizes of broker list queries.
type APILimits struct {
	TopInstruments     int `yaml:"top_instruments"`
	TopPositions       int `yaml:"top_positions"`
	TopClosedPositions int `yaml:"top_closed_positions"`
}

// PriceRange is the inclusive bid price window for instrument selection.
type PriceRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// RetryConfig is the retry budget shared by quote and position polling.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	RetrySleepSeconds float64 `yaml:"retry_sleep_seconds"`
}

// BuyingPower controls order sizing.
type BuyingPower struct {
	MaxFundsPercent   float64 `yaml:"max_funds_percent"`
	SafetyMarginUnits int64   `yaml:"safety_margin_units"`
}

// Thresholds drive automatic position closure.
type Thresholds struct {
	StoplossPercent          float64 `yaml:"stoploss_percent"`
	MaxProfitPercent         float64 `yaml:"max_profit_percent"`
	DailyProfitTargetPercent float64 `yaml:"daily_profit_target_percent"`
}

// RulesConfig drives signal admissibility checks.
type RulesConfig struct {
	MaxSignalAgeMinutes      float64          `yaml:"max_signal_age_minutes"`
	CheckSignalMaxAgeSeconds float64          `yaml:"check_signal_max_age_seconds"`
	ClosedDates              []string         `yaml:"closed_dates"`
	TradingStartHour         int              `yaml:"trading_start_hour"`
	TradingEndHour           int              `yaml:"trading_end_hour"`
	RiskyTradingStartHour    int              `yaml:"risky_trading_start_hour"`
	RiskyTradingStartMinute  int              `yaml:"risky_trading_start_minute"`
	DailyProfitCapPercent    float64          `yaml:"daily_profit_cap_percent"`
	DailyLossCapPercent      float64          `yaml:"daily_loss_cap_percent"`
	IndiceIDs                map[string]int64 `yaml:"indice_ids"`
}

// Location resolves the configured trading timezone.
func (t TradeConfig) Location() (*time.Location, error) {
	return time.LoadLocation(t.Timezone)
}

// RetrySleep returns the configured retry sleep as a duration.
func (r RetryConfig) RetrySleep() time.Duration {
	return time.Duration(r.RetrySleepSeconds * float64(time.Second))
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, fills defaults,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tradeerr.Configuration{Key: "file", Reason: err.Error()}
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &tradeerr.Configuration{Key: "file", Reason: err.Error()}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/wata.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Broker.TimeoutSeconds == 0 {
		cfg.Broker.TimeoutSeconds = 30
	}
	if cfg.Broker.RateLimitPerMin == 0 {
		cfg.Broker.RateLimitPerMin = 120
	}
	if cfg.Trade.Timezone == "" {
		cfg.Trade.Timezone = "Europe/Paris"
	}
	if cfg.Trade.APILimits.TopInstruments == 0 {
		cfg.Trade.APILimits.TopInstruments = 200
	}
	if cfg.Trade.APILimits.TopPositions == 0 {
		cfg.Trade.APILimits.TopPositions = 200
	}
	if cfg.Trade.APILimits.TopClosedPositions == 0 {
		cfg.Trade.APILimits.TopClosedPositions = 500
	}
	if cfg.Trade.PriceRefreshRateMS == 0 {
		cfg.Trade.PriceRefreshRateMS = 10000
	}
	if cfg.Trade.BuyingPower.MaxFundsPercent == 0 {
		cfg.Trade.BuyingPower.MaxFundsPercent = 100
	}
	if cfg.Rules.CheckSignalMaxAgeSeconds == 0 {
		cfg.Rules.CheckSignalMaxAgeSeconds = 30
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WATA_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("WATA_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("WATA_BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}

	if v := os.Getenv("WATA_BROKER_TOKEN_FILE"); v != "" {
		cfg.Broker.TokenFile = v
	}

	if v := os.Getenv("WATA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the keys the trading services cannot run without.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return &tradeerr.Configuration{Key: "broker.base_url", Reason: "required"}
	}
	if c.Trade.ExchangeID == "" {
		return &tradeerr.Configuration{Key: "trade.exchange_id", Reason: "required"}
	}
	if _, err := c.Trade.Location(); err != nil {
		return &tradeerr.Configuration{Key: "trade.timezone", Reason: err.Error()}
	}
	if c.Trade.Retry.MaxRetries <= 0 {
		return &tradeerr.Configuration{Key: "trade.retry.max_retries", Reason: "must be positive"}
	}
	if c.Trade.Retry.RetrySleepSeconds < 0 {
		return &tradeerr.Configuration{Key: "trade.retry.retry_sleep_seconds", Reason: "must not be negative"}
	}
	if c.Trade.PriceRange.Min > c.Trade.PriceRange.Max {
		return &tradeerr.Configuration{
			Key:    "trade.price_range",
			Reason: fmt.Sprintf("min %.2f greater than max %.2f", c.Trade.PriceRange.Min, c.Trade.PriceRange.Max),
		}
	}
	if p := c.Trade.BuyingPower.MaxFundsPercent; p <= 0 || p > 100 {
		return &tradeerr.Configuration{Key: "trade.buying_power.max_funds_percent", Reason: "must be in (0, 100]"}
	}
	if c.Trade.Thresholds.StoplossPercent >= 0 {
		return &tradeerr.Configuration{Key: "trade.thresholds.stoploss_percent", Reason: "must be negative"}
	}
	if c.Trade.Thresholds.MaxProfitPercent <= 0 {
		return &tradeerr.Configuration{Key: "trade.thresholds.max_profit_percent", Reason: "must be positive"}
	}
	if c.Trade.Thresholds.DailyProfitTargetPercent < 0 {
		return &tradeerr.Configuration{Key: "trade.thresholds.daily_profit_target_percent", Reason: "must not be negative"}
	}
	if c.Rules.TradingStartHour < 0 || c.Rules.TradingEndHour > 24 || c.Rules.TradingStartHour >= c.Rules.TradingEndHour {
		return &tradeerr.Configuration{Key: "rules.trading_start_hour", Reason: "invalid trading hours"}
	}
	for _, d := range c.Rules.ClosedDates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return &tradeerr.Configuration{Key: "rules.closed_dates", Reason: fmt.Sprintf("bad date %q", d)}
		}
	}
	if c.Rules.DailyProfitCapPercent <= 0 {
		return &tradeerr.Configuration{Key: "rules.daily_profit_cap_percent", Reason: "must be positive"}
	}
	if c.Rules.DailyLossCapPercent >= 0 {
		return &tradeerr.Configuration{Key: "rules.daily_loss_cap_percent", Reason: "must be negative"}
	}
	if len(c.Rules.IndiceIDs) == 0 {
		return &tradeerr.Configuration{Key: "rules.indice_ids", Reason: "required"}
	}
	switch c.Logging.Output {
	case "stdout", "file", "both":
	default:
		return &tradeerr.Configuration{Key: "logging.output", Reason: fmt.Sprintf("unknown output %q", c.Logging.Output)}
	}
	if c.Logging.Output != "stdout" && c.Logging.FilePath == "" {
		return &tradeerr.Configuration{Key: "logging.file_path", Reason: "required for file output"}
	}
	return nil
}
