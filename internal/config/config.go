// Package config provides configuration management for the theta engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is left empty.
const (
	defaultTimezone        = "America/New_York"
	defaultTradingStart    = "09:30"
	defaultTradingEnd      = "16:00"
	defaultProcessor       = ProcessorLast
	defaultTickSize        = 0.01
	defaultDelayWarning    = 2 * time.Second
	defaultCancelTimeout   = 10 * time.Second
	defaultReadTimeout     = 45 * time.Second
	defaultMaxRetries      = 3
	defaultInitialBackoff  = time.Second
	defaultMaxBackoff      = 30 * time.Second
	defaultStoragePath     = "reversals.json"
	defaultDashboardListen = "127.0.0.1:8080"
	defaultSimInterval     = time.Second
	defaultSimVolatility   = 0.002
)

// Tick processors selectable by monitor.processor.
const (
	ProcessorLast   = "last"
	ProcessorBidAsk = "bid_ask"
)

// Broker providers selectable by broker.provider.
const (
	ProviderPaper     = "paper"
	ProviderWebsocket = "websocket"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Orders      OrdersConfig      `yaml:"orders"`
	Retry       RetryConfig       `yaml:"retry"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
	Paper       PaperConfig       `yaml:"paper"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig selects where ticks come from and how execution is guarded.
type BrokerConfig struct {
	Provider       string               `yaml:"provider"` // paper | websocket
	WebsocketURL   string               `yaml:"websocket_url"`
	APIKey         string               `yaml:"api_key"`
	ReadTimeout    string               `yaml:"read_timeout"`
	CommissionRate float64              `yaml:"commission_per_share"`
	MinCommission  float64              `yaml:"min_commission"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker around order submission.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// ScheduleConfig defines the trading session.
type ScheduleConfig struct {
	Timezone     string   `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart string   `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string   `yaml:"trading_end"`   // "HH:MM"
	Holidays     []string `yaml:"holidays"`      // "YYYY-MM-DD"
}

// MonitorConfig defines how ticks are evaluated against price levels.
type MonitorConfig struct {
	Processor       string  `yaml:"processor"` // last | bid_ask
	TickSize        float64 `yaml:"tick_size"`
	DelayWarning    string  `yaml:"delay_warning"`
	CandidateBuffer int     `yaml:"candidate_buffer"`
}

// OrdersConfig defines reversal execution policy.
type OrdersConfig struct {
	EnforceMarketHours bool `yaml:"enforce_market_hours"`
	// MarketConversionAfter forces a resting limit reversal to market once it
	// has been outstanding this long. Empty disables the timer.
	MarketConversionAfter string `yaml:"market_conversion_after"`
	// ConvertBeforeClose forces resting limit reversals to market when the
	// session has less than this left. Empty disables the check.
	ConvertBeforeClose string `yaml:"convert_before_close"`
	CancelTimeout      string `yaml:"cancel_timeout"`
}

// RetryConfig defines how failed reversals are retried.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"` // empty means no overall deadline
}

// StorageConfig defines where the reversal journal lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PaperConfig seeds the paper broker.
type PaperConfig struct {
	Positions []PositionConfig `yaml:"positions"`
	Simulator SimulatorConfig  `yaml:"simulator"`
}

// PositionConfig is one seeded paper position.
type PositionConfig struct {
	Type       string  `yaml:"type"` // stock | call | put
	Symbol     string  `yaml:"symbol"`
	Quantity   int64   `yaml:"quantity"`
	Price      float64 `yaml:"price"`      // average price, stocks only
	Strike     float64 `yaml:"strike"`     // options only
	Expiration string  `yaml:"expiration"` // "YYYY-MM-DD", options only
}

// SimulatorConfig drives the paper price simulator.
type SimulatorConfig struct {
	Enabled    bool               `yaml:"enabled"`
	Interval   string             `yaml:"interval"`
	Volatility float64            `yaml:"volatility"`
	Prices     map[string]float64 `yaml:"prices"` // starting price per symbol
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the config is loaded first so its variables can be
// referenced as ${VAR}; variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("checking env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Validate checks that all configuration values are valid and consistent.
// Empty optional fields are set to their defaults.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	switch c.Broker.Provider {
	case ProviderPaper:
		if c.Environment.Mode == "live" {
			return fmt.Errorf("broker.provider 'paper' cannot be used in live mode")
		}
	case ProviderWebsocket:
		if c.Broker.WebsocketURL == "" {
			return fmt.Errorf("broker.websocket_url is required for the websocket provider")
		}
		if !strings.HasPrefix(c.Broker.WebsocketURL, "ws://") && !strings.HasPrefix(c.Broker.WebsocketURL, "wss://") {
			return fmt.Errorf("broker.websocket_url must start with ws:// or wss://")
		}
		if c.Environment.Mode == "live" && c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
	default:
		return fmt.Errorf("broker.provider must be '%s' or '%s'", ProviderPaper, ProviderWebsocket)
	}
	if c.Broker.CommissionRate < 0 || c.Broker.MinCommission < 0 {
		return fmt.Errorf("broker commissions must be >= 0")
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r < 0 || r > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be between 0 and 1")
	}

	// Schedule validation
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	for _, day := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("schedule.holidays entry %q invalid: %w", day, err)
		}
	}

	// Monitor validation
	if c.Monitor.Processor != ProcessorLast && c.Monitor.Processor != ProcessorBidAsk {
		return fmt.Errorf("monitor.processor must be '%s' or '%s'", ProcessorLast, ProcessorBidAsk)
	}
	if c.Monitor.TickSize <= 0 {
		return fmt.Errorf("monitor.tick_size must be > 0")
	}
	if c.Monitor.CandidateBuffer < 0 {
		return fmt.Errorf("monitor.candidate_buffer must be >= 0")
	}

	// Retry validation
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}

	// Durations
	durations := []struct {
		name  string
		value string
	}{
		{"broker.read_timeout", c.Broker.ReadTimeout},
		{"broker.circuit_breaker.interval", c.Broker.CircuitBreaker.Interval},
		{"broker.circuit_breaker.timeout", c.Broker.CircuitBreaker.Timeout},
		{"monitor.delay_warning", c.Monitor.DelayWarning},
		{"orders.market_conversion_after", c.Orders.MarketConversionAfter},
		{"orders.convert_before_close", c.Orders.ConvertBeforeClose},
		{"orders.cancel_timeout", c.Orders.CancelTimeout},
		{"retry.initial_backoff", c.Retry.InitialBackoff},
		{"retry.max_backoff", c.Retry.MaxBackoff},
		{"retry.timeout", c.Retry.Timeout},
		{"paper.simulator.interval", c.Paper.Simulator.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", d.name)
		}
	}
	if c.RetryMaxBackoff() < c.RetryInitialBackoff() {
		return fmt.Errorf("retry.max_backoff (%s) must be >= retry.initial_backoff (%s)",
			c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	// Logging validation
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must be >= 0")
	}

	// Paper validation
	for i, p := range c.Paper.Positions {
		if err := p.validate(); err != nil {
			return fmt.Errorf("paper.positions[%d]: %w", i, err)
		}
	}
	if c.Paper.Simulator.Volatility < 0 || c.Paper.Simulator.Volatility >= 1 {
		return fmt.Errorf("paper.simulator.volatility must be in [0,1)")
	}
	for symbol, price := range c.Paper.Simulator.Prices {
		if price <= 0 {
			return fmt.Errorf("paper.simulator.prices[%s] must be > 0", symbol)
		}
	}

	return nil
}

func (p PositionConfig) validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if p.Quantity == 0 {
		return fmt.Errorf("quantity must be non-zero")
	}
	switch strings.ToLower(p.Type) {
	case "stock":
		if p.Price < 0 {
			return fmt.Errorf("price must be >= 0")
		}
	case "call", "put":
		if p.Strike <= 0 {
			return fmt.Errorf("strike must be > 0")
		}
		if _, err := time.Parse("2006-01-02", p.Expiration); err != nil {
			return fmt.Errorf("expiration %q invalid: %w", p.Expiration, err)
		}
	default:
		return fmt.Errorf("type must be stock, call or put")
	}
	return nil
}

// normalize sets default values for fields left empty.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = ProviderPaper
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = defaultTradingStart
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = defaultTradingEnd
	}
	if c.Monitor.Processor == "" {
		c.Monitor.Processor = defaultProcessor
	}
	if c.Monitor.TickSize == 0 {
		c.Monitor.TickSize = defaultTickSize
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = defaultMaxRetries
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = defaultDashboardListen
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Paper.Simulator.Volatility == 0 {
		c.Paper.Simulator.Volatility = defaultSimVolatility
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ReadTimeout returns the websocket read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return parseDuration(c.Broker.ReadTimeout, defaultReadTimeout)
}

// DelayWarning returns the age above which a tick is reported as delayed.
func (c *Config) DelayWarning() time.Duration {
	return parseDuration(c.Monitor.DelayWarning, defaultDelayWarning)
}

// MarketConversionAfter returns how long a limit reversal may rest before
// it is forced to market. Zero disables the timer.
func (c *Config) MarketConversionAfter() time.Duration {
	return parseDuration(c.Orders.MarketConversionAfter, 0)
}

// ConvertBeforeClose returns the time before the close at which resting limit
// reversals are forced to market. Zero disables the check.
func (c *Config) ConvertBeforeClose() time.Duration {
	return parseDuration(c.Orders.ConvertBeforeClose, 0)
}

// CancelTimeout returns the bound on a cancel request.
func (c *Config) CancelTimeout() time.Duration {
	return parseDuration(c.Orders.CancelTimeout, defaultCancelTimeout)
}

// RetryInitialBackoff returns the first retry delay.
func (c *Config) RetryInitialBackoff() time.Duration {
	return parseDuration(c.Retry.InitialBackoff, defaultInitialBackoff)
}

// RetryMaxBackoff returns the retry delay cap.
func (c *Config) RetryMaxBackoff() time.Duration {
	return parseDuration(c.Retry.MaxBackoff, defaultMaxBackoff)
}

// RetryTimeout returns the overall retry deadline; zero means none.
func (c *Config) RetryTimeout() time.Duration {
	return parseDuration(c.Retry.Timeout, 0)
}

// BreakerInterval returns the circuit breaker counting interval, or zero for
// the breaker's default.
func (c *Config) BreakerInterval() time.Duration {
	return parseDuration(c.Broker.CircuitBreaker.Interval, 0)
}

// BreakerTimeout returns how long the breaker stays open, or zero for the
// breaker's default.
func (c *Config) BreakerTimeout() time.Duration {
	return parseDuration(c.Broker.CircuitBreaker.Timeout, 0)
}

// SimulatorInterval returns the paper simulator tick interval.
func (c *Config) SimulatorInterval() time.Duration {
	d := parseDuration(c.Paper.Simulator.Interval, defaultSimInterval)
	if d <= 0 {
		return defaultSimInterval
	}
	return d
}

func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
