// Package config loads and validates the frozen application configuration.
// Values come from a YAML file with environment overrides; unknown keys are
// rejected so typos fail at startup instead of silently using defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete recognized configuration surface.
type Config struct {
	Symbols    []string          `yaml:"symbols"`
	Timeframes []string          `yaml:"timeframes"`
	Historical HistoricalSection `yaml:"historical"`
	Trading    TradingSection    `yaml:"trading"`
	Risk       RiskSection       `yaml:"risk"`
	Executor   ExecutorSection   `yaml:"executor"`
	Exchange   ExchangeSection   `yaml:"exchange"`
	Storage    StorageSection    `yaml:"storage"`
	Cache      CacheSection      `yaml:"cache"`
	Server     ServerSection     `yaml:"server"`
	Log        LogSection        `yaml:"log"`
}

// HistoricalSection controls coverage enforcement and backfill.
type HistoricalSection struct {
	Years           int      `yaml:"years"`
	MinCoverageDays int      `yaml:"min_coverage_days"`
	AutoDownload    bool     `yaml:"auto_download"`
	Timeframes      []string `yaml:"timeframes"`
}

// TradingSection controls order execution and the engine guards.
type TradingSection struct {
	Mode               string  `yaml:"mode"`
	Futures            bool    `yaml:"futures"`
	CommissionRate     float64 `yaml:"commission_rate"`
	InitialBalance     float64 `yaml:"initial_balance"`
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxTradesPerBar    int     `yaml:"max_trades_per_bar"`
	CircuitBreakerLoss float64 `yaml:"circuit_breaker_loss"`
}

// RiskSection controls position sizing limits.
type RiskSection struct {
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	MaxLeverage     int     `yaml:"max_leverage"`
}

// ExecutorSection controls the parallel cycle executor.
type ExecutorSection struct {
	MaxWorkers    int `yaml:"max_workers"`
	DelayMS       int `yaml:"delay_ms"`
	CycleTimeoutS int `yaml:"cycle_timeout_s"`
}

// ExchangeSection holds exchange endpoints and credentials.
type ExchangeSection struct {
	BaseURL      string  `yaml:"base_url"`
	WSURL        string  `yaml:"ws_url"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// StorageSection selects and tunes the persistence backend.
type StorageSection struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheSection tunes the cycle-result cache.
type CacheSection struct {
	RedisAddr  string        `yaml:"redis_addr"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// ServerSection configures the metrics/status HTTP listener.
type ServerSection struct {
	Addr string `yaml:"addr"`
}

// LogSection configures the global logger and optional rotating file sink.
type LogSection struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. A missing file yields the defaults;
// an unknown key in the file is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := parseStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes an in-memory YAML document with the same strictness,
// overrides and defaults as Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := parseStrict(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CYCLERUN_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("CYCLERUN_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("CYCLERUN_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("CYCLERUN_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("CYCLERUN_MODE"); v != "" {
		c.Trading.Mode = v
	}
	if v := os.Getenv("CYCLERUN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CYCLERUN_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("CYCLERUN_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Trading.InitialBalance = f
		}
	}
}

func (c *Config) setDefaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1h", "4h"}
	}
	if c.Historical.Years == 0 {
		c.Historical.Years = 2
	}
	if c.Historical.MinCoverageDays == 0 {
		c.Historical.MinCoverageDays = c.Historical.Years * 365
	}
	if len(c.Historical.Timeframes) == 0 {
		c.Historical.Timeframes = c.Timeframes
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	if c.Trading.CommissionRate == 0 {
		c.Trading.CommissionRate = 0.0004
	}
	if c.Trading.InitialBalance == 0 {
		c.Trading.InitialBalance = 10000
	}
	if c.Trading.MinConfidence == 0 {
		c.Trading.MinConfidence = 0.6
	}
	if c.Trading.MaxTradesPerBar == 0 {
		c.Trading.MaxTradesPerBar = 1
	}
	if c.Trading.CircuitBreakerLoss == 0 {
		c.Trading.CircuitBreakerLoss = 0.05
	}
	if c.Risk.MaxRiskPerTrade == 0 {
		c.Risk.MaxRiskPerTrade = 0.02
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 0.05
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 0.10
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 3
	}
	if c.Executor.MaxWorkers == 0 {
		c.Executor.MaxWorkers = 4
	}
	if c.Executor.DelayMS == 0 {
		c.Executor.DelayMS = 100
	}
	if c.Executor.CycleTimeoutS == 0 {
		c.Executor.CycleTimeoutS = 30
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://fstream.binance.com/ws"
	}
	if c.Exchange.RateLimitRPS == 0 {
		c.Exchange.RateLimitRPS = 10
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "cyclerun.db"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetime == 0 {
		c.Storage.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 14
	}
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if _, err := domain.NewSymbol(s); err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
	}
	for _, tf := range c.Timeframes {
		if _, err := domain.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("timeframes: %w", err)
		}
	}
	for _, tf := range c.Historical.Timeframes {
		if _, err := domain.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("historical.timeframes: %w", err)
		}
	}
	if c.Historical.MinCoverageDays <= 0 {
		return fmt.Errorf("historical.min_coverage_days must be positive")
	}
	if c.Trading.Mode != ModePaper && c.Trading.Mode != ModeLive {
		return fmt.Errorf("trading.mode must be %q or %q, got %q", ModePaper, ModeLive, c.Trading.Mode)
	}
	if c.Trading.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("live mode requires exchange.api_key and exchange.api_secret")
	}
	if c.Trading.CommissionRate < 0 {
		return fmt.Errorf("trading.commission_rate cannot be negative")
	}
	if c.Trading.InitialBalance <= 0 {
		return fmt.Errorf("trading.initial_balance must be positive")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		return fmt.Errorf("trading.min_confidence must be in [0,1]")
	}
	if c.Trading.MaxTradesPerBar < 1 {
		return fmt.Errorf("trading.max_trades_per_bar must be at least 1")
	}
	if c.Trading.CircuitBreakerLoss <= 0 || c.Trading.CircuitBreakerLoss > 1 {
		return fmt.Errorf("trading.circuit_breaker_loss must be in (0,1]")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0,1]")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0,1]")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1]")
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be at least 1")
	}
	if c.Executor.MaxWorkers < 1 {
		return fmt.Errorf("executor.max_workers must be at least 1")
	}
	if c.Executor.DelayMS < 0 {
		return fmt.Errorf("executor.delay_ms cannot be negative")
	}
	if c.Executor.CycleTimeoutS <= 0 {
		return fmt.Errorf("executor.cycle_timeout_s must be positive")
	}
	if c.Storage.Driver != DriverSQLite && c.Storage.Driver != DriverPostgres {
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}
	if c.Storage.MaxIdleConns > c.Storage.MaxOpenConns {
		return fmt.Errorf("storage.max_idle_conns cannot exceed storage.max_open_conns")
	}
	return nil
}

// SymbolList returns the configured symbols as domain values.
func (c *Config) SymbolList() []domain.Symbol {
	out := make([]domain.Symbol, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		sym, err := domain.NewSymbol(s)
		if err != nil {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// TimeframeList returns the configured timeframes as domain values.
func (c *Config) TimeframeList() []domain.Timeframe {
	return toTimeframes(c.Timeframes)
}

// HistoricalTimeframes returns the backfill timeframes as domain values.
func (c *Config) HistoricalTimeframes() []domain.Timeframe {
	return toTimeframes(c.Historical.Timeframes)
}

func toTimeframes(raw []string) []domain.Timeframe {
	out := make([]domain.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, err := domain.ParseTimeframe(s)
		if err != nil {
			continue
		}
		out = append(out, tf)
	}
	return out
}

// LiveTrading reports whether orders are routed to the real exchange.
func (c *Config) LiveTrading() bool {
	return c.Trading.Mode == ModeLive
}
