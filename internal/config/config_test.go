package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

const sampleYAML = `
symbols: [btcusdt, ETHUSDT]
timeframes: [1h, 4h]
historical:
  years: 2
  min_coverage_days: 730
  auto_download: true
trading:
  mode: paper
  futures: true
  commission_rate: 0.0004
  initial_balance: 10000
  min_confidence: 0.6
  max_trades_per_bar: 1
  circuit_breaker_loss: 0.05
risk:
  max_risk_per_trade: 0.02
  max_daily_loss_pct: 0.05
  max_drawdown_pct: 0.10
  max_leverage: 3
executor:
  max_workers: 4
  delay_ms: 100
  cycle_timeout_s: 30
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []domain.Symbol{"BTCUSDT", "ETHUSDT"}, cfg.SymbolList())
	assert.Equal(t, []domain.Timeframe{domain.Timeframe1h, domain.Timeframe4h}, cfg.TimeframeList())
	assert.Equal(t, 730, cfg.Historical.MinCoverageDays)
	assert.Equal(t, ModePaper, cfg.Trading.Mode)
	assert.False(t, cfg.LiveTrading())
	assert.Equal(t, 4, cfg.Executor.MaxWorkers)
	assert.Equal(t, 100, cfg.Executor.DelayMS)
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("symbols: [BTCUSDT]\nmax_riskk: 0.1\n"))
	require.Error(t, err, "typo'd keys must fail at load")
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("symbols: [BTCUSDT]\n"))
	require.NoError(t, err)

	assert.Equal(t, 0.0004, cfg.Trading.CommissionRate)
	assert.Equal(t, 10000.0, cfg.Trading.InitialBalance)
	assert.Equal(t, 0.6, cfg.Trading.MinConfidence)
	assert.Equal(t, 1, cfg.Trading.MaxTradesPerBar)
	assert.Equal(t, 0.05, cfg.Trading.CircuitBreakerLoss)
	assert.Equal(t, 0.02, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, 3, cfg.Risk.MaxLeverage)
	assert.Equal(t, 30, cfg.Executor.CycleTimeoutS)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "https://fapi.binance.com", cfg.Exchange.BaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad timeframe":       "timeframes: [7h]\n",
		"bad mode":            "trading: {mode: dryrun}\n",
		"confidence range":    "trading: {min_confidence: 1.5}\n",
		"breaker range":       "trading: {circuit_breaker_loss: 2}\n",
		"risk range":          "risk: {max_risk_per_trade: 1.2}\n",
		"bad driver":          "storage: {driver: mysql}\n",
		"negative commission": "trading: {commission_rate: -0.1}\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	_, err := Parse([]byte("trading: {mode: live}\n"))
	require.Error(t, err)

	cfg, err := Parse([]byte("trading: {mode: live}\nexchange: {api_key: k, api_secret: s}\n"))
	require.NoError(t, err)
	assert.True(t, cfg.LiveTrading())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CYCLERUN_DSN", "file:override.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Parse([]byte("symbols: [BTCUSDT]\n"))
	require.NoError(t, err)
	assert.Equal(t, "file:override.db", cfg.Storage.DSN)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModePaper, cfg.Trading.Mode)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Historical.Years)
}
