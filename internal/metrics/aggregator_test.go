package metrics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

func cycleResult(symbol domain.Symbol, strategy string, pnl float64, trades int, winRate float64, ms int64, ok bool) domain.CycleResult {
	status := domain.CycleSuccess
	if !ok {
		status = domain.CycleFailed
	}
	return domain.CycleResult{
		CycleID:         "c",
		Symbol:          symbol,
		Timeframe:       "1h",
		ExecutionTimeMS: ms,
		PnL:             pnl,
		TradesCount:     trades,
		WinRate:         winRate,
		StrategyID:      strategy,
		Status:          status,
		Timestamp:       time.Now().UTC(),
	}
}

func TestAggregatorFoldIsOrderIndependent(t *testing.T) {
	results := []domain.CycleResult{
		cycleResult("BTCUSDT", "ema-cross@v1", 25, 4, 0.75, 1200, true),
		cycleResult("ETHUSDT", "ema-cross@v1", -10, 2, 0.0, 900, true),
		cycleResult("BTCUSDT", "ema-cross@v2", 5, 1, 1.0, 300, true),
		cycleResult("SOLUSDT", "ema-cross@v2", 0, 0, 0, 100, false),
	}

	a := NewAggregator(5)
	for _, r := range results {
		a.Observe(r)
	}

	b := NewAggregator(5)
	perm := rand.New(rand.NewSource(42)).Perm(len(results))
	for _, i := range perm {
		b.Observe(results[i])
	}

	sa, sb := a.Summary(), b.Summary()
	sa.GeneratedAt, sb.GeneratedAt = time.Time{}, time.Time{}
	assert.Equal(t, sa, sb)
}

func TestAggregatorTotalsAndRankings(t *testing.T) {
	a := NewAggregator(2)
	a.Observe(cycleResult("BTCUSDT", "ema-cross@v1", 30, 3, 2.0/3.0, 1000, true))
	a.Observe(cycleResult("ETHUSDT", "ema-cross@v2", 10, 1, 1.0, 2000, true))
	a.Observe(cycleResult("SOLUSDT", "ema-cross@v3", -5, 2, 0.0, 3000, false))

	s := a.Summary()

	assert.Equal(t, 3, s.Totals.Cycles)
	assert.Equal(t, 2, s.Totals.Success)
	assert.Equal(t, 1, s.Totals.Failed)
	assert.InDelta(t, 35, s.Totals.PnL, 1e-9)
	assert.Equal(t, 6, s.Totals.Trades)
	assert.InDelta(t, 2000, s.Totals.AvgCycleMS, 1e-9)
	assert.InDelta(t, 0.5, s.Totals.WinRate, 1e-9) // 3 winning trades of 6

	require.Len(t, s.TopStrategies, 2)
	assert.Equal(t, "ema-cross@v1", s.TopStrategies[0].StrategyID)
	assert.InDelta(t, 30, s.TopStrategies[0].PnL, 1e-9)
	assert.Equal(t, "ema-cross@v2", s.TopStrategies[1].StrategyID)

	require.NotNil(t, s.BestSymbol)
	assert.EqualValues(t, "BTCUSDT", s.BestSymbol.Symbol)
	require.NotNil(t, s.WorstSymbol)
	assert.EqualValues(t, "SOLUSDT", s.WorstSymbol.Symbol)
}

func TestRecommendationsTriggerPerThreshold(t *testing.T) {
	t.Run("healthy run stays quiet", func(t *testing.T) {
		a := NewAggregator(0)
		for i := 0; i < 10; i++ {
			a.Observe(cycleResult("BTCUSDT", "s", 10, 2, 0.6, 1000, true))
		}
		a.ObserveResources(20, 256<<20)
		assert.Empty(t, a.Summary().Recommendations)
	})

	t.Run("low success rate", func(t *testing.T) {
		a := NewAggregator(0)
		for i := 0; i < 7; i++ {
			a.Observe(cycleResult("BTCUSDT", "s", 1, 1, 1, 100, true))
		}
		for i := 0; i < 3; i++ {
			a.Observe(cycleResult("BTCUSDT", "s", 0, 0, 0, 100, false))
		}
		recs := a.Summary().Recommendations
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "success rate")
	})

	t.Run("slow cycles", func(t *testing.T) {
		a := NewAggregator(0)
		a.Observe(cycleResult("BTCUSDT", "s", 1, 1, 1, 6000, true))
		recs := a.Summary().Recommendations
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "average cycle time")
	})

	t.Run("low win rate", func(t *testing.T) {
		a := NewAggregator(0)
		a.Observe(cycleResult("BTCUSDT", "s", 1, 10, 0.3, 100, true))
		recs := a.Summary().Recommendations
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "win rate")
	})

	t.Run("negative pnl", func(t *testing.T) {
		a := NewAggregator(0)
		a.Observe(cycleResult("BTCUSDT", "s", -12, 4, 0.5, 100, true))
		recs := a.Summary().Recommendations
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "negative")
	})

	t.Run("memory and cpu", func(t *testing.T) {
		a := NewAggregator(0)
		a.ObserveResources(95, 2<<30)
		recs := a.Summary().Recommendations
		require.Len(t, recs, 2)
		assert.Contains(t, recs[0], "peak memory")
		assert.Contains(t, recs[1], "average CPU")
	})
}
