package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// seriesBars turns a close series into valid hourly bars: each bar opens at
// the prior close with small high/low extensions.
func seriesBars(closes []float64) []domain.Bar {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := make([]domain.Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := prev
		bars[i] = domain.Bar{
			Timestamp: base + int64(i)*3600000,
			Open:      open,
			High:      math.Max(open, c) * 1.001,
			Low:       math.Min(open, c) * 0.999,
			Close:     c,
			Volume:    1000,
		}
		prev = c
	}
	return bars
}

// trendCloses compounds two legs of per-bar rates from a 50000 start.
func trendCloses(firstBars int, firstRate float64, secondBars int, secondRate float64) []float64 {
	closes := make([]float64, 0, firstBars+secondBars)
	price := 50000.0
	for i := 0; i < firstBars; i++ {
		price *= 1 + firstRate
		closes = append(closes, price)
	}
	for i := 0; i < secondBars; i++ {
		price *= 1 + secondRate
		closes = append(closes, price)
	}
	return closes
}

// signalsOver replays the source across every prefix of bars.
func signalsOver(source SignalSource, bars []domain.Bar) []domain.Signal {
	signals := make([]domain.Signal, len(bars))
	for i := range bars {
		signals[i] = source.Evaluate(bars[:i+1])
	}
	return signals
}

func countActions(signals []domain.Signal) (buys, sells int) {
	for _, sig := range signals {
		switch sig.Action {
		case domain.ActionBuy:
			buys++
		case domain.ActionSell:
			sells++
		}
	}
	return
}

func TestEvaluateHoldsDuringWarmup(t *testing.T) {
	source := NewEMACross(Params{})
	bars := seriesBars(trendCloses(10, 0.01, 0, 0))

	sig := source.Evaluate(bars)
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Zero(t, sig.Confidence)
}

func TestGoldenCrossSignalsBuy(t *testing.T) {
	source := NewEMACross(Params{})
	bars := seriesBars(trendCloses(60, -0.003, 60, 0.007))

	signals := signalsOver(source, bars)
	buys, sells := countActions(signals)
	require.GreaterOrEqual(t, buys, 1, "the V-reversal must produce a golden cross")
	assert.Zero(t, sells, "a single up-reversal has no bearish cross")

	for i, sig := range signals {
		if sig.Action != domain.ActionBuy {
			continue
		}
		assert.Greater(t, i, source.WarmupBars(), "signals may only fire past warmup")
		assert.GreaterOrEqual(t, sig.Confidence, 0.6)
		assert.LessOrEqual(t, sig.Confidence, 0.95)
		break
	}
}

func TestDeathCrossSignalsSell(t *testing.T) {
	source := NewEMACross(Params{})
	bars := seriesBars(trendCloses(60, 0.003, 60, -0.007))

	buys, sells := countActions(signalsOver(source, bars))
	require.GreaterOrEqual(t, sells, 1, "the peak reversal must produce a death cross")
	assert.Zero(t, buys)
}

func TestRSIFloorFiltersCrosses(t *testing.T) {
	bars := seriesBars(trendCloses(60, -0.003, 60, 0.007))

	permissive := NewEMACross(Params{BuyRSIFloor: 1})
	buys, _ := countActions(signalsOver(permissive, bars))
	require.GreaterOrEqual(t, buys, 1)

	blocked := NewEMACross(Params{BuyRSIFloor: 101})
	buys, _ = countActions(signalsOver(blocked, bars))
	assert.Zero(t, buys, "an unreachable RSI floor must suppress every long entry")
}

func TestEvaluateIsDeterministic(t *testing.T) {
	source := NewEMACross(Params{})
	bars := seriesBars(trendCloses(60, -0.003, 60, 0.007))

	first := signalsOver(source, bars)
	second := signalsOver(NewEMACross(Params{}), bars)
	assert.Equal(t, first, second, "identical windows must score identically")
}

func TestLookup(t *testing.T) {
	source, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "ema-cross@v1", source.ID())

	source, err = Lookup("ema-cross")
	require.NoError(t, err)
	assert.Equal(t, "ema-cross@v1", source.ID())

	_, err = Lookup("momentum-9000")
	assert.Error(t, err)
}
