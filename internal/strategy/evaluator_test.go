package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// scriptedSource fires fixed signals at chosen bar indexes so evaluator
// accounting can be asserted to the cent.
type scriptedSource struct {
	fire map[int]domain.Signal
}

func (s *scriptedSource) ID() string      { return "scripted@test" }
func (s *scriptedSource) WarmupBars() int { return 0 }

func (s *scriptedSource) Evaluate(bars []domain.Bar) domain.Signal {
	if sig, ok := s.fire[len(bars)-1]; ok {
		return sig
	}
	return domain.Signal{Action: domain.ActionHold}
}

// flatBars yields n bars pinned at price with ±0.1% wicks.
func flatBars(n int, price float64) []domain.Bar {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Timestamp: base + int64(i)*3600000,
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    1000,
		}
	}
	return bars
}

func windowTask(bars []domain.Bar) domain.CycleTask {
	return domain.CycleTask{
		CycleID:     "t-1",
		Symbol:      "BTCUSDT",
		Timeframe:   domain.Timeframe1h,
		WindowStart: bars[0].Timestamp,
		WindowEnd:   bars[len(bars)-1].Timestamp,
	}
}

func TestEvaluatorLongTakeProfit(t *testing.T) {
	bars := flatBars(14, 100)
	// The entry bar's own wick may not fill the stop; otherwise this dip
	// to 97 would close the trade at a loss instead of the later target.
	bars[5].Low = 97
	bars[10].High = 105

	source := &scriptedSource{fire: map[int]domain.Signal{
		5: {Action: domain.ActionBuy, Confidence: 0.8},
	}}
	ev := NewEvaluator(source, BacktestSettings{})

	res, err := ev.Evaluate(context.Background(), windowTask(bars), bars)
	require.NoError(t, err)

	require.True(t, res.Success())
	assert.Equal(t, 1, res.TradesCount)
	assert.InDelta(t, 1.0, res.WinRate, 1e-9)
	// qty 80 = 10000*0.02*0.8 / (100*0.02); exit at the 104 target.
	// gross 320 minus fees (100+104)*80*0.0004 = 6.528.
	assert.InDelta(t, 313.472, res.PnL, 1e-9)
	assert.Equal(t, "scripted@test", res.StrategyID)
	assert.Equal(t, "t-1", res.CycleID)
}

func TestEvaluatorShortStopLoss(t *testing.T) {
	bars := flatBars(12, 100)
	bars[7].High = 103

	source := &scriptedSource{fire: map[int]domain.Signal{
		3: {Action: domain.ActionSell, Confidence: 1.0},
	}}
	ev := NewEvaluator(source, BacktestSettings{})

	res, err := ev.Evaluate(context.Background(), windowTask(bars), bars)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TradesCount)
	assert.Zero(t, res.WinRate)
	// qty 100; stopped at 102: gross -200 minus fees (100+102)*100*0.0004.
	assert.InDelta(t, -208.08, res.PnL, 1e-9)
}

func TestEvaluatorForceClosesAtWindowEnd(t *testing.T) {
	bars := flatBars(12, 100)
	source := &scriptedSource{fire: map[int]domain.Signal{
		2: {Action: domain.ActionBuy, Confidence: 0.7},
	}}
	ev := NewEvaluator(source, BacktestSettings{})

	res, err := ev.Evaluate(context.Background(), windowTask(bars), bars)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TradesCount, "the dangling position settles at the last close")
	// Flat exit: zero gross, fees only on qty 70.
	assert.InDelta(t, -5.6, res.PnL, 1e-9)
	assert.Zero(t, res.WinRate)
}

func TestEvaluatorSkipsLowConfidence(t *testing.T) {
	bars := flatBars(10, 100)
	source := &scriptedSource{fire: map[int]domain.Signal{
		2: {Action: domain.ActionBuy, Confidence: 0.4},
	}}
	ev := NewEvaluator(source, BacktestSettings{})

	res, err := ev.Evaluate(context.Background(), windowTask(bars), bars)
	require.NoError(t, err)

	assert.Zero(t, res.TradesCount)
	assert.Zero(t, res.PnL)
	assert.True(t, res.Success())
}

func TestEvaluatorEmptyWindowErrors(t *testing.T) {
	ev := NewEvaluator(&scriptedSource{}, BacktestSettings{})
	_, err := ev.Evaluate(context.Background(), domain.CycleTask{CycleID: "t-1"}, nil)
	assert.Error(t, err)
}

func TestEvaluatorHonorsContext(t *testing.T) {
	ev := NewEvaluator(&scriptedSource{}, BacktestSettings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ev.Evaluate(ctx, windowTask(flatBars(600, 100)), flatBars(600, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluatorWithEMACrossWinsTheRally(t *testing.T) {
	bars := seriesBars(trendCloses(60, -0.003, 60, 0.007))
	ev := NewEvaluator(NewEMACross(Params{}), BacktestSettings{})

	res, err := ev.Evaluate(context.Background(), windowTask(bars), bars)
	require.NoError(t, err)

	require.True(t, res.Success())
	assert.Equal(t, 1, res.TradesCount, "one golden cross, one trade")
	assert.Greater(t, res.PnL, 0.0, "the long entry must ride the rally to its target")
	assert.InDelta(t, 1.0, res.WinRate, 1e-9)
	assert.Equal(t, "ema-cross@v1", res.StrategyID)
}

type stubBarSource struct {
	bars []domain.Bar
	err  error

	gotSymbol domain.Symbol
	gotFrom   int64
	gotTo     int64
}

func (s *stubBarSource) Range(_ context.Context, symbol domain.Symbol, _ domain.Timeframe, fromMS, toMS int64) ([]domain.Bar, error) {
	s.gotSymbol = symbol
	s.gotFrom = fromMS
	s.gotTo = toMS
	return s.bars, s.err
}

func TestRunnerLoadsWindowFromSource(t *testing.T) {
	bars := flatBars(10, 100)
	src := &stubBarSource{bars: bars}
	ev := NewEvaluator(&scriptedSource{}, BacktestSettings{})

	run := Runner(src, ev, nil)
	task := windowTask(bars)
	res, err := run(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, res.Success())
	assert.Equal(t, task.Symbol, src.gotSymbol)
	assert.Equal(t, task.WindowStart, src.gotFrom)
	assert.Equal(t, task.WindowEnd, src.gotTo)
}

// lenRecordingSource tracks the longest window it was asked to score.
type lenRecordingSource struct {
	scriptedSource
	maxLen int
}

func (s *lenRecordingSource) Evaluate(bars []domain.Bar) domain.Signal {
	if len(bars) > s.maxLen {
		s.maxLen = len(bars)
	}
	return domain.Signal{Action: domain.ActionHold}
}

func TestRunnerFiltersWindowToTimeline(t *testing.T) {
	bars := flatBars(10, 100)
	var shared []int64
	for i := 0; i < len(bars); i += 2 {
		shared = append(shared, bars[i].Timestamp)
	}
	timeline, err := domain.NewMasterTimeline(domain.Timeframe1h, shared, 90)
	require.NoError(t, err)

	src := &stubBarSource{bars: bars}
	rec := &lenRecordingSource{}
	run := Runner(src, NewEvaluator(rec, BacktestSettings{}), map[domain.Timeframe]*domain.MasterTimeline{
		domain.Timeframe1h: timeline,
	})

	res, err := run(context.Background(), windowTask(bars))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, len(shared), rec.maxLen, "bars off the timeline must not reach the strategy")
}

func TestRunnerPropagatesSourceErrors(t *testing.T) {
	src := &stubBarSource{err: errors.New("table missing")}
	run := Runner(src, NewEvaluator(&scriptedSource{}, BacktestSettings{}), nil)

	_, err := run(context.Background(), domain.CycleTask{CycleID: "t-1", Symbol: "BTCUSDT", Timeframe: domain.Timeframe1h})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table missing")
}
