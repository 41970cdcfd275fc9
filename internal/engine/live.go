package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cinar/indicator"
	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

// atrPeriod is the lookback behind the volatility input to sizing.
const atrPeriod = 14

// extraWindowBars pads the rolling window beyond the strategy warmup so
// indicators have room after trimming.
const extraWindowBars = 50

// SignalSource scores the latest bar of a rolling window. The strategy
// package provides implementations.
type SignalSource interface {
	ID() string
	WarmupBars() int
	Evaluate(bars []domain.Bar) domain.Signal
}

// CandleStreamer opens live candle subscriptions; the exchange client
// satisfies it.
type CandleStreamer interface {
	StreamCandles(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (exchange.Subscription, error)
}

// SeriesSource loads stored history to seed the rolling windows.
type SeriesSource interface {
	Range(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, fromMS, toMS int64) ([]domain.Bar, error)
}

// LiveTrader runs one trading loop per symbol: stream closed candles,
// sweep exits, evaluate the strategy and route entries.
type LiveTrader struct {
	engine *Engine
	stream CandleStreamer
	series SeriesSource
	source SignalSource

	symbols []domain.Symbol
	tf      domain.Timeframe
	window  int

	clock func() time.Time
}

// TraderOption tunes the live trader.
type TraderOption func(*LiveTrader)

// WithTraderClock overrides time for tests.
func WithTraderClock(now func() time.Time) TraderOption {
	return func(t *LiveTrader) { t.clock = now }
}

// NewLiveTrader wires a trader over the given symbols and timeframe.
func NewLiveTrader(eng *Engine, stream CandleStreamer, series SeriesSource, source SignalSource, symbols []domain.Symbol, tf domain.Timeframe, opts ...TraderOption) *LiveTrader {
	t := &LiveTrader{
		engine:  eng,
		stream:  stream,
		series:  series,
		source:  source,
		symbols: symbols,
		tf:      tf,
		window:  source.WarmupBars() + extraWindowBars,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until the context is cancelled or a symbol loop fails. The
// first failure cancels the remaining loops.
func (t *LiveTrader) Run(ctx context.Context) error {
	if len(t.symbols) == 0 {
		return fmt.Errorf("live trader has no symbols")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(t.symbols))
	var wg sync.WaitGroup
	for _, symbol := range t.symbols {
		wg.Add(1)
		go func(symbol domain.Symbol) {
			defer wg.Done()
			if err := t.trade(ctx, symbol); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", symbol, err)
				cancel()
			}
		}(symbol)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// trade is the per-symbol loop.
func (t *LiveTrader) trade(ctx context.Context, symbol domain.Symbol) error {
	window, err := t.seed(ctx, symbol)
	if err != nil {
		return err
	}

	sub, err := t.stream.StreamCandles(ctx, symbol, t.tf)
	if err != nil {
		return fmt.Errorf("failed to open candle stream: %w", err)
	}
	defer sub.Close()

	log.Info().
		Str("symbol", string(symbol)).
		Str("timeframe", string(t.tf)).
		Int("seed_bars", len(window)).
		Str("strategy", t.source.ID()).
		Msg("Live loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("candle stream failed: %w", err)
		case bar, ok := <-sub.Bars():
			if !ok {
				return nil
			}
			window = appendBar(window, bar, t.window)
			if err := t.onBar(ctx, symbol, window); err != nil {
				return err
			}
		}
	}
}

// onBar handles one closed candle: exits first, then a fresh signal.
func (t *LiveTrader) onBar(ctx context.Context, symbol domain.Symbol, window []domain.Bar) error {
	last := window[len(window)-1]

	if _, err := t.engine.CheckOpenTrades(ctx, symbol, last.Close); err != nil {
		return fmt.Errorf("failed to sweep open trades: %w", err)
	}

	if len(window) < t.source.WarmupBars() || len(window) <= atrPeriod {
		return nil
	}
	sig := t.source.Evaluate(window)
	if sig.Action == domain.ActionHold {
		return nil
	}

	atr := lastATR(window, atrPeriod)
	if atr <= 0 {
		return nil
	}

	outcome, err := t.engine.RouteSignal(ctx, RouteRequest{
		Symbol: symbol,
		Signal: sig,
		Price:  last.Close,
		ATR:    atr,
		BarTS:  last.Timestamp,
	})
	if err != nil {
		return err
	}
	if outcome.Trade != nil {
		log.Info().
			Str("symbol", string(symbol)).
			Str("side", string(outcome.Trade.Side)).
			Float64("qty", outcome.Trade.SizeQty).
			Float64("price", outcome.Trade.EntryPrice).
			Msg("Trade opened")
	}
	return nil
}

// seed loads recent stored bars so signals fire without waiting a full
// warmup of live candles.
func (t *LiveTrader) seed(ctx context.Context, symbol domain.Symbol) ([]domain.Bar, error) {
	to := t.clock().UnixMilli()
	from := to - int64(t.window+extraWindowBars)*t.tf.Millis()
	bars, err := t.series.Range(ctx, symbol, t.tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to seed window: %w", err)
	}
	if len(bars) > t.window {
		bars = bars[len(bars)-t.window:]
	}
	return bars, nil
}

// appendBar grows the rolling window, replacing a re-delivered last bar and
// trimming to size.
func appendBar(window []domain.Bar, bar domain.Bar, size int) []domain.Bar {
	if n := len(window); n > 0 && window[n-1].Timestamp == bar.Timestamp {
		window[n-1] = bar
		return window
	}
	window = append(window, bar)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

// lastATR computes the latest average true range over the window.
func lastATR(bars []domain.Bar, period int) float64 {
	if len(bars) <= period {
		return 0
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	_, atr := indicator.Atr(period, highs, lows, closes)
	return atr[len(atr)-1]
}
