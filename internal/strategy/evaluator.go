package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// BacktestSettings shape the simulated account behind one evaluation
// window. Zero values take defaults.
type BacktestSettings struct {
	InitialBalance float64 // default 10000
	RiskPerTrade   float64 // fraction of balance risked per entry, default 0.02
	StopLossPct    float64 // stop distance from entry, default 0.02
	TakeProfitRR   float64 // reward as a multiple of the stop distance, default 2
	CommissionRate float64 // per fill, default 0.0004
	MinConfidence  float64 // entries below this are skipped, default 0.6
}

func (s BacktestSettings) withDefaults() BacktestSettings {
	if s.InitialBalance <= 0 {
		s.InitialBalance = 10000
	}
	if s.RiskPerTrade <= 0 {
		s.RiskPerTrade = 0.02
	}
	if s.StopLossPct <= 0 {
		s.StopLossPct = 0.02
	}
	if s.TakeProfitRR <= 0 {
		s.TakeProfitRR = 2
	}
	if s.CommissionRate <= 0 {
		s.CommissionRate = 0.0004
	}
	if s.MinConfidence <= 0 {
		s.MinConfidence = 0.6
	}
	return s
}

// Evaluator replays a signal source over one window of bars and scores the
// outcome. One evaluator serves any number of concurrent cycles; it holds
// no mutable state between calls.
type Evaluator struct {
	source   SignalSource
	settings BacktestSettings
}

// NewEvaluator pairs a source with backtest settings.
func NewEvaluator(source SignalSource, settings BacktestSettings) *Evaluator {
	return &Evaluator{source: source, settings: settings.withDefaults()}
}

// ID is the identity of the underlying source.
func (ev *Evaluator) ID() string { return ev.source.ID() }

// position is one simulated open trade inside a window.
type position struct {
	side  domain.Side
	entry float64
	qty   float64
	stop  float64
	take  float64
}

// exitAt reports the exit price if bar breaches the stop or the target.
// The stop is checked first: when one bar spans both levels the worse fill
// wins.
func (p *position) exitAt(bar domain.Bar) (float64, bool) {
	if p.side == domain.SideBuy {
		if bar.Low <= p.stop {
			return p.stop, true
		}
		if bar.High >= p.take {
			return p.take, true
		}
		return 0, false
	}
	if bar.High >= p.stop {
		return p.stop, true
	}
	if bar.Low <= p.take {
		return p.take, true
	}
	return 0, false
}

// Evaluate runs the windowed backtest for one task. Bars must be ascending
// and already trimmed to the task window. Entries fill at the signal bar's
// close; stops and targets are first checked on the following bar.
func (ev *Evaluator) Evaluate(ctx context.Context, task domain.CycleTask, bars []domain.Bar) (domain.CycleResult, error) {
	started := time.Now()
	if len(bars) == 0 {
		return domain.CycleResult{}, fmt.Errorf("evaluate %s %s: window has no bars", task.Symbol, task.Timeframe)
	}

	s := ev.settings
	balance := s.InitialBalance
	var pnlTotal float64
	var trades, wins int
	var open *position

	for i, bar := range bars {
		if i%256 == 0 {
			select {
			case <-ctx.Done():
				return domain.CycleResult{}, ctx.Err()
			default:
			}
		}

		if open != nil {
			if exit, hit := open.exitAt(bar); hit {
				pnl := ev.closeTrade(open, exit)
				balance += pnl
				pnlTotal += pnl
				trades++
				if pnl > 0 {
					wins++
				}
				open = nil
			}
		}

		if open == nil && balance > 0 {
			sig := ev.source.Evaluate(bars[:i+1])
			side, actionable := sig.Action.Side()
			if actionable && sig.Confidence >= s.MinConfidence {
				open = ev.openTrade(side, bar.Close, balance, sig.Confidence)
			}
		}
	}

	// Whatever is still open settles at the window's last close.
	if open != nil {
		pnl := ev.closeTrade(open, bars[len(bars)-1].Close)
		pnlTotal += pnl
		trades++
		if pnl > 0 {
			wins++
		}
	}

	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades)
	}
	return domain.CycleResult{
		CycleID:         task.CycleID,
		Symbol:          task.Symbol,
		Timeframe:       task.Timeframe,
		ExecutionTimeMS: time.Since(started).Milliseconds(),
		PnL:             pnlTotal,
		TradesCount:     trades,
		WinRate:         winRate,
		StrategyID:      ev.source.ID(),
		Status:          domain.CycleSuccess,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (ev *Evaluator) openTrade(side domain.Side, price, balance, confidence float64) *position {
	s := ev.settings
	riskBudget := balance * s.RiskPerTrade * confidence
	qty := domain.FloorQty(riskBudget / (price * s.StopLossPct))
	if qty <= 0 {
		return nil
	}
	p := &position{side: side, entry: price, qty: qty}
	if side == domain.SideBuy {
		p.stop = price * (1 - s.StopLossPct)
		p.take = price * (1 + s.TakeProfitRR*s.StopLossPct)
	} else {
		p.stop = price * (1 + s.StopLossPct)
		p.take = price * (1 - s.TakeProfitRR*s.StopLossPct)
	}
	return p
}

func (ev *Evaluator) closeTrade(p *position, exit float64) float64 {
	direction := 1.0
	if p.side == domain.SideSell {
		direction = -1
	}
	gross := (exit - p.entry) * p.qty * direction
	fees := (p.entry + exit) * p.qty * ev.settings.CommissionRate
	return gross - fees
}

// BarSource loads the bars behind one window; the time-series store
// satisfies it.
type BarSource interface {
	Range(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, fromMS, toMS int64) ([]domain.Bar, error)
}

// Runner adapts an evaluator to the executor's task-function contract. Each
// window is loaded from src on demand and, when the task's timeframe has a
// master timeline, filtered to it so every symbol replays the same
// timestamps.
func Runner(src BarSource, ev *Evaluator, timelines map[domain.Timeframe]*domain.MasterTimeline) func(ctx context.Context, task domain.CycleTask) (domain.CycleResult, error) {
	return func(ctx context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		bars, err := src.Range(ctx, task.Symbol, task.Timeframe, task.WindowStart, task.WindowEnd)
		if err != nil {
			return domain.CycleResult{}, fmt.Errorf("load window %s %s: %w", task.Symbol, task.Timeframe, err)
		}
		if timeline := timelines[task.Timeframe]; timeline != nil {
			bars = timeline.FilterBars(bars)
		}
		return ev.Evaluate(ctx, task, bars)
	}
}
