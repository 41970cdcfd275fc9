// Package strategy supplies the baseline signal source and the windowed
// backtest evaluator behind training cycles. Models plug in behind the
// SignalSource interface; everything downstream sees only (action,
// confidence) pairs.
package strategy

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// SignalSource emits one signal per closed bar from a rolling window of
// history. Implementations must be deterministic for identical windows.
type SignalSource interface {
	// ID is the stable strategy identity, name@version. It keys the cycle
	// cache and the rankings, so bump the version on any behavior change.
	ID() string
	// WarmupBars is the minimum window length before signals fire.
	WarmupBars() int
	// Evaluate inspects bars (ascending, oldest first) and scores the
	// latest one. Windows shorter than WarmupBars yield HOLD.
	Evaluate(bars []domain.Bar) domain.Signal
}

// Params tunes the EMA-cross source. Zero values take defaults.
type Params struct {
	FastPeriod  int     // default 12
	SlowPeriod  int     // default 26
	RSIPeriod   int     // default 14
	BuyRSIFloor float64 // momentum confirmation for longs, default 50
	SellRSICeil float64 // momentum confirmation for shorts, default 50
}

func (p Params) withDefaults() Params {
	if p.FastPeriod <= 0 {
		p.FastPeriod = 12
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = 26
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = 14
	}
	if p.BuyRSIFloor == 0 {
		p.BuyRSIFloor = 50
	}
	if p.SellRSICeil == 0 {
		p.SellRSICeil = 50
	}
	return p
}

// EMACross signals on fast/slow EMA crossovers confirmed by RSI momentum:
// a cross up fires BUY only while RSI sits at or above the floor, a cross
// down fires SELL only while RSI sits at or below the ceiling.
type EMACross struct {
	params Params
}

// NewEMACross builds the source with defaults applied.
func NewEMACross(params Params) *EMACross {
	return &EMACross{params: params.withDefaults()}
}

func (s *EMACross) ID() string { return "ema-cross@v1" }

func (s *EMACross) WarmupBars() int {
	return s.params.SlowPeriod + s.params.RSIPeriod
}

func (s *EMACross) Evaluate(bars []domain.Bar) domain.Signal {
	n := len(bars)
	if n < s.WarmupBars() {
		return domain.Signal{Action: domain.ActionHold}
	}

	closes := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	fast := indicator.Ema(s.params.FastPeriod, closes)
	slow := indicator.Ema(s.params.SlowPeriod, closes)
	_, rsi := indicator.RsiPeriod(s.params.RSIPeriod, closes)

	prev := fast[n-2] - slow[n-2]
	cur := fast[n-1] - slow[n-1]
	price := closes[n-1]
	momentum := rsi[n-1]

	switch {
	case prev <= 0 && cur > 0:
		if momentum < s.params.BuyRSIFloor {
			return domain.Signal{Action: domain.ActionHold}
		}
		return domain.Signal{
			Action:     domain.ActionBuy,
			Confidence: crossConfidence(cur-prev, price, momentum-50),
		}
	case prev >= 0 && cur < 0:
		if momentum > s.params.SellRSICeil {
			return domain.Signal{Action: domain.ActionHold}
		}
		return domain.Signal{
			Action:     domain.ActionSell,
			Confidence: crossConfidence(prev-cur, price, 50-momentum),
		}
	}
	return domain.Signal{Action: domain.ActionHold}
}

// crossConfidence blends cross velocity (how fast the EMAs separated) with
// RSI agreement into [0.55, 0.95].
func crossConfidence(separation, price, agreement float64) float64 {
	velocity := math.Abs(separation) / price
	conf := 0.55 + 0.25*math.Min(1, velocity*400)
	if agreement > 0 {
		conf += 0.15 * math.Min(1, agreement/50)
	}
	return math.Min(conf, 0.95)
}

// Lookup resolves a strategy name or id to a fresh source with default
// parameters.
func Lookup(name string) (SignalSource, error) {
	switch name {
	case "", "ema-cross", "ema-cross@v1":
		return NewEMACross(Params{}), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
