package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
)

// Rejection reasons surfaced through RouteOutcome. Risk and order refusals
// carry the downstream reason behind a "risk:" or "order:" prefix.
const (
	ReasonCircuitBreaker  = "circuit_breaker"
	ReasonMaxTradesPerBar = "max_trades_per_bar"
	ReasonDuplicateSignal = "duplicate_signal"
	ReasonLowConfidence   = "low_confidence"
)

// defaultStopLossPct is the stop distance used when a request leaves it
// unset.
const defaultStopLossPct = 0.02

// RiskSizer produces sizing decisions; the risk manager satisfies it.
type RiskSizer interface {
	CalculatePositionSize(price, atr, balance, stopLossPct, confidence float64) domain.RiskDecision
}

// OrderExecutor is the order-layer surface the engine drives.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, symbol domain.Symbol, side domain.Side, decision domain.RiskDecision, price, confidence float64) (*domain.TradeRecord, string, error)
	CheckStopLossTakeProfit(ctx context.Context, symbol domain.Symbol, price float64) ([]domain.TradeRecord, error)
	CloseAll(ctx context.Context, prices map[domain.Symbol]float64, reason domain.ExitReason) ([]domain.TradeRecord, error)
	OpenTrades() []domain.TradeRecord
	Balance(ctx context.Context) (float64, error)
}

// RouteRequest is one signal presented for execution. Balance may be left
// zero to have the engine read it from the order layer; StopLossPct may be
// left zero to take the default.
type RouteRequest struct {
	Symbol      domain.Symbol
	Signal      domain.Signal
	Price       float64
	ATR         float64
	Balance     float64
	BarTS       int64
	StopLossPct float64
}

// RouteOutcome reports what became of a routed signal. A HOLD produces the
// zero outcome: no trade and no rejection.
type RouteOutcome struct {
	Trade    *domain.TradeRecord
	Rejected bool
	Reason   string
}

// symbolState is per-symbol anti-duplicate bookkeeping. Its mutex also
// serializes routing for the symbol, so fills and counters stay atomic.
type symbolState struct {
	mu        sync.Mutex
	barTS     int64
	fills     map[domain.Side]int
	lastSide  domain.Side
	lastBarTS int64
	hasLast   bool
}

// Engine validates signals against the guards and routes the survivors
// through sizing into orders.
type Engine struct {
	trading config.TradingSection
	guards  *Guards
	risk    RiskSizer
	orders  OrderExecutor

	mu      sync.Mutex
	symbols map[domain.Symbol]*symbolState
}

// New wires the engine. The guards instance is shared with the risk manager
// so daily-loss limits and the circuit breaker see the same numbers.
func New(trading config.TradingSection, guards *Guards, sizer RiskSizer, exec OrderExecutor) *Engine {
	return &Engine{
		trading: trading,
		guards:  guards,
		risk:    sizer,
		orders:  exec,
		symbols: make(map[domain.Symbol]*symbolState),
	}
}

// Guards exposes the shared guard state.
func (e *Engine) Guards() *Guards { return e.guards }

// RouteSignal runs one signal through the guard chain and, if everything
// passes, opens a position. Guard refusals come back as rejections with a
// reason; only I/O failures return an error.
func (e *Engine) RouteSignal(ctx context.Context, req RouteRequest) (RouteOutcome, error) {
	side, actionable := req.Signal.Action.Side()
	if !actionable {
		return RouteOutcome{}, nil
	}
	if req.Price <= 0 {
		return RouteOutcome{Rejected: true, Reason: "non-positive price"}, nil
	}

	balance := req.Balance
	if balance <= 0 {
		var err error
		balance, err = e.orders.Balance(ctx)
		if err != nil {
			return RouteOutcome{}, fmt.Errorf("failed to read balance before routing: %w", err)
		}
	}

	if e.breakerBlocked(balance) {
		return e.reject(req.Symbol, ReasonCircuitBreaker), nil
	}

	st := e.state(req.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.barTS != req.BarTS {
		st.barTS = req.BarTS
		st.fills = make(map[domain.Side]int)
	}
	maxPerBar := e.trading.MaxTradesPerBar
	if maxPerBar <= 0 {
		maxPerBar = 1
	}
	if st.fills[side] >= maxPerBar {
		return e.reject(req.Symbol, ReasonMaxTradesPerBar), nil
	}
	if st.hasLast && st.lastSide == side && st.lastBarTS == req.BarTS {
		return e.reject(req.Symbol, ReasonDuplicateSignal), nil
	}
	if req.Signal.Confidence < e.trading.MinConfidence {
		return e.reject(req.Symbol, ReasonLowConfidence), nil
	}

	stopLossPct := req.StopLossPct
	if stopLossPct <= 0 {
		stopLossPct = defaultStopLossPct
	}
	decision := e.risk.CalculatePositionSize(req.Price, req.ATR, balance, stopLossPct, req.Signal.Confidence)
	if decision.Rejected() {
		return e.reject(req.Symbol, "risk: "+decision.Reason), nil
	}

	trade, reason, err := e.orders.ExecuteOrder(ctx, req.Symbol, side, decision, req.Price, req.Signal.Confidence)
	if err != nil {
		return RouteOutcome{}, err
	}
	if reason != "" {
		return e.reject(req.Symbol, "order: "+reason), nil
	}

	st.fills[side]++
	st.lastSide = side
	st.lastBarTS = req.BarTS
	st.hasLast = true
	return RouteOutcome{Trade: trade}, nil
}

// CheckOpenTrades sweeps stops and targets for symbol at the latest price.
// Losses fold into the daily guard totals.
func (e *Engine) CheckOpenTrades(ctx context.Context, symbol domain.Symbol, price float64) ([]domain.TradeRecord, error) {
	closed, err := e.orders.CheckStopLossTakeProfit(ctx, symbol, price)
	for _, rec := range closed {
		if rec.PnL < 0 {
			e.guards.RecordPnL(rec.PnL)
		}
	}
	return closed, err
}

// EmergencyClose trips the breaker and flattens every open position at the
// supplied last prices.
func (e *Engine) EmergencyClose(ctx context.Context, prices map[domain.Symbol]float64) ([]domain.TradeRecord, error) {
	e.guards.Trip()
	return e.orders.CloseAll(ctx, prices, domain.ExitCircuitBreaker)
}

// OpenTrades snapshots the positions currently held.
func (e *Engine) OpenTrades() []domain.TradeRecord {
	return e.orders.OpenTrades()
}

// Balance reads the account balance from the order layer.
func (e *Engine) Balance(ctx context.Context) (float64, error) {
	return e.orders.Balance(ctx)
}

// breakerBlocked reports whether entries are halted, latching the breaker
// when the day's losses reach the configured fraction of the balance.
func (e *Engine) breakerBlocked(balance float64) bool {
	if e.guards.Tripped() {
		return true
	}
	threshold := e.trading.CircuitBreakerLoss
	if threshold <= 0 {
		threshold = 0.05
	}
	loss := -e.guards.DailyPnL()
	if loss > 0 && loss >= balance*threshold {
		e.guards.Trip()
		return true
	}
	return false
}

func (e *Engine) state(symbol domain.Symbol) *symbolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		st = &symbolState{fills: make(map[domain.Side]int)}
		e.symbols[symbol] = st
	}
	return st
}

func (e *Engine) reject(symbol domain.Symbol, reason string) RouteOutcome {
	log.Debug().Str("symbol", string(symbol)).Str("reason", reason).Msg("Signal rejected")
	return RouteOutcome{Rejected: true, Reason: reason}
}
