// Package risk sizes entries and enforces account-level loss limits. Every
// verdict is a value: a zero-size decision with a reason, never an error.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
)

// Trailing-stop defaults attached to every accepted decision: the stop arms
// after a 1% favorable move and then follows price at 0.5%.
const (
	trailingActivationPct = 0.01
	trailingTrailPct      = 0.005
)

// takeProfitRR fixes reward at twice the stop distance.
const takeProfitRR = 2.0

// liveFuturesLeverageCap bounds leverage regardless of configuration.
const liveFuturesLeverageCap = 3

// GuardView is the execution engine's read-only guard snapshot. DailyPnL is
// the running realized result for the current UTC day, losses negative.
type GuardView interface {
	DailyPnL() float64
}

// Manager computes position sizes under the configured limits.
type Manager struct {
	maxRiskPerTrade float64
	maxDailyLossPct float64
	maxDrawdownPct  float64
	maxLeverage     int

	liveFutures bool
	guards      GuardView
}

// Option tunes the manager.
type Option func(*Manager)

// WithGuards wires the engine's daily-PnL view into the limit checks.
func WithGuards(view GuardView) Option {
	return func(m *Manager) { m.guards = view }
}

// WithLiveFutures enables leveraged sizing for live futures accounts.
func WithLiveFutures(live bool) Option {
	return func(m *Manager) { m.liveFutures = live }
}

// New creates a manager from the risk section. guards may stay unset for
// backtests, in which case daily limits pass vacuously.
func New(cfg config.RiskSection, opts ...Option) *Manager {
	m := &Manager{
		maxRiskPerTrade: cfg.MaxRiskPerTrade,
		maxDailyLossPct: cfg.MaxDailyLossPct,
		maxDrawdownPct:  cfg.MaxDrawdownPct,
		maxLeverage:     cfg.MaxLeverage,
	}
	if m.maxRiskPerTrade <= 0 {
		m.maxRiskPerTrade = 0.02
	}
	if m.maxDailyLossPct <= 0 {
		m.maxDailyLossPct = 0.05
	}
	if m.maxDrawdownPct <= 0 {
		m.maxDrawdownPct = 0.10
	}
	if m.maxLeverage < 1 {
		m.maxLeverage = 1
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CalculatePositionSize sizes one proposed entry. The budget is
// balance·maxRiskPerTrade scaled by confidence, throttled by volatility
// (ATR relative to price) and capped at half the balance in notional.
func (m *Manager) CalculatePositionSize(price, atr, balance, stopLossPct, confidence float64) domain.RiskDecision {
	if price <= 0 || atr <= 0 || balance <= 0 || stopLossPct <= 0 || confidence <= 0 {
		return domain.RejectRisk("non-positive sizing input")
	}
	if reason, ok := m.CheckDailyLimits(balance); !ok {
		return domain.RejectRisk(reason)
	}

	baseRisk := balance * m.maxRiskPerTrade
	adjustedRisk := baseRisk * confidence

	riskPerUnit := price * stopLossPct
	if riskPerUnit <= 0 {
		return domain.RejectRisk("zero risk per unit")
	}
	size := adjustedRisk / riskPerUnit

	volFactor := math.Min(1, 0.5/(atr/price))
	size *= volFactor

	maxNotionalSize := 0.5 * balance / price
	size = math.Min(size, maxNotionalSize)

	size = domain.FloorQty(size)
	if size <= 0 {
		return domain.RejectRisk("size rounds to zero")
	}

	riskAmount := size * riskPerUnit
	decision := domain.RiskDecision{
		SizeQty:    size,
		StopLoss:   price * (1 - stopLossPct),
		TakeProfit: price * (1 + takeProfitRR*stopLossPct),
		Leverage:   m.leverage(),
		RiskAmount: riskAmount,
		RiskPct:    riskAmount / balance,
		Trailing: &domain.TrailingConfig{
			ActivationPct: trailingActivationPct,
			TrailPct:      trailingTrailPct,
		},
	}

	log.Debug().
		Float64("price", price).
		Float64("size", decision.SizeQty).
		Float64("risk_amount", decision.RiskAmount).
		Float64("vol_factor", volFactor).
		Int("leverage", decision.Leverage).
		Msg("Position sized")
	return decision
}

// CheckDailyLimits verifies the day's realized PnL against the loss and
// drawdown ceilings. ok=false comes with the failing limit's reason.
func (m *Manager) CheckDailyLimits(balance float64) (reason string, ok bool) {
	if m.guards == nil || balance <= 0 {
		return "", true
	}
	dailyPnL := m.guards.DailyPnL()
	if dailyPnL < -balance*m.maxDailyLossPct {
		return fmt.Sprintf("daily loss limit reached (%.2f of %.2f allowed)",
			-dailyPnL, balance*m.maxDailyLossPct), false
	}
	if dailyPnL < -balance*m.maxDrawdownPct {
		return fmt.Sprintf("drawdown limit reached (%.2f of %.2f allowed)",
			-dailyPnL, balance*m.maxDrawdownPct), false
	}
	return "", true
}

// leverage returns the account leverage: live futures trade up to the
// configured cap (never above 3), everything else stays at 1x.
func (m *Manager) leverage() int {
	if !m.liveFutures {
		return 1
	}
	if m.maxLeverage < liveFuturesLeverageCap {
		return m.maxLeverage
	}
	return liveFuturesLeverageCap
}
