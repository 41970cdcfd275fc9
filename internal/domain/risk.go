package domain

import "math"

// FloorQty truncates an order quantity to four decimal places. Sizing
// always rounds down so the placed quantity never exceeds the risk budget.
func FloorQty(q float64) float64 {
	return math.Floor(q*1e4) / 1e4
}

// TrailingConfig parameterizes a trailing stop: the stop activates after
// price moves ActivationPct in the trade's favor, then follows at TrailPct.
type TrailingConfig struct {
	ActivationPct float64 `json:"activation_pct"`
	TrailPct      float64 `json:"trail_pct"`
}

// RiskDecision is the sizing verdict for one proposed entry. SizeQty == 0
// means the entry is rejected; Reason says why.
type RiskDecision struct {
	SizeQty    float64         `json:"size_qty"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
	Leverage   int             `json:"leverage"`
	RiskAmount float64         `json:"risk_amount"`
	RiskPct    float64         `json:"risk_pct"`
	Trailing   *TrailingConfig `json:"trailing,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Rejected reports whether the decision declines the entry.
func (d RiskDecision) Rejected() bool {
	return d.SizeQty <= 0
}

// RejectRisk builds a rejection decision with a reason.
func RejectRisk(reason string) RiskDecision {
	return RiskDecision{Reason: reason}
}
