package domain

import (
	"fmt"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction returns +1 for BUY and -1 for SELL.
func (s Side) Direction() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "OPEN"
	TradeFilled    TradeStatus = "FILLED"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitTakeProfit     ExitReason = "TP"
	ExitStopLoss       ExitReason = "SL"
	ExitManual         ExitReason = "MANUAL"
	ExitCircuitBreaker ExitReason = "CIRCUIT_BREAKER"
)

// TradeRecord is the persisted unit of one position's lifecycle.
type TradeRecord struct {
	TradeID    string      `json:"trade_id" db:"trade_id"`
	Symbol     Symbol      `json:"symbol" db:"symbol"`
	Side       Side        `json:"side" db:"side"`
	SizeQty    float64     `json:"size_qty" db:"size_qty"`
	EntryPrice float64     `json:"entry_price" db:"entry_price"`
	ExitPrice  float64     `json:"exit_price" db:"exit_price"`
	StopLoss   float64     `json:"stop_loss" db:"stop_loss"`
	TakeProfit float64     `json:"take_profit" db:"take_profit"`
	Leverage   int         `json:"leverage" db:"leverage"`
	PnL        float64     `json:"pnl" db:"pnl"`
	PnLPct     float64     `json:"pnl_pct" db:"pnl_pct"`
	Fees       float64     `json:"fees" db:"fees"`
	EntryTime  time.Time   `json:"entry_time" db:"entry_time"`
	ExitTime   *time.Time  `json:"exit_time,omitempty" db:"exit_time"`
	ExitReason ExitReason  `json:"exit_reason,omitempty" db:"exit_reason"`
	Status     TradeStatus `json:"status" db:"status"`
	Confidence float64     `json:"confidence" db:"confidence"`
}

// Validate enforces lifecycle invariants on a record.
func (t TradeRecord) Validate() error {
	if t.TradeID == "" {
		return fmt.Errorf("trade with empty id")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade %s: invalid side %q", t.TradeID, t.Side)
	}
	if t.SizeQty <= 0 {
		return fmt.Errorf("trade %s: non-positive size %.8f", t.TradeID, t.SizeQty)
	}
	if t.ExitTime != nil && t.ExitTime.Before(t.EntryTime) {
		return fmt.Errorf("trade %s: exit before entry", t.TradeID)
	}
	return nil
}

// IsOpen reports whether the trade still holds a position.
func (t TradeRecord) IsOpen() bool {
	return t.Status == TradeOpen || t.Status == TradeFilled
}
