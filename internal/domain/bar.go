package domain

import (
	"fmt"
	"strings"
)

// Symbol is an interned market identifier such as BTCUSDT.
type Symbol string

// NewSymbol normalizes s to the exchange's upper-case form.
func NewSymbol(s string) (Symbol, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return "", fmt.Errorf("empty symbol")
	}
	return Symbol(trimmed), nil
}

func (s Symbol) String() string {
	return string(s)
}

// Bar is a single immutable OHLCV candlestick. Timestamp is the
// exchange-aligned bucket start in epoch milliseconds.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Validate enforces the candlestick shape invariants.
func (b Bar) Validate() error {
	if b.Timestamp <= 0 {
		return fmt.Errorf("bar timestamp must be positive, got %d", b.Timestamp)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar high %.8f below open/close", b.High)
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("bar low %.8f above open/close", b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar volume %.8f negative", b.Volume)
	}
	return nil
}

// AlignedSeries is the subset of one symbol's bars whose timestamps are in
// the current master timeline, index-aligned across all symbols.
type AlignedSeries struct {
	Symbol    Symbol    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`
}

// Timestamps returns the series' timestamps in order.
func (a AlignedSeries) Timestamps() []int64 {
	out := make([]int64, len(a.Bars))
	for i, b := range a.Bars {
		out[i] = b.Timestamp
	}
	return out
}
