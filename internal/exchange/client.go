// Package exchange defines the capability surface the platform needs from a
// perpetual-futures venue: historical candles, order placement, balances and
// live candle streams. Implementations live in subpackages.
package exchange

import (
	"context"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// OrderType is the subset of venue order types the platform places.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForceGTC is the only time-in-force the platform uses.
const TimeInForceGTC = "GTC"

// OrderRequest describes one order to place. ClientOrderID must be honored
// by the venue for idempotent submission.
type OrderRequest struct {
	Symbol        domain.Symbol
	Side          domain.Side
	Type          OrderType
	Qty           float64
	Price         float64
	ClientOrderID string
	TimeInForce   string
}

// OrderAck is the venue's acceptance of an order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Fees          float64
	Status        string
}

// AssetBalance is one currency's balance split.
type AssetBalance struct {
	Free  float64
	Used  float64
	Total float64
}

// Subscription is a live candle feed for one (symbol, timeframe) topic.
// Bars delivers closed candles in order; Close is idempotent.
type Subscription interface {
	Bars() <-chan domain.Bar
	Err() <-chan error
	Close() error
}

// Client is the exchange capability consumed by the data and order layers.
type Client interface {
	// FetchOHLCV returns up to limit bars in ascending time order, starting
	// at sinceMS inclusive.
	FetchOHLCV(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, sinceMS int64, limit int) ([]domain.Bar, error)

	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string, symbol domain.Symbol) error

	// FetchBalance returns per-currency balances.
	FetchBalance(ctx context.Context) (map[string]AssetBalance, error)

	// StreamCandles opens a live subscription with automatic reconnect.
	StreamCandles(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (Subscription, error)
}
