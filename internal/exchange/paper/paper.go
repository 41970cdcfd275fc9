// Package paper provides a deterministic in-memory exchange for paper
// trading and tests. Candles are synthesized from a seeded hash so the same
// (symbol, timeframe, timestamp) always yields the same bar.
package paper

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

const maxBarsPerFetch = 1000

// Exchange is a deterministic exchange.Client. Safe for concurrent use.
type Exchange struct {
	mu         sync.Mutex
	seed       uint32
	start      int64 // earliest synthesized bar, unix ms
	balances   map[string]exchange.AssetBalance
	openOrders map[string]exchange.OrderRequest // by venue order id
	acks       map[string]exchange.OrderAck     // by client order id
	scripted   map[string][]error               // queued failures by op
	interval   time.Duration                    // stream tick override for tests
	nowFunc    func() time.Time
}

var _ exchange.Client = (*Exchange)(nil)

// Option configures the paper exchange.
type Option func(*Exchange)

// WithBalance seeds an asset balance.
func WithBalance(asset string, free float64) Option {
	return func(e *Exchange) {
		e.balances[asset] = exchange.AssetBalance{Free: free, Total: free}
	}
}

// WithStart sets the earliest timestamp bars exist for.
func WithStart(unixMS int64) Option {
	return func(e *Exchange) { e.start = unixMS }
}

// WithSeed changes the synthesis seed.
func WithSeed(seed uint32) Option {
	return func(e *Exchange) { e.seed = seed }
}

// WithStreamInterval overrides the stream tick, letting tests run candle
// streams at millisecond pace.
func WithStreamInterval(d time.Duration) Option {
	return func(e *Exchange) { e.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.nowFunc = now }
}

// New creates a paper exchange with a 10k USDT wallet and two years of
// synthesized history.
func New(opts ...Option) *Exchange {
	e := &Exchange{
		seed:       42,
		balances:   map[string]exchange.AssetBalance{"USDT": {Free: 10000, Total: 10000}},
		openOrders: make(map[string]exchange.OrderRequest),
		acks:       make(map[string]exchange.OrderAck),
		scripted:   make(map[string][]error),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.start == 0 {
		e.start = e.nowFunc().AddDate(-2, 0, 0).UnixMilli()
	}
	return e
}

// FailNext queues an error for the next call of op ("fetch_ohlcv",
// "create_order", "cancel_order", "fetch_balance"). Queued errors pop FIFO.
func (e *Exchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripted[op] = append(e.scripted[op], err)
}

func (e *Exchange) popScripted(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.scripted[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	e.scripted[op] = queue[1:]
	return err
}

// FetchOHLCV synthesizes ascending bars from sinceMS inclusive.
func (e *Exchange) FetchOHLCV(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, sinceMS int64, limit int) ([]domain.Bar, error) {
	if err := e.popScripted("fetch_ohlcv"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, exchange.NewError(exchange.KindNetwork, "fetch_ohlcv", err)
	}
	if !tf.Valid() {
		return nil, exchange.Errorf(exchange.KindInvalidOrder, "fetch_ohlcv", "unsupported timeframe %q", tf)
	}
	if limit <= 0 || limit > maxBarsPerFetch {
		limit = maxBarsPerFetch
	}

	step := tf.Millis()
	from := tf.Truncate(sinceMS)
	if from < sinceMS {
		from += step
	}
	if from < e.start {
		from = tf.Truncate(e.start)
		if from < e.start {
			from += step
		}
	}
	last := tf.Truncate(e.nowFunc().UnixMilli()) - step // only closed bars

	bars := make([]domain.Bar, 0, limit)
	for ts := from; ts <= last && len(bars) < limit; ts += step {
		bars = append(bars, e.Bar(symbol, tf, ts))
	}
	return bars, nil
}

// Bar synthesizes the closed bar opening at ts.
func (e *Exchange) Bar(symbol domain.Symbol, tf domain.Timeframe, ts int64) domain.Bar {
	base := basePrice(symbol)

	// Layered cycles give trends across days with noise within hours.
	daily := math.Sin(float64(ts)/float64(24*time.Hour.Milliseconds()) * 2 * math.Pi)
	weekly := math.Sin(float64(ts)/float64(7*24*time.Hour.Milliseconds()) * 2 * math.Pi)
	mid := base * (1 + 0.04*daily + 0.08*weekly)

	rng := newRNG(e.seed, fmt.Sprintf("%s-%s-%d", symbol, tf, ts))
	jitter := func(scale float64) float64 { return (rng.Float64() - 0.5) * scale }

	open := mid * (1 + jitter(0.004))
	closePx := mid * (1 + jitter(0.004))
	high := math.Max(open, closePx) * (1 + rng.Float64()*0.003)
	low := math.Min(open, closePx) * (1 - rng.Float64()*0.003)
	volume := 500 + rng.Float64()*1500

	return domain.Bar{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
	}
}

// CreateOrder acks instantly. Repeating a ClientOrderID returns the original
// ack instead of opening a second order.
func (e *Exchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if err := e.popScripted("create_order"); err != nil {
		return exchange.OrderAck{}, err
	}
	if err := ctx.Err(); err != nil {
		return exchange.OrderAck{}, exchange.NewError(exchange.KindNetwork, "create_order", err)
	}
	if req.Qty <= 0 {
		return exchange.OrderAck{}, exchange.Errorf(exchange.KindInvalidOrder, "create_order", "non-positive qty %.8f", req.Qty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if ack, ok := e.acks[req.ClientOrderID]; ok {
			return ack, nil
		}
	}

	ack := exchange.OrderAck{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
	}
	e.openOrders[ack.OrderID] = req
	if req.ClientOrderID != "" {
		e.acks[req.ClientOrderID] = ack
	}
	return ack, nil
}

// CancelOrder drops a previously acked order.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol domain.Symbol) error {
	if err := e.popScripted("cancel_order"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return exchange.NewError(exchange.KindNetwork, "cancel_order", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.openOrders[orderID]; !ok {
		return exchange.Errorf(exchange.KindInvalidOrder, "cancel_order", "unknown order %s", orderID)
	}
	delete(e.openOrders, orderID)
	return nil
}

// FetchBalance returns a copy of the wallet.
func (e *Exchange) FetchBalance(ctx context.Context) (map[string]exchange.AssetBalance, error) {
	if err := e.popScripted("fetch_balance"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, exchange.NewError(exchange.KindNetwork, "fetch_balance", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]exchange.AssetBalance, len(e.balances))
	for asset, bal := range e.balances {
		out[asset] = bal
	}
	return out, nil
}

// OpenOrders reports how many orders are resting. Test helper.
func (e *Exchange) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.openOrders)
}

// StreamCandles emits one synthesized closed bar per timeframe interval.
func (e *Exchange) StreamCandles(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (exchange.Subscription, error) {
	if !tf.Valid() {
		return nil, exchange.Errorf(exchange.KindInvalidOrder, "stream_candles", "unsupported timeframe %q", tf)
	}

	tick := e.interval
	if tick == 0 {
		tick = tf.Interval()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		bars:   make(chan domain.Bar, 16),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		next := tf.Truncate(e.nowFunc().UnixMilli())
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				bar := e.Bar(symbol, tf, next)
				next += tf.Millis()
				select {
				case s.bars <- bar:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()
	return s, nil
}

type stream struct {
	bars      chan domain.Bar
	errs      chan error
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Bars() <-chan domain.Bar { return s.bars }
func (s *stream) Err() <-chan error       { return s.errs }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		close(s.bars)
		close(s.errs)
	})
	return nil
}

// basePrice anchors each symbol's synthetic price level.
func basePrice(symbol domain.Symbol) float64 {
	prices := map[string]float64{
		"BTCUSDT": 50000.0,
		"ETHUSDT": 3000.0,
		"BNBUSDT": 400.0,
		"SOLUSDT": 100.0,
		"XRPUSDT": 0.60,
		"ADAUSDT": 1.20,
	}
	if price, ok := prices[strings.ToUpper(symbol.String())]; ok {
		return price
	}

	hasher := fnv.New32a()
	hasher.Write([]byte(symbol))
	return 1 + float64(hasher.Sum32()%10000)/100.0
}

// rng is a seeded LCG, cheap and reproducible.
type rng struct {
	state uint32
}

func newRNG(seed uint32, key string) *rng {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return &rng{state: hasher.Sum32() ^ seed}
}

func (r *rng) Float64() float64 {
	r.state = r.state*1103515245 + 12345
	return float64(r.state%10000) / 10000.0
}
