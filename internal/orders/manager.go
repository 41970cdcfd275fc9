// Package orders turns accepted risk decisions into fills and tracks every
// open position until exit. Paper mode settles against an internal balance;
// live mode routes to the venue and keeps the same books.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

// quoteCurrency is the settlement currency for balances and PnL.
const quoteCurrency = "USDT"

// orderAttempts bounds venue retries for a single order submission. The
// client order id keeps resubmission idempotent.
const orderAttempts = 3

// clientOrderPrefix tags every order this process places on the venue.
const clientOrderPrefix = "bot_"

// Venue is the slice of exchange capability the order layer consumes.
type Venue interface {
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string, symbol domain.Symbol) error
	FetchBalance(ctx context.Context) (map[string]exchange.AssetBalance, error)
}

// TradeStore persists trade lifecycles.
type TradeStore interface {
	Insert(ctx context.Context, trade domain.TradeRecord) error
	Update(ctx context.Context, trade domain.TradeRecord) error
	ListOpen(ctx context.Context) ([]domain.TradeRecord, error)
}

// position is one live holding plus its trailing-stop state. Trailing arms
// only after price strictly exceeds the activation level, and never on the
// first tick seen after entry.
type position struct {
	trade        domain.TradeRecord
	trailing     *domain.TrailingConfig
	armed        bool
	trailingStop float64
	seenTick     bool
	margin       float64
	venueOrderID string
}

// Manager owns order submission, position tracking and exit handling.
type Manager struct {
	live       bool
	commission float64

	venue Venue
	store TradeStore

	clock func() time.Time
	ids   func() string

	mu      sync.Mutex
	balance float64
	open    map[string]*position
}

// Option tunes the manager.
type Option func(*Manager)

// WithVenue wires the live venue. Required when the trading mode is live.
func WithVenue(v Venue) Option {
	return func(m *Manager) { m.venue = v }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithIDSource overrides trade-id generation for tests.
func WithIDSource(ids func() string) Option {
	return func(m *Manager) { m.ids = ids }
}

// New creates an order manager for the configured trading mode.
func New(cfg config.TradingSection, store TradeStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("order manager requires a trade store")
	}
	m := &Manager{
		live:       strings.EqualFold(cfg.Mode, "live"),
		commission: cfg.CommissionRate,
		store:      store,
		clock:      time.Now,
		ids:        uuid.NewString,
		balance:    cfg.InitialBalance,
		open:       make(map[string]*position),
	}
	if m.commission <= 0 {
		m.commission = 0.0004
	}
	if m.balance <= 0 {
		m.balance = 10000
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.live && m.venue == nil {
		return nil, fmt.Errorf("live trading requires a venue")
	}
	return m, nil
}

// ExecuteOrder opens a position for an accepted risk decision. The three
// outcomes are a fill, a rejection with a reason, or an error; rejections
// (insufficient balance, venue refusals) are not errors.
func (m *Manager) ExecuteOrder(ctx context.Context, symbol domain.Symbol, side domain.Side, decision domain.RiskDecision, price, confidence float64) (*domain.TradeRecord, string, error) {
	if decision.Rejected() {
		return nil, decision.Reason, nil
	}
	if price <= 0 {
		return nil, "non-positive price", nil
	}

	lev := decision.Leverage
	if lev < 1 {
		lev = 1
	}
	stopLoss, takeProfit := entryLevels(side, price, decision)

	trade := domain.TradeRecord{
		TradeID:    m.ids(),
		Symbol:     symbol,
		Side:       side,
		SizeQty:    decision.SizeQty,
		EntryPrice: price,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Leverage:   lev,
		EntryTime:  m.clock().UTC(),
		Status:     domain.TradeFilled,
		Confidence: confidence,
	}
	margin := decision.SizeQty * price / float64(lev)

	var venueOrderID string
	if m.live {
		ack, reason, err := m.placeLive(ctx, symbol, side, exchange.OrderTypeLimit, decision.SizeQty, price, clientOrderPrefix+trade.TradeID)
		if err != nil {
			return nil, "", err
		}
		if reason != "" {
			return nil, reason, nil
		}
		venueOrderID = ack.OrderID
		trade.Fees = ack.Fees
		if trade.Fees <= 0 {
			trade.Fees = decision.SizeQty * price * m.commission
		}
	} else {
		fee := decision.SizeQty * price * m.commission
		m.mu.Lock()
		need := margin + fee
		if m.balance < need {
			have := m.balance
			m.mu.Unlock()
			return nil, fmt.Sprintf("insufficient balance: need %.2f %s, have %.2f", need, quoteCurrency, have), nil
		}
		m.balance -= need
		m.mu.Unlock()
		trade.Fees = fee
	}

	if err := m.store.Insert(ctx, trade); err != nil {
		if !m.live {
			m.mu.Lock()
			m.balance += margin + trade.Fees
			m.mu.Unlock()
		}
		return nil, "", fmt.Errorf("failed to persist trade %s: %w", trade.TradeID, err)
	}

	m.mu.Lock()
	m.open[trade.TradeID] = &position{
		trade:        trade,
		trailing:     decision.Trailing,
		margin:       margin,
		venueOrderID: venueOrderID,
	}
	m.mu.Unlock()

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", string(symbol)).
		Str("side", string(side)).
		Float64("qty", trade.SizeQty).
		Float64("price", price).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("Order filled")
	return &trade, "", nil
}

// CheckStopLossTakeProfit evaluates every open position on symbol at the
// latest price and closes the ones whose stop, trailing stop or target
// triggered. Closed trades are returned in entry order.
func (m *Manager) CheckStopLossTakeProfit(ctx context.Context, symbol domain.Symbol, price float64) ([]domain.TradeRecord, error) {
	if price <= 0 {
		return nil, nil
	}

	type hit struct {
		rec     domain.TradeRecord
		venueID string
	}

	m.mu.Lock()
	var hits []hit
	for id, pos := range m.open {
		if pos.trade.Symbol != symbol {
			continue
		}
		reason, exitPrice, triggered := pos.evaluate(price)
		if !triggered {
			continue
		}
		delete(m.open, id)
		hits = append(hits, hit{rec: m.settleLocked(pos, exitPrice, reason), venueID: pos.venueOrderID})
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].rec.EntryTime.Before(hits[j].rec.EntryTime) })

	var closed []domain.TradeRecord
	for _, h := range hits {
		m.flattenLive(ctx, h.rec)
		if err := m.store.Update(ctx, h.rec); err != nil {
			return closed, fmt.Errorf("failed to persist close for trade %s: %w", h.rec.TradeID, err)
		}
		closed = append(closed, h.rec)
		log.Info().
			Str("trade_id", h.rec.TradeID).
			Str("symbol", string(symbol)).
			Str("reason", string(h.rec.ExitReason)).
			Float64("exit_price", h.rec.ExitPrice).
			Float64("pnl", h.rec.PnL).
			Msg("Position closed")
	}
	return closed, nil
}

// CloseTrade closes one open position at the given price. A non-positive
// price closes at the entry price.
func (m *Manager) CloseTrade(ctx context.Context, tradeID string, price float64, reason domain.ExitReason) (domain.TradeRecord, error) {
	m.mu.Lock()
	pos, ok := m.open[tradeID]
	if !ok {
		m.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("trade %s is not open", tradeID)
	}
	delete(m.open, tradeID)
	if price <= 0 {
		price = pos.trade.EntryPrice
	}
	rec := m.settleLocked(pos, price, reason)
	m.mu.Unlock()

	m.flattenLive(ctx, rec)
	if err := m.store.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to persist close for trade %s: %w", tradeID, err)
	}
	log.Info().
		Str("trade_id", rec.TradeID).
		Str("reason", string(reason)).
		Float64("pnl", rec.PnL).
		Msg("Position closed")
	return rec, nil
}

// CloseAll flattens every open position, using the supplied last prices.
// Symbols without a price close at their entry price. Closing continues past
// individual failures; the joined error reports them all.
func (m *Manager) CloseAll(ctx context.Context, prices map[domain.Symbol]float64, reason domain.ExitReason) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.open))
	venueOrders := make(map[string]domain.Symbol)
	for id, pos := range m.open {
		ids = append(ids, id)
		if pos.venueOrderID != "" {
			venueOrders[pos.venueOrderID] = pos.trade.Symbol
		}
	}
	m.mu.Unlock()

	if m.live {
		for orderID, symbol := range venueOrders {
			if err := m.venue.CancelOrder(ctx, orderID, symbol); err != nil {
				log.Debug().Err(err).Str("order_id", orderID).Msg("venue cancel during close-all")
			}
		}
	}

	sort.Strings(ids)
	var (
		closed []domain.TradeRecord
		errs   []error
	)
	for _, id := range ids {
		m.mu.Lock()
		pos, ok := m.open[id]
		var price float64
		if ok {
			price = prices[pos.trade.Symbol]
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		rec, err := m.CloseTrade(ctx, id, price, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, rec)
	}
	return closed, errors.Join(errs...)
}

// OpenTrades returns a snapshot of open positions in entry order.
func (m *Manager) OpenTrades() []domain.TradeRecord {
	m.mu.Lock()
	trades := make([]domain.TradeRecord, 0, len(m.open))
	for _, pos := range m.open {
		trades = append(trades, pos.trade)
	}
	m.mu.Unlock()
	sort.Slice(trades, func(i, j int) bool { return trades[i].EntryTime.Before(trades[j].EntryTime) })
	return trades
}

// Balance returns the free quote balance: the internal ledger in paper mode,
// the venue's total in live mode. Live fetches refresh the cached figure
// served by LastBalance.
func (m *Manager) Balance(ctx context.Context) (float64, error) {
	if m.live {
		balances, err := m.venue.FetchBalance(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch venue balance: %w", err)
		}
		total := balances[quoteCurrency].Total
		m.mu.Lock()
		m.balance = total
		m.mu.Unlock()
		return total, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

// LastBalance returns the most recently known quote balance without touching
// the venue. Status reporting uses it to stay cheap.
func (m *Manager) LastBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Restore reloads open positions from the store after a restart. Restored
// positions keep their static stops; trailing state is not persisted. Paper
// margin is re-escrowed so the free balance stays consistent.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	trades, err := m.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load open trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, trade := range trades {
		if _, exists := m.open[trade.TradeID]; exists {
			continue
		}
		lev := trade.Leverage
		if lev < 1 {
			lev = 1
		}
		margin := trade.SizeQty * trade.EntryPrice / float64(lev)
		if !m.live {
			m.balance -= margin
		}
		m.open[trade.TradeID] = &position{trade: trade, margin: margin}
		restored++
	}
	if restored > 0 {
		log.Info().Int("count", restored).Msg("Restored open positions")
	}
	return restored, nil
}

// settleLocked books the close of an already-removed position. Callers hold
// the manager lock.
func (m *Manager) settleLocked(pos *position, price float64, reason domain.ExitReason) domain.TradeRecord {
	t := pos.trade
	gross := (price - t.EntryPrice) * t.SizeQty * t.Side.Direction()
	exitFee := t.SizeQty * price * m.commission

	t.ExitPrice = price
	t.PnL = gross - t.Fees - exitFee
	t.Fees += exitFee
	if pos.margin > 0 {
		t.PnLPct = t.PnL / pos.margin
	}
	exitTime := m.clock().UTC()
	if exitTime.Before(t.EntryTime) {
		exitTime = t.EntryTime
	}
	t.ExitTime = &exitTime
	t.ExitReason = reason
	t.Status = domain.TradeClosed

	if !m.live {
		m.balance += pos.margin + gross - exitFee
	}
	return t
}

// flattenLive sends the closing market order on the venue. Failures are
// logged and do not block bookkeeping; the position is already off the books.
func (m *Manager) flattenLive(ctx context.Context, rec domain.TradeRecord) {
	if !m.live {
		return
	}
	_, reason, err := m.placeLive(ctx, rec.Symbol, rec.Side.Opposite(), exchange.OrderTypeMarket, rec.SizeQty, rec.ExitPrice, clientOrderPrefix+rec.TradeID+"_close")
	if err == nil && reason == "" {
		return
	}
	evt := log.Warn().Str("trade_id", rec.TradeID).Str("symbol", string(rec.Symbol))
	if err != nil {
		evt = evt.Err(err)
	} else {
		evt = evt.Str("reason", reason)
	}
	evt.Msg("Failed to flatten position on venue")
}

// placeLive submits one order with retry. Venue refusals that no retry can
// fix come back as a rejection reason instead of an error.
func (m *Manager) placeLive(ctx context.Context, symbol domain.Symbol, side domain.Side, typ exchange.OrderType, qty, price float64, clientID string) (exchange.OrderAck, string, error) {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Qty:           qty,
		Price:         price,
		ClientOrderID: clientID,
		TimeInForce:   exchange.TimeInForceGTC,
	}

	var ack exchange.OrderAck
	err := exchange.WithRetry(ctx, "create_order", orderAttempts, func() error {
		var callErr error
		ack, callErr = m.venue.CreateOrder(ctx, req)
		return callErr
	})
	if err != nil {
		switch exchange.KindOf(err) {
		case exchange.KindInsufficientFunds, exchange.KindInvalidOrder:
			return exchange.OrderAck{}, err.Error(), nil
		}
		return exchange.OrderAck{}, "", fmt.Errorf("failed to place %s %s order: %w", side, symbol, err)
	}
	return ack, "", nil
}

// entryLevels orients the stop and target around the entry for the side.
// Sizing emits long-shaped levels; sells mirror the distances.
func entryLevels(side domain.Side, price float64, decision domain.RiskDecision) (stopLoss, takeProfit float64) {
	if side == domain.SideBuy {
		return decision.StopLoss, decision.TakeProfit
	}
	slDist := price - decision.StopLoss
	tpDist := decision.TakeProfit - price
	return price + slDist, price - tpDist
}

// evaluate updates trailing state for one tick and reports whether an exit
// triggered. Exits fill at the crossed level, so a gap through the stop
// still exits at the stop price. The first tick after entry never arms the
// trailing stop, and arming requires price strictly beyond the activation
// level.
func (p *position) evaluate(price float64) (domain.ExitReason, float64, bool) {
	t := p.trade
	long := t.Side == domain.SideBuy

	if p.seenTick && p.trailing != nil {
		if long {
			if !p.armed && price > t.EntryPrice*(1+p.trailing.ActivationPct) {
				p.armed = true
				p.trailingStop = price * (1 - p.trailing.TrailPct)
			} else if p.armed {
				if s := price * (1 - p.trailing.TrailPct); s > p.trailingStop {
					p.trailingStop = s
				}
			}
		} else {
			if !p.armed && price < t.EntryPrice*(1-p.trailing.ActivationPct) {
				p.armed = true
				p.trailingStop = price * (1 + p.trailing.TrailPct)
			} else if p.armed {
				if s := price * (1 + p.trailing.TrailPct); s < p.trailingStop {
					p.trailingStop = s
				}
			}
		}
	}
	p.seenTick = true

	stop := t.StopLoss
	if p.armed {
		if long && p.trailingStop > stop {
			stop = p.trailingStop
		}
		if !long && (stop <= 0 || p.trailingStop < stop) {
			stop = p.trailingStop
		}
	}

	if long {
		if stop > 0 && price <= stop {
			return domain.ExitStopLoss, stop, true
		}
		if t.TakeProfit > 0 && price >= t.TakeProfit {
			return domain.ExitTakeProfit, t.TakeProfit, true
		}
	} else {
		if stop > 0 && price >= stop {
			return domain.ExitStopLoss, stop, true
		}
		if t.TakeProfit > 0 && price <= t.TakeProfit {
			return domain.ExitTakeProfit, t.TakeProfit, true
		}
	}
	return "", 0, false
}
