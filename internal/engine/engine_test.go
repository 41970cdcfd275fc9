package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
)

type stubSizer struct {
	decision domain.RiskDecision
}

func (s *stubSizer) CalculatePositionSize(price, atr, balance, stopLossPct, confidence float64) domain.RiskDecision {
	return s.decision
}

type stubExec struct {
	mu          sync.Mutex
	fills       []domain.TradeRecord
	fillReason  string
	balance     float64
	balanceErr  error
	pendingHits []domain.TradeRecord
	closedAll   []domain.TradeRecord
}

func (s *stubExec) ExecuteOrder(_ context.Context, symbol domain.Symbol, side domain.Side, decision domain.RiskDecision, price, confidence float64) (*domain.TradeRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fillReason != "" {
		return nil, s.fillReason, nil
	}
	trade := domain.TradeRecord{
		TradeID:    "T-1",
		Symbol:     symbol,
		Side:       side,
		SizeQty:    decision.SizeQty,
		EntryPrice: price,
		EntryTime:  time.Now().UTC(),
		Status:     domain.TradeFilled,
		Confidence: confidence,
	}
	s.fills = append(s.fills, trade)
	return &trade, "", nil
}

func (s *stubExec) CheckStopLossTakeProfit(context.Context, domain.Symbol, float64) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hits := s.pendingHits
	s.pendingHits = nil
	return hits, nil
}

func (s *stubExec) CloseAll(_ context.Context, _ map[domain.Symbol]float64, reason domain.ExitReason) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.closedAll {
		s.closedAll[i].ExitReason = reason
	}
	return s.closedAll, nil
}

func (s *stubExec) OpenTrades() []domain.TradeRecord { return nil }

func (s *stubExec) Balance(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.balanceErr
}

func (s *stubExec) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

func acceptAll() *stubSizer {
	return &stubSizer{decision: domain.RiskDecision{
		SizeQty:    0.01,
		StopLoss:   49000,
		TakeProfit: 52000,
		Leverage:   1,
	}}
}

func testEngine(exec *stubExec, sizer RiskSizer, opts ...GuardOption) *Engine {
	cfg := config.TradingSection{
		Mode:               "paper",
		MinConfidence:      0.6,
		MaxTradesPerBar:    1,
		CircuitBreakerLoss: 0.05,
	}
	return New(cfg, NewGuards(opts...), sizer, exec)
}

func buyReq(barTS int64, confidence float64) RouteRequest {
	return RouteRequest{
		Symbol:  "BTCUSDT",
		Signal:  domain.Signal{Action: domain.ActionBuy, Confidence: confidence},
		Price:   50000,
		ATR:     500,
		Balance: 10000,
		BarTS:   barTS,
	}
}

func TestRouteSignalHoldIsNoOp(t *testing.T) {
	exec := &stubExec{balance: 10000}
	e := testEngine(exec, acceptAll())

	out, err := e.RouteSignal(context.Background(), RouteRequest{
		Symbol: "BTCUSDT",
		Signal: domain.Signal{Action: domain.ActionHold},
		Price:  50000,
		BarTS:  1000,
	})
	require.NoError(t, err)
	assert.False(t, out.Rejected)
	assert.Nil(t, out.Trade)
	assert.Zero(t, exec.fillCount())
}

func TestRouteSignalAntiDuplicate(t *testing.T) {
	ctx := context.Background()
	exec := &stubExec{balance: 10000}
	e := testEngine(exec, acceptAll())

	const barTS = int64(1_700_000_000_000)

	out, err := e.RouteSignal(ctx, buyReq(barTS, 0.8))
	require.NoError(t, err)
	require.NotNil(t, out.Trade)

	// Second BUY on the same bar exhausts the per-side budget.
	out, err = e.RouteSignal(ctx, buyReq(barTS, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, ReasonMaxTradesPerBar, out.Reason)

	// The opposite side on the same bar is still allowed.
	sell := buyReq(barTS, 0.8)
	sell.Signal.Action = domain.ActionSell
	out, err = e.RouteSignal(ctx, sell)
	require.NoError(t, err)
	assert.False(t, out.Rejected)
	require.NotNil(t, out.Trade)
	assert.Equal(t, domain.SideSell, out.Trade.Side)

	// Advancing the bar clears the counters.
	out, err = e.RouteSignal(ctx, buyReq(barTS+60_000, 0.8))
	require.NoError(t, err)
	assert.False(t, out.Rejected)

	assert.Equal(t, 3, exec.fillCount())
}

func TestRouteSignalDuplicateBeforeBudget(t *testing.T) {
	ctx := context.Background()
	exec := &stubExec{balance: 10000}
	cfg := config.TradingSection{MinConfidence: 0.6, MaxTradesPerBar: 2, CircuitBreakerLoss: 0.05}
	e := New(cfg, NewGuards(), acceptAll(), exec)

	const barTS = int64(1_700_000_000_000)

	out, err := e.RouteSignal(ctx, buyReq(barTS, 0.8))
	require.NoError(t, err)
	require.NotNil(t, out.Trade)

	// Budget allows two, but an identical (side, bar) signal is a replay.
	out, err = e.RouteSignal(ctx, buyReq(barTS, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, ReasonDuplicateSignal, out.Reason)
}

func TestRouteSignalConfidenceFloor(t *testing.T) {
	exec := &stubExec{balance: 10000}
	e := testEngine(exec, acceptAll())

	out, err := e.RouteSignal(context.Background(), buyReq(1000, 0.5))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, ReasonLowConfidence, out.Reason)
}

func TestRouteSignalRiskRejection(t *testing.T) {
	exec := &stubExec{balance: 10000}
	e := testEngine(exec, &stubSizer{decision: domain.RejectRisk("daily loss limit reached")})

	out, err := e.RouteSignal(context.Background(), buyReq(1000, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Contains(t, out.Reason, "risk: daily loss limit")
	assert.Zero(t, exec.fillCount())
}

func TestRouteSignalOrderRejection(t *testing.T) {
	exec := &stubExec{balance: 10000, fillReason: "insufficient balance"}
	e := testEngine(exec, acceptAll())

	out, err := e.RouteSignal(context.Background(), buyReq(1000, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Contains(t, out.Reason, "order: insufficient balance")

	// A rejected order must not count against the per-bar budget.
	exec.fillReason = ""
	out, err = e.RouteSignal(context.Background(), buyReq(1000, 0.8))
	require.NoError(t, err)
	assert.False(t, out.Rejected)
}

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	exec := &stubExec{balance: 10000}
	e := testEngine(exec, acceptAll(), WithGuardClock(clock))

	// Five $100 losses reach the 5% threshold on a $10k balance.
	for i := 0; i < 5; i++ {
		exec.mu.Lock()
		exec.pendingHits = []domain.TradeRecord{{TradeID: "L", PnL: -100}}
		exec.mu.Unlock()
		closed, err := e.CheckOpenTrades(ctx, "BTCUSDT", 50000)
		require.NoError(t, err)
		require.Len(t, closed, 1)
	}
	assert.InDelta(t, -500, e.Guards().DailyPnL(), 1e-9)

	out, err := e.RouteSignal(ctx, buyReq(1000, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, ReasonCircuitBreaker, out.Reason)
	assert.True(t, e.Guards().Tripped())

	// Exits keep flowing while the breaker is latched.
	exec.mu.Lock()
	exec.pendingHits = []domain.TradeRecord{{TradeID: "W", PnL: 40}}
	exec.mu.Unlock()
	closed, err := e.CheckOpenTrades(ctx, "BTCUSDT", 50000)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	// Entries stay blocked for the rest of the day.
	out, err = e.RouteSignal(ctx, buyReq(2000, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)

	// The day rollover resets the breaker and the loss counter.
	clockMu.Lock()
	now = now.Add(24 * time.Hour)
	clockMu.Unlock()

	assert.False(t, e.Guards().Tripped())
	assert.Zero(t, e.Guards().DailyPnL())

	out, err = e.RouteSignal(ctx, buyReq(3000, 0.8))
	require.NoError(t, err)
	assert.False(t, out.Rejected)
	require.NotNil(t, out.Trade)
}

func TestCheckOpenTradesFoldsLossesOnly(t *testing.T) {
	exec := &stubExec{balance: 10000}
	e := testEngine(exec, acceptAll())

	exec.pendingHits = []domain.TradeRecord{
		{TradeID: "W", PnL: 120},
		{TradeID: "L", PnL: -80},
	}
	closed, err := e.CheckOpenTrades(context.Background(), "BTCUSDT", 50000)
	require.NoError(t, err)
	assert.Len(t, closed, 2)
	assert.InDelta(t, -80, e.Guards().DailyPnL(), 1e-9)
}

func TestEmergencyCloseTripsBreaker(t *testing.T) {
	exec := &stubExec{
		balance:   10000,
		closedAll: []domain.TradeRecord{{TradeID: "T-1"}, {TradeID: "T-2"}},
	}
	e := testEngine(exec, acceptAll())

	closed, err := e.EmergencyClose(context.Background(), map[domain.Symbol]float64{"BTCUSDT": 50000})
	require.NoError(t, err)
	assert.Len(t, closed, 2)
	for _, rec := range closed {
		assert.Equal(t, domain.ExitCircuitBreaker, rec.ExitReason)
	}
	assert.True(t, e.Guards().Tripped())

	out, err := e.RouteSignal(context.Background(), buyReq(1000, 0.8))
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, ReasonCircuitBreaker, out.Reason)
}
