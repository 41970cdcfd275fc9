package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/control"
	"github.com/cyclerun/cyclerun/internal/cycles"
	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/engine"
	"github.com/cyclerun/cyclerun/internal/exchange"
	"github.com/cyclerun/cyclerun/internal/exchange/binance"
	"github.com/cyclerun/cyclerun/internal/exchange/paper"
	"github.com/cyclerun/cyclerun/internal/history"
	"github.com/cyclerun/cyclerun/internal/metrics"
	"github.com/cyclerun/cyclerun/internal/orders"
	"github.com/cyclerun/cyclerun/internal/risk"
	"github.com/cyclerun/cyclerun/internal/store"
	"github.com/cyclerun/cyclerun/internal/strategy"
	"github.com/cyclerun/cyclerun/internal/syncer"
)

// repoTimeout bounds individual repository calls.
const repoTimeout = 10 * time.Second

// quoteAsset is the settlement currency of every configured pair.
const quoteAsset = "USDT"

// App owns the wired subsystems behind every command. One App serves either
// a single subcommand invocation or a whole interactive session. It satisfies
// control.Dispatcher, so the menu's orchestrator and the plain subcommands
// execute the same code paths.
type App struct {
	cfg     *config.Config
	offline bool

	store    *store.Manager
	bars     *store.OHLCVRepo
	trades   *store.TradesRepo
	sessions *store.SyncSessionsRepo
	results  *store.CycleResultsRepo

	venue      exchange.Client
	collector  *metrics.Collector
	aggregator *metrics.Aggregator
	cache      cycles.ResultCache

	mu      sync.Mutex
	session *tradeSession
}

var _ control.Dispatcher = (*App)(nil)

// tradeSession is the execution stack behind one StartTrading command. It
// outlives its context on purpose: an emergency stop must still reach the
// engine after the session's trader loop has been cancelled.
type tradeSession struct {
	mode   string
	engine *engine.Engine
	orders *orders.Manager
}

// newApp opens storage and wires the shared components. offline swaps the
// Binance client for the deterministic paper exchange.
func newApp(cfg *config.Config, offline bool) (*App, error) {
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	var venue exchange.Client
	if offline {
		venue = paper.New(paper.WithBalance(quoteAsset, cfg.Trading.InitialBalance))
		log.Info().Msg("Offline mode: synthetic market data, no network calls")
	} else {
		venue = binance.New(binance.Config{
			BaseURL:      cfg.Exchange.BaseURL,
			WSURL:        cfg.Exchange.WSURL,
			APIKey:       cfg.Exchange.APIKey,
			APISecret:    cfg.Exchange.APISecret,
			RateLimitRPS: cfg.Exchange.RateLimitRPS,
			OnReconnect:  collector.RecordStreamReconnect,
		})
	}

	return &App{
		cfg:        cfg,
		offline:    offline,
		store:      st,
		bars:       store.NewOHLCVRepo(st.DB(), repoTimeout),
		trades:     store.NewTradesRepo(st.DB(), repoTimeout),
		sessions:   store.NewSyncSessionsRepo(st.DB(), repoTimeout),
		results:    store.NewCycleResultsRepo(st.DB(), repoTimeout),
		venue:      venue,
		collector:  collector,
		aggregator: metrics.NewAggregator(0),
		cache:      cycles.NewAutoCache(cfg.Cache),
	}, nil
}

// Close releases storage.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) symbolsOrDefault(symbols []domain.Symbol) []domain.Symbol {
	if len(symbols) > 0 {
		return symbols
	}
	return a.cfg.SymbolList()
}

func (a *App) timeframesOrDefault(timeframes []domain.Timeframe) []domain.Timeframe {
	if len(timeframes) > 0 {
		return timeframes
	}
	return a.cfg.TimeframeList()
}

// EnsureHistory brings every pair up to the coverage policy and reports
// per-pair outcomes. Pair failures land in the report, not the error.
func (a *App) EnsureHistory(ctx context.Context, symbols []domain.Symbol, timeframes []domain.Timeframe, report control.Progress) (history.Report, error) {
	symbols = a.symbolsOrDefault(symbols)
	if len(timeframes) == 0 {
		timeframes = a.cfg.HistoricalTimeframes()
	}

	report("coverage", 0, fmt.Sprintf("checking %d pairs against %d years of history",
		len(symbols)*len(timeframes), a.cfg.Historical.Years))

	mgr := history.NewManager(a.venue, a.bars, a.cfg.Historical.Years, float64(a.cfg.Historical.MinCoverageDays))
	rep, err := mgr.EnsureData(ctx, symbols, timeframes)
	for _, item := range rep.Items {
		if item.Outcome == history.OutcomeFailed {
			a.collector.RecordExchangeError("fetch_ohlcv", "backfill_failed")
		}
	}
	if err != nil {
		return rep, err
	}

	report("backfill", 100, fmt.Sprintf("%d bars added across %d pairs, %d failures",
		rep.TotalBars, len(rep.Items), rep.Failures))
	return rep, nil
}

// AlignSymbols intersects the stored timestamp sets onto master timelines and
// persists one sync session per timeframe.
func (a *App) AlignSymbols(ctx context.Context, symbols []domain.Symbol, timeframes []domain.Timeframe, report control.Progress) (map[domain.Timeframe]*domain.MasterTimeline, error) {
	symbols = a.symbolsOrDefault(symbols)
	timeframes = a.timeframesOrDefault(timeframes)

	report("align", 0, fmt.Sprintf("intersecting %d symbols over %d timeframes", len(symbols), len(timeframes)))

	sync := syncer.New(a.bars, a.sessions)
	timelines, err := sync.Sync(ctx, symbols, timeframes)
	for tf, timeline := range timelines {
		a.collector.SetSyncQuality(tf, timeline.SyncQuality)
	}
	if err != nil {
		return timelines, err
	}

	report("align", 100, fmt.Sprintf("%d timelines ready", len(timelines)))
	return timelines, nil
}

// RunCycles aligns the configured universe, plans evaluation windows and runs
// them through the executor. Results are persisted and folded into the
// aggregator and the Prometheus surface; the returned summary covers
// everything folded so far in this process.
func (a *App) RunCycles(ctx context.Context, plan cycles.Plan, report control.Progress) (metrics.SummaryReport, error) {
	symbols := a.cfg.SymbolList()
	timeframes := a.cfg.TimeframeList()

	timelines, err := a.AlignSymbols(ctx, symbols, timeframes, report)
	if err != nil {
		return metrics.SummaryReport{}, err
	}

	tasks := cycles.PlanTasks(plan, symbols, timeframes, timelines)
	if len(tasks) == 0 {
		return metrics.SummaryReport{}, fmt.Errorf("no full cycle windows available; download more history first")
	}

	source, err := strategy.Lookup("")
	if err != nil {
		return metrics.SummaryReport{}, err
	}
	ev := strategy.NewEvaluator(source, strategy.BacktestSettings{
		InitialBalance: a.cfg.Trading.InitialBalance,
		RiskPerTrade:   a.cfg.Risk.MaxRiskPerTrade,
		CommissionRate: a.cfg.Trading.CommissionRate,
		MinConfidence:  a.cfg.Trading.MinConfidence,
	})

	exec := cycles.NewExecutor(cycles.ExecutorConfig{
		Workers:       a.cfg.Executor.MaxWorkers,
		DispatchDelay: time.Duration(a.cfg.Executor.DelayMS) * time.Millisecond,
		TaskTimeout:   time.Duration(a.cfg.Executor.CycleTimeoutS) * time.Second,
		StrategyID:    ev.ID(),
		Cache:         a.cache,
		CacheTTL:      a.cfg.Cache.TTL,
		OnSample:      a.aggregator.ObserveResources,
	})

	report("cycles", 0, fmt.Sprintf("executing %d cycles with %d workers", len(tasks), a.cfg.Executor.MaxWorkers))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				p := exec.Progress()
				report("cycles", p.Percent(), fmt.Sprintf("%d/%d done, %d cached, %d running",
					p.Done(), p.Total, p.CacheHits, p.Running))
			}
		}
	}()

	results, runErr := exec.Run(ctx, tasks, strategy.Runner(a.bars, ev, timelines))
	stopWatch()

	for _, res := range results {
		a.aggregator.Observe(res)
		a.collector.ObserveCycle(res)
	}

	// Persist on a fresh context so a cancelled run still lands its audit
	// rows.
	persistCtx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	if err := a.results.InsertBatch(persistCtx, results); err != nil {
		a.collector.RecordStoreError("insert_cycle_results")
		return a.aggregator.Summary(), fmt.Errorf("persist cycle results: %w", err)
	}
	if runErr != nil {
		return a.aggregator.Summary(), runErr
	}

	summary := a.aggregator.Summary()
	report("report", 100, fmt.Sprintf("%d cycles done, pnl %.2f, win rate %.1f%%",
		summary.Totals.Cycles, summary.Totals.PnL, summary.Totals.WinRate*100))
	return summary, nil
}

// Download implements the dispatcher command over EnsureHistory.
func (a *App) Download(ctx context.Context, cmd control.DownloadData, report control.Progress) error {
	rep, err := a.EnsureHistory(ctx, cmd.Symbols, cmd.Timeframes, report)
	if err != nil {
		return err
	}
	if rep.Failed() {
		return fmt.Errorf("%d of %d pairs failed to reach coverage", rep.Failures, len(rep.Items))
	}
	return nil
}

// Sync implements the dispatcher command over AlignSymbols.
func (a *App) Sync(ctx context.Context, cmd control.SyncSymbols, report control.Progress) error {
	_, err := a.AlignSymbols(ctx, cmd.Symbols, cmd.Timeframes, report)
	return err
}

// Train implements the dispatcher command over RunCycles.
func (a *App) Train(ctx context.Context, cmd control.TrainHist, report control.Progress) error {
	_, err := a.RunCycles(ctx, cycles.Plan{CycleSize: cmd.CycleSize, UpdateEvery: cmd.UpdateEvery}, report)
	return err
}

// Trade builds a fresh trading stack for the requested mode and runs the live
// loop until ctx ends. The stack is kept on the App afterwards so Halt and
// Snapshot can still reach it.
func (a *App) Trade(ctx context.Context, cmd control.StartTrading, report control.Progress) error {
	trading := a.cfg.Trading
	if cmd.Mode != "" {
		trading.Mode = strings.ToLower(cmd.Mode)
	}
	if trading.Mode != config.ModePaper && trading.Mode != config.ModeLive {
		return fmt.Errorf("unknown trading mode %q", trading.Mode)
	}
	live := trading.Mode == config.ModeLive
	if live && a.offline {
		return fmt.Errorf("live trading is not available offline")
	}
	if live && (a.cfg.Exchange.APIKey == "" || a.cfg.Exchange.APISecret == "") {
		return fmt.Errorf("live trading requires exchange.api_key and exchange.api_secret")
	}

	riskCfg := a.cfg.Risk
	if cmd.Leverage > 0 {
		riskCfg.MaxLeverage = cmd.Leverage
	}

	symbols := a.symbolsOrDefault(cmd.Symbols)
	timeframes := a.cfg.TimeframeList()
	if len(symbols) == 0 || len(timeframes) == 0 {
		return fmt.Errorf("no symbols or timeframes configured")
	}
	// Sessions trade on the first configured timeframe.
	tf := timeframes[0]

	guards := engine.NewGuards()
	sizer := risk.New(riskCfg,
		risk.WithGuards(guards),
		risk.WithLiveFutures(live && trading.Futures))

	var orderOpts []orders.Option
	if live {
		orderOpts = append(orderOpts, orders.WithVenue(a.venue))
	}
	mgr, err := orders.New(trading, a.trades, orderOpts...)
	if err != nil {
		return err
	}
	eng := engine.New(trading, guards, sizer, mgr)

	restored, err := mgr.Restore(ctx)
	if err != nil {
		return err
	}

	source, err := strategy.Lookup("")
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.session = &tradeSession{mode: trading.Mode, engine: eng, orders: mgr}
	a.mu.Unlock()

	report("session", 0, fmt.Sprintf("%s trading %d symbols on %s with %s, %d positions restored",
		trading.Mode, len(symbols), tf, source.ID(), restored))

	trader := engine.NewLiveTrader(eng, a.venue, a.bars, source, symbols, tf)
	return trader.Run(ctx)
}

// Halt flattens every open position of the current session and trips the
// breaker so nothing re-enters until the next UTC day.
func (a *App) Halt(ctx context.Context) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return nil
	}
	closed, err := sess.engine.EmergencyClose(ctx, nil)
	if err != nil {
		return err
	}
	log.Warn().Int("closed", len(closed)).Str("mode", sess.mode).Msg("Emergency close finished")
	return nil
}

// Snapshot reports the trading picture without touching network or disk.
func (a *App) Snapshot() control.StatusSnapshot {
	snap := control.StatusSnapshot{
		Mode:    a.cfg.Trading.Mode,
		Balance: a.cfg.Trading.InitialBalance,
	}
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess != nil {
		snap.Mode = sess.mode
		snap.Balance = sess.orders.LastBalance()
		snap.OpenTrades = len(sess.orders.OpenTrades())
		snap.DailyPnL = sess.engine.Guards().DailyPnL()
		snap.BreakerTripped = sess.engine.Guards().Tripped()
	}
	return snap
}

// StatusReport is the persisted platform picture served by the status
// command and the /status endpoint.
type StatusReport struct {
	Mode        string                       `json:"mode"`
	Driver      string                       `json:"driver"`
	StoreOK     bool                         `json:"store_ok"`
	StoreError  string                       `json:"store_error,omitempty"`
	Snapshot    control.StatusSnapshot       `json:"snapshot"`
	OpenTrades  []domain.TradeRecord         `json:"open_trades"`
	CycleCounts map[domain.CycleStatus]int64 `json:"cycle_counts"`
	Sessions    []domain.SyncSession         `json:"sync_sessions"`
	Cache       cycles.CacheStats            `json:"cache"`
}

// StatusReport collects the stored state. Repository failures degrade the
// report instead of aborting it.
func (a *App) StatusReport(ctx context.Context) StatusReport {
	rep := StatusReport{
		Mode:     a.cfg.Trading.Mode,
		Driver:   a.store.Driver(),
		Snapshot: a.Snapshot(),
		Cache:    a.cache.Stats(),
	}
	if err := a.store.Ping(ctx); err != nil {
		rep.StoreError = err.Error()
		return rep
	}
	rep.StoreOK = true

	trades, err := a.trades.ListOpen(ctx)
	if err != nil {
		a.collector.RecordStoreError("list_open_trades")
		log.Warn().Err(err).Msg("Failed to list open trades for status")
	} else {
		rep.OpenTrades = trades
	}

	counts, err := a.results.CountByStatus(ctx)
	if err != nil {
		a.collector.RecordStoreError("count_cycle_results")
		log.Warn().Err(err).Msg("Failed to count cycle results for status")
	} else {
		rep.CycleCounts = counts
	}

	sessions, err := a.sessions.List(ctx, 5)
	if err != nil {
		a.collector.RecordStoreError("list_sync_sessions")
		log.Warn().Err(err).Msg("Failed to list sync sessions for status")
	} else {
		rep.Sessions = sessions
	}
	return rep
}
