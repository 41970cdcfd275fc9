// Package metrics folds cycle results into rankings, health advice and a
// Prometheus surface.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// Health thresholds behind the recommendation strings.
const (
	minSuccessRate = 0.80
	maxAvgCycleMS  = 5000
	minWinRate     = 0.50
	maxPeakRSS     = 1 << 30 // 1 GiB
	maxAvgCPUPct   = 80.0
)

// defaultTopK bounds the strategy ranking length.
const defaultTopK = 3

// Totals are the running counters over every folded cycle.
type Totals struct {
	Cycles     int     `json:"cycles"`
	Success    int     `json:"success"`
	Failed     int     `json:"failed"`
	PnL        float64 `json:"pnl"`
	Trades     int     `json:"trades"`
	AvgCycleMS float64 `json:"avg_cycle_ms"`
	WinRate    float64 `json:"win_rate"`
}

// StrategyRank is one row of the PnL ranking.
type StrategyRank struct {
	StrategyID string  `json:"strategy_id"`
	PnL        float64 `json:"pnl"`
	Cycles     int     `json:"cycles"`
}

// SymbolPnL pairs a symbol with its cumulative PnL.
type SymbolPnL struct {
	Symbol domain.Symbol `json:"symbol"`
	PnL    float64       `json:"pnl"`
}

// SummaryReport is a point-in-time snapshot of everything the aggregator
// knows.
type SummaryReport struct {
	Totals          Totals         `json:"totals"`
	TopStrategies   []StrategyRank `json:"top_strategies"`
	BestSymbol      *SymbolPnL     `json:"best_symbol,omitempty"`
	WorstSymbol     *SymbolPnL     `json:"worst_symbol,omitempty"`
	PeakRSSBytes    uint64         `json:"peak_rss_bytes"`
	AvgCPUPct       float64        `json:"avg_cpu_pct"`
	Recommendations []string       `json:"recommendations"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Aggregator folds CycleResults independent of arrival order. One instance
// serves concurrent producers.
type Aggregator struct {
	topK int

	mu         sync.Mutex
	totals     Totals
	sumCycleMS int64
	winTrades  float64
	strategies map[string]*StrategyRank
	symbols    map[domain.Symbol]float64

	peakRSS   uint64
	cpuSum    float64
	cpuSample int
}

// NewAggregator creates an aggregator ranking the top k strategies; k <= 0
// takes the default.
func NewAggregator(k int) *Aggregator {
	if k <= 0 {
		k = defaultTopK
	}
	return &Aggregator{
		topK:       k,
		strategies: make(map[string]*StrategyRank),
		symbols:    make(map[domain.Symbol]float64),
	}
}

// Observe folds one cycle result.
func (a *Aggregator) Observe(result domain.CycleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals.Cycles++
	if result.Success() {
		a.totals.Success++
	} else {
		a.totals.Failed++
	}
	a.totals.PnL += result.PnL
	a.totals.Trades += result.TradesCount
	a.sumCycleMS += result.ExecutionTimeMS
	a.winTrades += result.WinRate * float64(result.TradesCount)

	id := result.StrategyID
	if id == "" {
		id = "unknown"
	}
	rank, ok := a.strategies[id]
	if !ok {
		rank = &StrategyRank{StrategyID: id}
		a.strategies[id] = rank
	}
	rank.PnL += result.PnL
	rank.Cycles++

	a.symbols[result.Symbol] += result.PnL
}

// ObserveResources folds one resource sample from the executor.
func (a *Aggregator) ObserveResources(cpuPct float64, rssBytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rssBytes > a.peakRSS {
		a.peakRSS = rssBytes
	}
	a.cpuSum += cpuPct
	a.cpuSample++
}

// Summary snapshots totals, rankings and recommendations.
func (a *Aggregator) Summary() SummaryReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	totals := a.totals
	if totals.Cycles > 0 {
		totals.AvgCycleMS = float64(a.sumCycleMS) / float64(totals.Cycles)
	}
	if totals.Trades > 0 {
		totals.WinRate = a.winTrades / float64(totals.Trades)
	}

	ranking := make([]StrategyRank, 0, len(a.strategies))
	for _, rank := range a.strategies {
		ranking = append(ranking, *rank)
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].PnL != ranking[j].PnL {
			return ranking[i].PnL > ranking[j].PnL
		}
		return ranking[i].StrategyID < ranking[j].StrategyID
	})
	if len(ranking) > a.topK {
		ranking = ranking[:a.topK]
	}

	var best, worst *SymbolPnL
	for symbol, pnl := range a.symbols {
		if best == nil || pnl > best.PnL || (pnl == best.PnL && symbol < best.Symbol) {
			best = &SymbolPnL{Symbol: symbol, PnL: pnl}
		}
		if worst == nil || pnl < worst.PnL || (pnl == worst.PnL && symbol < worst.Symbol) {
			worst = &SymbolPnL{Symbol: symbol, PnL: pnl}
		}
	}

	avgCPU := 0.0
	if a.cpuSample > 0 {
		avgCPU = a.cpuSum / float64(a.cpuSample)
	}

	report := SummaryReport{
		Totals:        totals,
		TopStrategies: ranking,
		BestSymbol:    best,
		WorstSymbol:   worst,
		PeakRSSBytes:  a.peakRSS,
		AvgCPUPct:     avgCPU,
		GeneratedAt:   time.Now().UTC(),
	}
	report.Recommendations = recommendations(report)
	return report
}

// recommendations maps threshold breaches to operator advice.
func recommendations(r SummaryReport) []string {
	var out []string
	if r.Totals.Cycles > 0 {
		successRate := float64(r.Totals.Success) / float64(r.Totals.Cycles)
		if successRate < minSuccessRate {
			out = append(out, fmt.Sprintf(
				"success rate %.1f%% is below 80%%: inspect failed cycles before scaling up", successRate*100))
		}
		if r.Totals.AvgCycleMS > maxAvgCycleMS {
			out = append(out, fmt.Sprintf(
				"average cycle time %.1fs exceeds 5s: shrink windows or raise max_workers", r.Totals.AvgCycleMS/1000))
		}
	}
	if r.Totals.Trades > 0 && r.Totals.WinRate < minWinRate {
		out = append(out, fmt.Sprintf(
			"win rate %.1f%% is below 50%%: revisit strategy parameters before going live", r.Totals.WinRate*100))
	}
	if r.Totals.Cycles > 0 && r.Totals.PnL < 0 {
		out = append(out, fmt.Sprintf(
			"aggregate PnL %.2f is negative: keep trading in paper mode", r.Totals.PnL))
	}
	if r.PeakRSSBytes > maxPeakRSS {
		out = append(out, fmt.Sprintf(
			"peak memory %.0f MiB is above 1 GiB: lower max_workers or shrink windows", float64(r.PeakRSSBytes)/(1<<20)))
	}
	if r.AvgCPUPct > maxAvgCPUPct {
		out = append(out, fmt.Sprintf(
			"average CPU %.1f%% is above 80%%: lower max_workers", r.AvgCPUPct))
	}
	return out
}
