package history

import (
	"time"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// ItemOutcome describes how one (symbol, timeframe) download ended.
type ItemOutcome string

const (
	OutcomeDownloaded ItemOutcome = "DOWNLOADED"
	OutcomeUpToDate   ItemOutcome = "UP_TO_DATE"
	OutcomeFailed     ItemOutcome = "FAILED"
)

// Item is the per-pair entry of a download report.
type Item struct {
	Symbol       domain.Symbol         `json:"symbol"`
	Timeframe    domain.Timeframe      `json:"timeframe"`
	StatusBefore domain.CoverageStatus `json:"status_before"`
	StatusAfter  domain.CoverageStatus `json:"status_after"`
	BarsAdded    int64                 `json:"bars_added"`
	Requests     int                   `json:"requests"`
	Duration     time.Duration         `json:"duration"`
	Outcome      ItemOutcome           `json:"outcome"`
	Error        string                `json:"error,omitempty"`
}

// Report summarizes one ensure run across all pairs.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Items     []Item        `json:"items"`
	TotalBars int64         `json:"total_bars"`
	Failures  int           `json:"failures"`
}

// Failed reports whether any pair could not be brought to coverage.
func (r Report) Failed() bool { return r.Failures > 0 }
