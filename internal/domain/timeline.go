package domain

import (
	"fmt"
	"sort"
)

// MasterTimeline is the ordered, deduplicated intersection of per-symbol
// timestamp sets for one timeframe. Immutable once built.
type MasterTimeline struct {
	Timeframe    Timeframe `json:"timeframe"`
	Timestamps   []int64   `json:"timestamps"`
	Start        int64     `json:"start"`
	End          int64     `json:"end"`
	TotalPeriods int       `json:"total_periods"`
	SyncQuality  float64   `json:"sync_quality"`
}

// NewMasterTimeline builds a timeline from sorted, strictly increasing
// timestamps. quality is clamped to [0, 100].
func NewMasterTimeline(tf Timeframe, timestamps []int64, quality float64) (*MasterTimeline, error) {
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("empty timeline for timeframe %s", tf)
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			return nil, fmt.Errorf("timeline for %s not strictly increasing at index %d", tf, i)
		}
	}
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	return &MasterTimeline{
		Timeframe:    tf,
		Timestamps:   timestamps,
		Start:        timestamps[0],
		End:          timestamps[len(timestamps)-1],
		TotalPeriods: len(timestamps),
		SyncQuality:  quality,
	}, nil
}

// Contains reports whether ts is on the timeline.
func (t *MasterTimeline) Contains(ts int64) bool {
	i := sort.Search(len(t.Timestamps), func(i int) bool { return t.Timestamps[i] >= ts })
	return i < len(t.Timestamps) && t.Timestamps[i] == ts
}

// FilterBars returns the bars whose timestamps are on the timeline, keeping
// the input order.
func (t *MasterTimeline) FilterBars(bars []Bar) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, bar := range bars {
		if t.Contains(bar.Timestamp) {
			out = append(out, bar)
		}
	}
	return out
}

// SyncSession records one symbol alignment run for audit and replay.
type SyncSession struct {
	ID           string    `json:"id" db:"id"`
	Timeframe    Timeframe `json:"timeframe" db:"timeframe"`
	Symbols      []string  `json:"symbols"`
	SyncQuality  float64   `json:"sync_quality" db:"sync_quality"`
	TotalPeriods int       `json:"total_periods" db:"total_periods"`
	Start        int64     `json:"start" db:"start_ms"`
	End          int64     `json:"end" db:"end_ms"`
	CreatedAt    int64     `json:"created_at" db:"created_at_ms"`
	Timeline     *MasterTimeline
}
