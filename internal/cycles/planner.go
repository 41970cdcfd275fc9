package cycles

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/domain"
)

const (
	defaultCycleSize   = 1000
	defaultUpdateEvery = 100
)

// Plan shapes task production for one training batch.
type Plan struct {
	// CycleSize is the number of timeline bars per evaluation window.
	CycleSize int
	// UpdateEvery is how many bars each successive window advances.
	UpdateEvery int
}

func (p Plan) withDefaults() Plan {
	if p.CycleSize <= 0 {
		p.CycleSize = defaultCycleSize
	}
	if p.UpdateEvery <= 0 {
		p.UpdateEvery = defaultUpdateEvery
	}
	return p
}

// PlanTasks produces cycle tasks in Cartesian symbol x timeframe order over
// the aligned timelines. Every window spans exactly CycleSize timeline bars;
// a timeline shorter than one window contributes no tasks, and the trailing
// bars that do not fill a whole window are left unplanned.
func PlanTasks(plan Plan, symbols []domain.Symbol, timeframes []domain.Timeframe, timelines map[domain.Timeframe]*domain.MasterTimeline) []domain.CycleTask {
	p := plan.withDefaults()

	for _, tf := range timeframes {
		tl := timelines[tf]
		switch {
		case tl == nil:
			log.Warn().Str("timeframe", string(tf)).Msg("No timeline for timeframe, skipping")
		case len(tl.Timestamps) < p.CycleSize:
			log.Warn().
				Str("timeframe", string(tf)).
				Int("bars", len(tl.Timestamps)).
				Int("cycle_size", p.CycleSize).
				Msg("Timeline shorter than one cycle window, skipping")
		}
	}

	var tasks []domain.CycleTask
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			tl := timelines[tf]
			if tl == nil || len(tl.Timestamps) < p.CycleSize {
				continue
			}
			ts := tl.Timestamps
			for start := 0; start+p.CycleSize <= len(ts); start += p.UpdateEvery {
				end := start + p.CycleSize - 1
				tasks = append(tasks, domain.CycleTask{
					CycleID:     fmt.Sprintf("%s-%s-%d", symbol, tf, ts[end]),
					Symbol:      symbol,
					Timeframe:   tf,
					WindowStart: ts[start],
					WindowEnd:   ts[end],
				})
			}
		}
	}
	return tasks
}
