package domain

import "time"

// CycleStatus marks whether one evaluation task completed.
type CycleStatus string

const (
	CycleSuccess CycleStatus = "success"
	CycleFailed  CycleStatus = "failed"
)

// CycleTask is one unit of strategy evaluation over a timeline slice.
type CycleTask struct {
	CycleID     string    `json:"cycle_id"`
	Symbol      Symbol    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	WindowStart int64     `json:"window_start"`
	WindowEnd   int64     `json:"window_end"`
}

// CycleResult is the immutable outcome of one cycle task.
type CycleResult struct {
	CycleID         string      `json:"cycle_id"`
	Symbol          Symbol      `json:"symbol"`
	Timeframe       Timeframe   `json:"timeframe"`
	ExecutionTimeMS int64       `json:"execution_time_ms"`
	PnL             float64     `json:"pnl"`
	TradesCount     int         `json:"trades_count"`
	WinRate         float64     `json:"win_rate"`
	StrategyID      string      `json:"strategy_id"`
	Status          CycleStatus `json:"status"`
	ErrorMsg        string      `json:"error_msg,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Success reports whether the cycle completed without error.
func (r CycleResult) Success() bool {
	return r.Status == CycleSuccess
}

// FailedCycle builds the failure result for a task.
func FailedCycle(task CycleTask, strategyID, errMsg string, elapsed time.Duration) CycleResult {
	return CycleResult{
		CycleID:         task.CycleID,
		Symbol:          task.Symbol,
		Timeframe:       task.Timeframe,
		ExecutionTimeMS: elapsed.Milliseconds(),
		StrategyID:      strategyID,
		Status:          CycleFailed,
		ErrorMsg:        errMsg,
		Timestamp:       time.Now().UTC(),
	}
}
