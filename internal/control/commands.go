package control

import (
	"context"

	"github.com/cyclerun/cyclerun/internal/domain"
)

const (
	nameDownload  = "download_data"
	nameSync      = "sync_symbols"
	nameTrain     = "train_hist"
	nameTrade     = "start_trading"
	nameStop      = "stop_trading"
	nameEmergency = "emergency_stop"
	nameStatus    = "status"
)

// Command is one control-plane request. Variants carry their own parameters;
// Name is the stable identifier used in logs and progress messages.
type Command interface {
	Name() string
}

// DownloadData backfills historical candles for the given pairs.
type DownloadData struct {
	Symbols    []domain.Symbol
	Timeframes []domain.Timeframe
}

func (DownloadData) Name() string { return nameDownload }

// SyncSymbols aligns multi-symbol history and snapshots the session.
type SyncSymbols struct {
	Symbols    []domain.Symbol
	Timeframes []domain.Timeframe
}

func (SyncSymbols) Name() string { return nameSync }

// TrainHist runs the historical cycle executor over stored data.
type TrainHist struct {
	CycleSize   int
	UpdateEvery int
}

func (TrainHist) Name() string { return nameTrain }

// StartTrading launches a live or paper trading session.
type StartTrading struct {
	Mode     string
	Symbols  []domain.Symbol
	Leverage int
}

func (StartTrading) Name() string { return nameTrade }

// StopTrading cancels a running trading session. It is always answered,
// even while another command holds the busy slot.
type StopTrading struct{}

func (StopTrading) Name() string { return nameStop }

// EmergencyStop preempts whatever is running, closes every open position
// and leaves the engine stopped.
type EmergencyStop struct{}

func (EmergencyStop) Name() string { return nameEmergency }

// Status requests a state snapshot. Always answered.
type Status struct{}

func (Status) Name() string { return nameStatus }

// Message is one progress or terminal update for a submitted command.
// Terminal messages carry either a populated Err or a success Text; Status
// replies additionally carry a Snapshot.
type Message struct {
	CorrelationID string          `json:"correlation_id"`
	Command       string          `json:"command"`
	Stage         string          `json:"stage,omitempty"`
	Percent       float64         `json:"percent,omitempty"`
	Text          string          `json:"text,omitempty"`
	Err           string          `json:"err,omitempty"`
	Terminal      bool            `json:"terminal"`
	Snapshot      *StatusSnapshot `json:"snapshot,omitempty"`
}

// StatusSnapshot answers a Status command and backs the /status endpoint.
// The dispatcher fills the trading fields; the orchestrator overwrites
// State and ActiveCommand from the busy slot.
type StatusSnapshot struct {
	State          string  `json:"state"`
	ActiveCommand  string  `json:"active_command,omitempty"`
	Mode           string  `json:"mode"`
	Balance        float64 `json:"balance"`
	OpenTrades     int     `json:"open_trades"`
	DailyPnL       float64 `json:"daily_pnl"`
	BreakerTripped bool    `json:"breaker_tripped"`
}

// Progress streams stage updates out of a running command.
type Progress func(stage string, percent float64, text string)

// Dispatcher executes accepted commands against the wired subsystems.
// Implementations do the blocking work and honor ctx cancellation; the
// orchestrator owns sequencing, correlation ids and the busy slot.
// Snapshot must be cheap and thread-safe.
type Dispatcher interface {
	Download(ctx context.Context, cmd DownloadData, report Progress) error
	Sync(ctx context.Context, cmd SyncSymbols, report Progress) error
	Train(ctx context.Context, cmd TrainHist, report Progress) error
	Trade(ctx context.Context, cmd StartTrading, report Progress) error
	Halt(ctx context.Context) error
	Snapshot() StatusSnapshot
}
