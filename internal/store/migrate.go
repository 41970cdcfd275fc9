package store

import (
	"context"
	"fmt"

	"github.com/cyclerun/cyclerun/internal/config"
)

// migrate applies the base schema. Per-pair candle tables are created on
// first write by OHLCVRepo instead.
func (m *Manager) migrate(ctx context.Context) error {
	blob := "BLOB"
	if m.driver == config.DriverPostgres {
		blob = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size_qty DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			leverage INTEGER NOT NULL,
			pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			fees DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_time_ms BIGINT NOT NULL,
			exit_time_ms BIGINT,
			exit_reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE TABLE IF NOT EXISTS cycle_results (
			cycle_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			execution_time_ms BIGINT NOT NULL,
			pnl DOUBLE PRECISION NOT NULL,
			trades_count INTEGER NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			strategy_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_msg TEXT NOT NULL DEFAULT '',
			ts_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_results_ts ON cycle_results(ts_ms)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_sessions (
			id TEXT PRIMARY KEY,
			timeframe TEXT NOT NULL,
			symbols TEXT NOT NULL,
			sync_quality DOUBLE PRECISION NOT NULL,
			total_periods INTEGER NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			snapshot %s NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_sync_sessions_created ON sync_sessions(created_at_ms)`,
	}

	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}
