package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// CycleResultsRepo keeps an audit trail of executed cycles.
type CycleResultsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCycleResultsRepo creates the cycle result repository.
func NewCycleResultsRepo(db *sqlx.DB, timeout time.Duration) *CycleResultsRepo {
	return &CycleResultsRepo{db: db, timeout: timeout}
}

// Insert stores one finished cycle. Re-inserting the same cycle id is a
// no-op so retried batches stay idempotent.
func (r *CycleResultsRepo) Insert(ctx context.Context, result domain.CycleResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(
		`INSERT INTO cycle_results
			(cycle_id, symbol, timeframe, execution_time_ms, pnl, trades_count,
			 win_rate, strategy_id, status, error_msg, ts_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_id) DO NOTHING`)

	_, err := r.db.ExecContext(ctx, query,
		result.CycleID, result.Symbol, result.Timeframe, result.ExecutionTimeMS,
		result.PnL, result.TradesCount, result.WinRate, result.StrategyID,
		result.Status, result.ErrorMsg, result.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert cycle result %s: %w", result.CycleID, err)
	}
	return nil
}

// InsertBatch stores a whole run atomically.
func (r *CycleResultsRepo) InsertBatch(ctx context.Context, results []domain.CycleResult) error {
	if len(results) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(results)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.Rebind(
		`INSERT INTO cycle_results
			(cycle_id, symbol, timeframe, execution_time_ms, pnl, trades_count,
			 win_rate, strategy_id, status, error_msg, ts_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_id) DO NOTHING`)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, result := range results {
		_, err := stmt.ExecContext(ctx,
			result.CycleID, result.Symbol, result.Timeframe, result.ExecutionTimeMS,
			result.PnL, result.TradesCount, result.WinRate, result.StrategyID,
			result.Status, result.ErrorMsg, result.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert cycle result %s: %w", result.CycleID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest results, most recent first.
func (r *CycleResultsRepo) Recent(ctx context.Context, limit int) ([]domain.CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := r.db.Rebind(
		`SELECT cycle_id, symbol, timeframe, execution_time_ms, pnl, trades_count,
			win_rate, strategy_id, status, error_msg, ts_ms
		 FROM cycle_results
		 ORDER BY ts_ms DESC
		 LIMIT ?`)

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle results: %w", err)
	}
	defer rows.Close()

	var results []domain.CycleResult
	for rows.Next() {
		var res domain.CycleResult
		var tsMS int64
		err := rows.Scan(
			&res.CycleID, &res.Symbol, &res.Timeframe, &res.ExecutionTimeMS,
			&res.PnL, &res.TradesCount, &res.WinRate, &res.StrategyID,
			&res.Status, &res.ErrorMsg, &tsMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle result: %w", err)
		}
		res.Timestamp = time.UnixMilli(tsMS).UTC()
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle results: %w", err)
	}
	return results, nil
}

// CountByStatus groups stored results for status reporting.
func (r *CycleResultsRepo) CountByStatus(ctx context.Context) (map[domain.CycleStatus]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM cycle_results GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cycle results: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.CycleStatus]int64)
	for rows.Next() {
		var status domain.CycleStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, nil
}
