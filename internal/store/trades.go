package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// TradesRepo persists trade lifecycles.
type TradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates the trade repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) *TradesRepo {
	return &TradesRepo{db: db, timeout: timeout}
}

const tradeColumns = `trade_id, symbol, side, size_qty, entry_price, exit_price,
	stop_loss, take_profit, leverage, pnl, pnl_pct, fees,
	entry_time_ms, exit_time_ms, exit_reason, status, confidence`

// Insert stores a new trade record.
func (r *TradesRepo) Insert(ctx context.Context, trade domain.TradeRecord) error {
	if err := trade.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(fmt.Sprintf(
		`INSERT INTO trades (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tradeColumns))

	_, err := r.db.ExecContext(ctx, query, tradeArgs(trade)...)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// Update rewrites a trade row, typically on close.
func (r *TradesRepo) Update(ctx context.Context, trade domain.TradeRecord) error {
	if err := trade.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(
		`UPDATE trades SET symbol = ?, side = ?, size_qty = ?, entry_price = ?, exit_price = ?,
			stop_loss = ?, take_profit = ?, leverage = ?, pnl = ?, pnl_pct = ?, fees = ?,
			entry_time_ms = ?, exit_time_ms = ?, exit_reason = ?, status = ?, confidence = ?
		 WHERE trade_id = ?`)

	args := tradeArgs(trade)
	args = append(args[1:], trade.TradeID) // shift id to the WHERE clause

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w", trade.TradeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("trade %s not found", trade.TradeID)
	}
	return nil
}

// Get fetches one trade, ok=false when absent.
func (r *TradesRepo) Get(ctx context.Context, tradeID string) (domain.TradeRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(fmt.Sprintf(`SELECT %s FROM trades WHERE trade_id = ?`, tradeColumns))
	row := r.db.QueryRowxContext(ctx, query, tradeID)

	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TradeRecord{}, false, nil
		}
		return domain.TradeRecord{}, false, fmt.Errorf("failed to get trade %s: %w", tradeID, err)
	}
	return trade, true, nil
}

// ListOpen returns trades still holding a position, oldest first.
func (r *TradesRepo) ListOpen(ctx context.Context) ([]domain.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM trades WHERE status IN (?, ?) ORDER BY entry_time_ms ASC`, tradeColumns))

	rows, err := r.db.QueryxContext(ctx, query, domain.TradeOpen, domain.TradeFilled)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// List returns recent trades, newest first. Empty symbol means all symbols.
func (r *TradesRepo) List(ctx context.Context, symbol domain.Symbol, limit int) ([]domain.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if symbol == "" {
		query := r.db.Rebind(fmt.Sprintf(
			`SELECT %s FROM trades ORDER BY entry_time_ms DESC LIMIT ?`, tradeColumns))
		rows, err = r.db.QueryxContext(ctx, query, limit)
	} else {
		query := r.db.Rebind(fmt.Sprintf(
			`SELECT %s FROM trades WHERE symbol = ? ORDER BY entry_time_ms DESC LIMIT ?`, tradeColumns))
		rows, err = r.db.QueryxContext(ctx, query, symbol, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Closed returns every completed trade, oldest first.
func (r *TradesRepo) Closed(ctx context.Context) ([]domain.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM trades WHERE status = ? ORDER BY entry_time_ms ASC`, tradeColumns))

	rows, err := r.db.QueryxContext(ctx, query, domain.TradeClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func tradeArgs(t domain.TradeRecord) []interface{} {
	var exitMS sql.NullInt64
	if t.ExitTime != nil {
		exitMS = sql.NullInt64{Int64: t.ExitTime.UnixMilli(), Valid: true}
	}
	return []interface{}{
		t.TradeID, t.Symbol, t.Side, t.SizeQty, t.EntryPrice, t.ExitPrice,
		t.StopLoss, t.TakeProfit, t.Leverage, t.PnL, t.PnLPct, t.Fees,
		t.EntryTime.UnixMilli(), exitMS, t.ExitReason, t.Status, t.Confidence,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (domain.TradeRecord, error) {
	var (
		t         domain.TradeRecord
		exitPrice sql.NullFloat64
		entryMS   int64
		exitMS    sql.NullInt64
	)
	err := row.Scan(
		&t.TradeID, &t.Symbol, &t.Side, &t.SizeQty, &t.EntryPrice, &exitPrice,
		&t.StopLoss, &t.TakeProfit, &t.Leverage, &t.PnL, &t.PnLPct, &t.Fees,
		&entryMS, &exitMS, &t.ExitReason, &t.Status, &t.Confidence)
	if err != nil {
		return domain.TradeRecord{}, err
	}

	t.ExitPrice = exitPrice.Float64
	t.EntryTime = time.UnixMilli(entryMS).UTC()
	if exitMS.Valid {
		exit := time.UnixMilli(exitMS.Int64).UTC()
		t.ExitTime = &exit
	}
	return t, nil
}

func scanTrades(rows *sqlx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}
