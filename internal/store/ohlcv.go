package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// OHLCVRepo stores candles in one table per (symbol, timeframe). The
// timestamp primary key makes appends idempotent.
type OHLCVRepo struct {
	db      *sqlx.DB
	timeout time.Duration

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewOHLCVRepo creates the candle repository.
func NewOHLCVRepo(db *sqlx.DB, timeout time.Duration) *OHLCVRepo {
	return &OHLCVRepo{
		db:      db,
		timeout: timeout,
		ensured: make(map[string]struct{}),
	}
}

// TableName derives the per-pair table, e.g. ohlcv_btcusdt_1h.
func TableName(symbol domain.Symbol, tf domain.Timeframe) string {
	sanitize := func(s string) string {
		s = strings.ToLower(s)
		var b strings.Builder
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return fmt.Sprintf("ohlcv_%s_%s", sanitize(symbol.String()), sanitize(tf.String()))
}

// ensure creates the per-pair table once per process.
func (r *OHLCVRepo) ensure(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (string, error) {
	table := TableName(symbol, tf)

	r.mu.Lock()
	_, done := r.ensured[table]
	r.mu.Unlock()
	if done {
		return table, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp_ms BIGINT PRIMARY KEY,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL
	)`, table)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("failed to create table %s: %w", table, err)
	}

	r.mu.Lock()
	r.ensured[table] = struct{}{}
	r.mu.Unlock()
	return table, nil
}

// Append inserts bars, silently skipping timestamps already stored, and
// returns how many rows were actually written.
func (r *OHLCVRepo) Append(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(bars)/1000+1))
	defer cancel()

	table, err := r.ensure(ctx, symbol, tf)
	if err != nil {
		return 0, err
	}

	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return 0, fmt.Errorf("bar %d for %s %s: %w", i, symbol, tf, err)
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (timestamp_ms, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (timestamp_ms) DO NOTHING`, table))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, bar := range bars {
		res, err := stmt.ExecContext(ctx, bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		if err != nil {
			return 0, fmt.Errorf("failed to insert bar %d: %w", bar.Timestamp, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bars: %w", err)
	}
	return inserted, nil
}

// Range returns bars with from <= timestamp <= to in ascending order.
func (r *OHLCVRepo) Range(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, from, to int64) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	table, err := r.ensure(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}

	query := r.db.Rebind(fmt.Sprintf(
		`SELECT timestamp_ms, open, high, low, close, volume
		 FROM %s
		 WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms ASC`, table))

	rows, err := r.db.QueryxContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// LastTimestamp returns the newest stored bar time, ok=false when empty.
func (r *OHLCVRepo) LastTimestamp(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	table, err := r.ensure(ctx, symbol, tf)
	if err != nil {
		return 0, false, err
	}

	var last sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(timestamp_ms) FROM %s`, table)
	if err := r.db.QueryRowxContext(ctx, query).Scan(&last); err != nil {
		return 0, false, fmt.Errorf("failed to query last timestamp: %w", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return last.Int64, true, nil
}

// Timestamps returns every stored bar time in ascending order.
func (r *OHLCVRepo) Timestamps(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	table, err := r.ensure(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT timestamp_ms FROM %s ORDER BY timestamp_ms ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timestamps: %w", err)
	}
	return out, nil
}

// Coverage summarizes the stored span and its interior gaps. Status is
// NO_DATA or COMPLETE here; callers with a minimum-day policy reclassify.
func (r *OHLCVRepo) Coverage(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (domain.CoverageReport, error) {
	report := domain.CoverageReport{Symbol: symbol, Timeframe: tf}

	timestamps, err := r.Timestamps(ctx, symbol, tf)
	if err != nil {
		return report, err
	}
	report.Records = int64(len(timestamps))
	if len(timestamps) == 0 {
		report.Status = domain.CoverageNoData
		return report, nil
	}

	report.FirstTS = timestamps[0]
	report.LastTS = timestamps[len(timestamps)-1]

	step := tf.Millis()
	for i := 1; i < len(timestamps); i++ {
		prev, cur := timestamps[i-1], timestamps[i]
		if cur-prev > step {
			report.Gaps = append(report.Gaps, domain.Range{From: prev + step, To: cur - step})
		}
	}
	report.Status = domain.CoverageComplete
	return report, nil
}
