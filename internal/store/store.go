// Package store persists candles, trades, cycle results and sync sessions
// behind sqlx. SQLite (modernc, pure Go) is the default backend; PostgreSQL
// is selected by config for shared deployments.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/cyclerun/cyclerun/internal/config"
)

const defaultQueryTimeout = 30 * time.Second

func init() {
	// modernc registers as "sqlite", which sqlx's bind table does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Manager owns the database handle and the repositories built on it.
type Manager struct {
	db     *sqlx.DB
	driver string

	OHLCV    *OHLCVRepo
	Trades   *TradesRepo
	Cycles   *CycleResultsRepo
	Sessions *SyncSessionsRepo
}

// Open connects, configures the pool, pings and migrates the base schema.
func Open(cfg config.StorageSection) (*Manager, error) {
	dsn := cfg.DSN
	if cfg.Driver == config.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == config.DriverSQLite && strings.Contains(dsn, ":memory:") {
		// A pooled in-memory SQLite would give each conn its own database.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &Manager{db: db, driver: cfg.Driver}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	m.OHLCV = NewOHLCVRepo(db, defaultQueryTimeout)
	m.Trades = NewTradesRepo(db, defaultQueryTimeout)
	m.Cycles = NewCycleResultsRepo(db, defaultQueryTimeout)
	m.Sessions = NewSyncSessionsRepo(db, defaultQueryTimeout)

	log.Info().Str("driver", cfg.Driver).Msg("Storage ready")
	return m, nil
}

// DB exposes the handle for ad-hoc queries and tests.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Driver reports the active backend.
func (m *Manager) Driver() string { return m.driver }

// Ping checks connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Stats reports connection pool statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Close releases the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// sqliteDSN normalizes a bare path into a file DSN with the pragmas the
// concurrent writers need.
func sqliteDSN(path string) string {
	if path == "" {
		path = "cyclerun.db"
	}
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}
