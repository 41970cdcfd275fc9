package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// SyncSessionsRepo persists alignment runs. The master timeline's timestamps
// are packed with msgpack so a session can be replayed without recomputing
// the intersection.
type SyncSessionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSyncSessionsRepo creates the sync session repository.
func NewSyncSessionsRepo(db *sqlx.DB, timeout time.Duration) *SyncSessionsRepo {
	return &SyncSessionsRepo{db: db, timeout: timeout}
}

// Insert stores a session with its timeline snapshot.
func (r *SyncSessionsRepo) Insert(ctx context.Context, session domain.SyncSession) error {
	if session.ID == "" {
		return fmt.Errorf("sync session with empty id")
	}
	if session.Timeline == nil {
		return fmt.Errorf("sync session %s has no timeline", session.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snapshot, err := msgpack.Marshal(session.Timeline.Timestamps)
	if err != nil {
		return fmt.Errorf("failed to pack timeline snapshot: %w", err)
	}

	query := r.db.Rebind(
		`INSERT INTO sync_sessions
			(id, timeframe, symbols, sync_quality, total_periods, start_ms, end_ms, created_at_ms, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		session.ID, session.Timeframe, strings.Join(session.Symbols, ","),
		session.SyncQuality, session.TotalPeriods, session.Start, session.End,
		session.CreatedAt, snapshot)
	if err != nil {
		return fmt.Errorf("failed to insert sync session %s: %w", session.ID, err)
	}
	return nil
}

// Latest returns the newest session for a timeframe with its timeline
// rebuilt from the snapshot, ok=false when none exists.
func (r *SyncSessionsRepo) Latest(ctx context.Context, tf domain.Timeframe) (domain.SyncSession, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(
		`SELECT id, timeframe, symbols, sync_quality, total_periods, start_ms, end_ms, created_at_ms, snapshot
		 FROM sync_sessions
		 WHERE timeframe = ?
		 ORDER BY created_at_ms DESC
		 LIMIT 1`)

	row := r.db.QueryRowxContext(ctx, query, tf)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SyncSession{}, false, nil
		}
		return domain.SyncSession{}, false, fmt.Errorf("failed to query latest sync session: %w", err)
	}
	return session, true, nil
}

// List returns session metadata newest first, without snapshots.
func (r *SyncSessionsRepo) List(ctx context.Context, limit int) ([]domain.SyncSession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	query := r.db.Rebind(
		`SELECT id, timeframe, symbols, sync_quality, total_periods, start_ms, end_ms, created_at_ms
		 FROM sync_sessions
		 ORDER BY created_at_ms DESC
		 LIMIT ?`)

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.SyncSession
	for rows.Next() {
		var s domain.SyncSession
		var symbols string
		err := rows.Scan(&s.ID, &s.Timeframe, &symbols, &s.SyncQuality,
			&s.TotalPeriods, &s.Start, &s.End, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync session: %w", err)
		}
		s.Symbols = splitSymbols(symbols)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (domain.SyncSession, error) {
	var (
		s        domain.SyncSession
		symbols  string
		snapshot []byte
	)
	err := row.Scan(&s.ID, &s.Timeframe, &symbols, &s.SyncQuality,
		&s.TotalPeriods, &s.Start, &s.End, &s.CreatedAt, &snapshot)
	if err != nil {
		return domain.SyncSession{}, err
	}
	s.Symbols = splitSymbols(symbols)

	var timestamps []int64
	if err := msgpack.Unmarshal(snapshot, &timestamps); err != nil {
		return domain.SyncSession{}, fmt.Errorf("failed to unpack timeline snapshot: %w", err)
	}
	timeline, err := domain.NewMasterTimeline(s.Timeframe, timestamps, s.SyncQuality)
	if err != nil {
		return domain.SyncSession{}, fmt.Errorf("failed to rebuild timeline: %w", err)
	}
	s.Timeline = timeline
	return s, nil
}

func splitSymbols(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
