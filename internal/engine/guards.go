// Package engine gates trade signals through account-level guards and routes
// the survivors into sized orders. It owns the daily accounting day, the
// anti-duplicate bookkeeping and the circuit breaker.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Guards carries the day-scoped protective state: realized losses for the
// current UTC day and the circuit-breaker latch. Both clear on the calendar
// day rollover.
type Guards struct {
	clock func() time.Time

	mu       sync.Mutex
	day      time.Time
	dailyPnL float64
	tripped  bool
}

// GuardOption tunes the guards.
type GuardOption func(*Guards)

// WithGuardClock overrides time for tests.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guards) { g.clock = now }
}

// NewGuards starts a fresh accounting day.
func NewGuards(opts ...GuardOption) *Guards {
	g := &Guards{clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.day = utcDay(g.clock())
	return g
}

// DailyPnL returns the realized result folded in for the current UTC day.
// The engine folds losses only, so the value is zero or negative.
func (g *Guards) DailyPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.dailyPnL
}

// RecordPnL folds one realized result into the day.
func (g *Guards) RecordPnL(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	g.dailyPnL += pnl
}

// Tripped reports whether the circuit breaker is latched.
func (g *Guards) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.tripped
}

// Trip latches the circuit breaker until the next UTC day. New entries are
// rejected while latched; exits keep flowing.
func (g *Guards) Trip() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	if g.tripped {
		return
	}
	g.tripped = true
	log.Warn().Float64("daily_pnl", g.dailyPnL).Msg("Circuit breaker tripped")
}

func (g *Guards) rolloverLocked() {
	day := utcDay(g.clock())
	if day.Equal(g.day) {
		return
	}
	if g.tripped {
		log.Info().Msg("Circuit breaker reset on day rollover")
	}
	g.day = day
	g.dailyPnL = 0
	g.tripped = false
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
