// Package history brings candle coverage up to policy before training or
// trading starts: it classifies what is stored, backfills what is missing in
// venue-sized chunks, and reports per-pair outcomes.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
	zlog "github.com/cyclerun/cyclerun/internal/log"
)

const (
	// chunkLimit matches the venue's per-request bar cap.
	chunkLimit = 1000
	// maxWorkers bounds concurrent pair downloads.
	maxWorkers = 4
	// rateLimitPause is the minimum spacing between chunk requests once the
	// venue has pushed back.
	rateLimitPause = 200 * time.Millisecond
)

// CandleSource is the slice of the exchange the downloader needs.
type CandleSource interface {
	FetchOHLCV(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, sinceMS int64, limit int) ([]domain.Bar, error)
}

// CandleStore is the slice of the store the downloader needs.
type CandleStore interface {
	Append(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, bars []domain.Bar) (int64, error)
	Coverage(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (domain.CoverageReport, error)
	LastTimestamp(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (int64, bool, error)
}

// Manager enforces the historical coverage policy.
type Manager struct {
	source CandleSource
	store  CandleStore

	years           int
	minCoverageDays float64
	quiet           bool
	nowFunc         func() time.Time
}

// Option tunes the manager.
type Option func(*Manager)

// WithQuiet silences the progress indicator.
func WithQuiet(quiet bool) Option {
	return func(m *Manager) { m.quiet = quiet }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// NewManager creates a downloader that targets years of history and treats
// anything under minCoverageDays as insufficient.
func NewManager(source CandleSource, store CandleStore, years int, minCoverageDays float64, opts ...Option) *Manager {
	if years <= 0 {
		years = 2
	}
	if minCoverageDays <= 0 {
		minCoverageDays = float64(years) * 365
	}
	m := &Manager{
		source:          source,
		store:           store,
		years:           years,
		minCoverageDays: minCoverageDays,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckCoverage classifies the stored data for one pair against policy.
func (m *Manager) CheckCoverage(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (domain.CoverageReport, error) {
	report, err := m.store.Coverage(ctx, symbol, tf)
	if err != nil {
		report.Status = domain.CoverageError
		return report, err
	}
	report.Status = report.Classify(m.minCoverageDays)
	return report, nil
}

// EnsureData brings every (symbol, timeframe) pair up to coverage. Pair
// failures are recorded in the report instead of aborting the run.
func (m *Manager) EnsureData(ctx context.Context, symbols []domain.Symbol, timeframes []domain.Timeframe) (Report, error) {
	started := m.nowFunc()
	report := Report{StartedAt: started}

	type pair struct {
		symbol domain.Symbol
		tf     domain.Timeframe
	}
	var pairs []pair
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			pairs = append(pairs, pair{symbol, tf})
		}
	}
	if len(pairs) == 0 {
		return report, fmt.Errorf("no symbol/timeframe pairs to download")
	}

	progress := zlog.NewProgressIndicator("Downloading historical data", len(pairs), m.quiet)

	jobs := make(chan pair)
	items := make(chan Item, len(pairs))

	workers := maxWorkers
	if workers > len(pairs) {
		workers = len(pairs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				item := m.ensurePair(ctx, p.symbol, p.tf)
				items <- item
				progress.UpdateWithMessage(-1, fmt.Sprintf("%s %s: %s", p.symbol, p.tf, item.Outcome))
				progress.Increment()
			}
		}()
	}

	for _, p := range pairs {
		select {
		case jobs <- p:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	close(items)

	for item := range items {
		report.Items = append(report.Items, item)
		report.TotalBars += item.BarsAdded
		if item.Outcome == OutcomeFailed {
			report.Failures++
		}
	}
	sort.Slice(report.Items, func(i, j int) bool {
		if report.Items[i].Symbol != report.Items[j].Symbol {
			return report.Items[i].Symbol < report.Items[j].Symbol
		}
		return report.Items[i].Timeframe < report.Items[j].Timeframe
	})
	report.Duration = m.nowFunc().Sub(started)

	if report.Failures > 0 {
		progress.Fail(fmt.Sprintf("%d of %d pairs failed", report.Failures, len(pairs)))
	} else {
		progress.Finish()
	}

	log.Info().
		Int("pairs", len(pairs)).
		Int64("bars", report.TotalBars).
		Int("failures", report.Failures).
		Dur("took", report.Duration).
		Msg("Historical download finished")
	return report, ctx.Err()
}

// ensurePair classifies one pair, then fills whatever is missing: the whole
// policy window on NO_DATA, interior gaps plus a top-up otherwise.
func (m *Manager) ensurePair(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) Item {
	item := Item{Symbol: symbol, Timeframe: tf}
	started := m.nowFunc()
	defer func() { item.Duration = m.nowFunc().Sub(started) }()

	coverage, err := m.CheckCoverage(ctx, symbol, tf)
	if err != nil {
		item.StatusBefore = domain.CoverageError
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		return item
	}
	item.StatusBefore = coverage.Status

	step := tf.Millis()
	now := m.nowFunc().UnixMilli()
	lastClosed := tf.Truncate(now) - step

	var spans []domain.Range
	if coverage.Status == domain.CoverageNoData {
		from := tf.Truncate(m.nowFunc().AddDate(-m.years, 0, 0).UnixMilli())
		spans = append(spans, domain.Range{From: from, To: lastClosed})
	} else {
		spans = append(spans, coverage.Gaps...)
		if coverage.LastTS+step <= lastClosed {
			spans = append(spans, domain.Range{From: coverage.LastTS + step, To: lastClosed})
		}
		// Backfill in front of the stored span when policy wants more depth.
		if coverage.Status == domain.CoverageInsufficient {
			from := tf.Truncate(m.nowFunc().AddDate(-m.years, 0, 0).UnixMilli())
			if from < coverage.FirstTS-step {
				spans = append(spans, domain.Range{From: from, To: coverage.FirstTS - step})
			}
		}
	}

	dl := &downloader{manager: m, symbol: symbol, tf: tf}
	for _, span := range spans {
		if span.From > span.To {
			continue
		}
		added, err := dl.fill(ctx, span)
		item.BarsAdded += added
		if err != nil {
			item.Outcome = OutcomeFailed
			item.Error = err.Error()
			item.Requests = dl.requests
			item.StatusAfter = domain.CoverageError
			return item
		}
	}
	item.Requests = dl.requests

	after, err := m.CheckCoverage(ctx, symbol, tf)
	if err != nil {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		item.StatusAfter = domain.CoverageError
		return item
	}
	item.StatusAfter = after.Status

	if item.BarsAdded > 0 {
		item.Outcome = OutcomeDownloaded
	} else {
		item.Outcome = OutcomeUpToDate
	}
	return item
}

// downloader tracks request pacing for one pair.
type downloader struct {
	manager     *Manager
	symbol      domain.Symbol
	tf          domain.Timeframe
	requests    int
	rateLimited bool
}

// fill downloads span in venue-sized chunks and appends each batch.
func (d *downloader) fill(ctx context.Context, span domain.Range) (int64, error) {
	step := d.tf.Millis()
	cursor := span.From

	var added int64
	for cursor <= span.To {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if d.rateLimited {
			select {
			case <-time.After(rateLimitPause):
			case <-ctx.Done():
				return added, ctx.Err()
			}
		}

		var batch []domain.Bar
		err := exchange.WithRetry(ctx, "fetch_ohlcv", exchange.DefaultMaxAttempts, func() error {
			d.requests++
			var fetchErr error
			batch, fetchErr = d.manager.source.FetchOHLCV(ctx, d.symbol, d.tf, cursor, chunkLimit)
			if exchange.KindOf(fetchErr) == exchange.KindRateLimit {
				d.rateLimited = true
			}
			return fetchErr
		})
		if err != nil {
			return added, fmt.Errorf("fetch %s %s from %d: %w", d.symbol, d.tf, cursor, err)
		}
		if len(batch) == 0 {
			break
		}

		// Trim anything past the span so gap fills stay surgical.
		trimmed := batch[:0:0]
		for _, bar := range batch {
			if bar.Timestamp >= span.From && bar.Timestamp <= span.To {
				trimmed = append(trimmed, bar)
			}
		}
		if len(trimmed) > 0 {
			n, err := d.manager.store.Append(ctx, d.symbol, d.tf, trimmed)
			if err != nil {
				return added, fmt.Errorf("append %s %s: %w", d.symbol, d.tf, err)
			}
			added += n
		}

		next := batch[len(batch)-1].Timestamp + step
		if next <= cursor {
			break
		}
		cursor = next
	}
	return added, nil
}
