// Package syncer aligns symbols onto shared master timelines: for each
// timeframe it intersects the stored timestamp sets of all symbols, scores
// the result, and persists the session for replay.
package syncer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/domain"
)

const (
	// maxWorkers bounds concurrent timeframe alignments.
	maxWorkers = 4
	// dispatchDelay staggers task starts so the store is not hammered.
	dispatchDelay = 100 * time.Millisecond
	// qualityWarnBelow flags weak alignments in the log.
	qualityWarnBelow = 80.0
	// coverageSaturation is the symbol*timeframe count treated as full
	// breadth when scoring.
	coverageSaturation = 20.0
)

// TimestampSource yields the stored bar times for one pair.
type TimestampSource interface {
	Timestamps(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) ([]int64, error)
}

// SessionSink persists finished alignment sessions.
type SessionSink interface {
	Insert(ctx context.Context, session domain.SyncSession) error
}

// Synchronizer computes master timelines.
type Synchronizer struct {
	source   TimestampSource
	sessions SessionSink

	delay   time.Duration
	nowFunc func() time.Time
}

// Option tunes the synchronizer.
type Option func(*Synchronizer)

// WithDispatchDelay overrides the stagger between timeframe tasks.
func WithDispatchDelay(d time.Duration) Option {
	return func(s *Synchronizer) { s.delay = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.nowFunc = now }
}

// New creates a synchronizer. sessions may be nil when persistence is not
// wanted (tests, dry runs).
func New(source TimestampSource, sessions SessionSink, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:   source,
		sessions: sessions,
		delay:    dispatchDelay,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is one timeframe's alignment outcome.
type Result struct {
	Timeframe domain.Timeframe
	Timeline  *domain.MasterTimeline
	SessionID string
	Err       error
}

// Sync aligns all symbols per timeframe. Alignment is a pure function of the
// stored data, so re-running over unchanged data yields identical timelines.
func (s *Synchronizer) Sync(ctx context.Context, symbols []domain.Symbol, timeframes []domain.Timeframe) (map[domain.Timeframe]*domain.MasterTimeline, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to synchronize")
	}
	if len(timeframes) == 0 {
		return nil, fmt.Errorf("no timeframes to synchronize")
	}

	jobs := make(chan domain.Timeframe)
	results := make(chan Result, len(timeframes))

	workers := maxWorkers
	if workers > len(timeframes) {
		workers = len(timeframes)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tf := range jobs {
				results <- s.alignTimeframe(ctx, symbols, timeframes, tf)
			}
		}()
	}

	for i, tf := range timeframes {
		if i > 0 && s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
			}
		}
		select {
		case jobs <- tf:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	timelines := make(map[domain.Timeframe]*domain.MasterTimeline, len(timeframes))
	var failed []string
	for res := range results {
		if res.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", res.Timeframe, res.Err))
			continue
		}
		timelines[res.Timeframe] = res.Timeline
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return timelines, fmt.Errorf("synchronization failed for %d timeframe(s): %s", len(failed), failed[0])
	}
	return timelines, nil
}

// alignTimeframe intersects the symbols' timestamps for one timeframe and
// persists the session.
func (s *Synchronizer) alignTimeframe(ctx context.Context, symbols []domain.Symbol, timeframes []domain.Timeframe, tf domain.Timeframe) Result {
	res := Result{Timeframe: tf}

	sets := make([][]int64, 0, len(symbols))
	for _, symbol := range symbols {
		timestamps, err := s.source.Timestamps(ctx, symbol, tf)
		if err != nil {
			res.Err = fmt.Errorf("load timestamps for %s: %w", symbol, err)
			return res
		}
		sets = append(sets, timestamps)
	}

	shared := Intersect(sets)
	if len(shared) == 0 {
		res.Err = fmt.Errorf("no shared periods across %d symbols", len(symbols))
		return res
	}

	quality := Quality(shared, len(symbols), len(timeframes))
	timeline, err := domain.NewMasterTimeline(tf, shared, quality)
	if err != nil {
		res.Err = err
		return res
	}
	res.Timeline = timeline

	if quality < qualityWarnBelow {
		log.Warn().
			Str("timeframe", tf.String()).
			Float64("quality", quality).
			Int("periods", timeline.TotalPeriods).
			Msg("Sync quality below threshold")
	} else {
		log.Info().
			Str("timeframe", tf.String()).
			Float64("quality", quality).
			Int("periods", timeline.TotalPeriods).
			Msg("Symbols aligned")
	}

	if s.sessions != nil {
		session := domain.SyncSession{
			ID:           uuid.NewString(),
			Timeframe:    tf,
			Symbols:      symbolStrings(symbols),
			SyncQuality:  quality,
			TotalPeriods: timeline.TotalPeriods,
			Start:        timeline.Start,
			End:          timeline.End,
			CreatedAt:    s.nowFunc().UnixMilli(),
			Timeline:     timeline,
		}
		if err := s.sessions.Insert(ctx, session); err != nil {
			res.Err = fmt.Errorf("persist session: %w", err)
			return res
		}
		res.SessionID = session.ID
	}
	return res
}

// Intersect returns the sorted timestamps present in every set.
func Intersect(sets [][]int64) []int64 {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[int64]int, len(sets[0]))
	for _, set := range sets {
		seen := make(map[int64]struct{}, len(set))
		for _, ts := range set {
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			counts[ts]++
		}
	}

	var shared []int64
	for ts, n := range counts {
		if n == len(sets) {
			shared = append(shared, ts)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })
	return shared
}

// Quality scores an aligned timeline on a 0..100 scale: 70% interval
// consistency (1 - stddev/mean of the timestamp deltas) and 30% breadth
// (symbol*timeframe count against saturation).
func Quality(timestamps []int64, symbolCount, timeframeCount int) float64 {
	consistency := intervalConsistency(timestamps)
	coverage := math.Min(1, float64(symbolCount*timeframeCount)/coverageSaturation)

	quality := 100 * (0.7*consistency + 0.3*coverage)
	if quality < 0 {
		return 0
	}
	if quality > 100 {
		return 100
	}
	return quality
}

func intervalConsistency(timestamps []int64) float64 {
	if len(timestamps) < 2 {
		return 1
	}

	deltas := make([]float64, len(timestamps)-1)
	var sum float64
	for i := 1; i < len(timestamps); i++ {
		deltas[i-1] = float64(timestamps[i] - timestamps[i-1])
		sum += deltas[i-1]
	}
	mean := sum / float64(len(deltas))
	if mean == 0 {
		return 1
	}

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))

	consistency := 1 - math.Sqrt(variance)/mean
	if consistency < 0 {
		return 0
	}
	return consistency
}

// SeriesOnTimeline filters bars down to the timeline's timestamps.
func SeriesOnTimeline(symbol domain.Symbol, bars []domain.Bar, timeline *domain.MasterTimeline) domain.AlignedSeries {
	return domain.AlignedSeries{
		Symbol:    symbol,
		Timeframe: timeline.Timeframe,
		Bars:      timeline.FilterBars(bars),
	}
}

func symbolStrings(symbols []domain.Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = s.String()
	}
	return out
}
