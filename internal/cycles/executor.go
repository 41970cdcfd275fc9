package cycles

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cyclerun/cyclerun/internal/domain"
)

const (
	defaultWorkers        = 4
	defaultDispatchDelay  = 100 * time.Millisecond
	defaultTaskTimeout    = 30 * time.Second
	defaultSampleInterval = time.Second
)

var progressMilestones = [...]int64{25, 50, 75, 100}

// CycleFunc evaluates one task. Implementations must honor ctx; the
// executor abandons the call after the task timeout either way.
type CycleFunc func(ctx context.Context, task domain.CycleTask) (domain.CycleResult, error)

// ExecutorConfig tunes the parallel cycle executor. Zero values fall back
// to defaults; set Cache nil to disable result reuse.
type ExecutorConfig struct {
	Workers       int
	DispatchDelay time.Duration
	TaskTimeout   time.Duration
	StrategyID    string
	Cache         ResultCache
	CacheTTL      time.Duration

	// SampleInterval paces the resource sampler; OnSample receives each
	// reading in addition to the atomic snapshot behind Resources.
	SampleInterval time.Duration
	OnSample       func(cpuPct float64, rssBytes uint64)
}

// Executor fans tasks out to a bounded worker pool. One batch runs at a
// time; Progress and Resources are safe to call from other goroutines
// while a batch is in flight.
type Executor struct {
	workers        int
	dispatchDelay  time.Duration
	taskTimeout    time.Duration
	strategyID     string
	cache          ResultCache
	cacheTTL       time.Duration
	sampleInterval time.Duration
	onSample       func(float64, uint64)

	runMu sync.Mutex

	total     int64
	completed int64
	failed    int64
	cacheHits int64
	running   int64
	milestone int64

	cpuBits  uint64
	rssBytes uint64
}

// NewExecutor builds an executor from cfg, applying defaults for unset
// knobs.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		workers:        cfg.Workers,
		dispatchDelay:  cfg.DispatchDelay,
		taskTimeout:    cfg.TaskTimeout,
		strategyID:     cfg.StrategyID,
		cache:          cfg.Cache,
		cacheTTL:       cfg.CacheTTL,
		sampleInterval: cfg.SampleInterval,
		onSample:       cfg.OnSample,
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.dispatchDelay < 0 {
		e.dispatchDelay = defaultDispatchDelay
	}
	if e.taskTimeout <= 0 {
		e.taskTimeout = defaultTaskTimeout
	}
	if e.strategyID == "" {
		e.strategyID = "default"
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = time.Hour
	}
	if e.sampleInterval <= 0 {
		e.sampleInterval = defaultSampleInterval
	}
	return e
}

// Progress is a point-in-time snapshot of the running batch.
type Progress struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	CacheHits int64 `json:"cache_hits"`
	Running   int64 `json:"running"`
}

// Done counts finished tasks regardless of outcome.
func (p Progress) Done() int64 { return p.Completed + p.Failed }

// Percent reports batch completion in [0,100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Done()) / float64(p.Total) * 100
}

// Progress reads the batch counters without taking a lock.
func (e *Executor) Progress() Progress {
	return Progress{
		Total:     atomic.LoadInt64(&e.total),
		Completed: atomic.LoadInt64(&e.completed),
		Failed:    atomic.LoadInt64(&e.failed),
		CacheHits: atomic.LoadInt64(&e.cacheHits),
		Running:   atomic.LoadInt64(&e.running),
	}
}

// Resources returns the latest sampler reading.
func (e *Executor) Resources() (cpuPct float64, rssBytes uint64) {
	return math.Float64frombits(atomic.LoadUint64(&e.cpuBits)), atomic.LoadUint64(&e.rssBytes)
}

// Run executes every task and returns one result per task, in task order.
// Task failures land in their result slot and never abort the batch; the
// returned error is non-nil only when ctx ended before all tasks were
// dispatched.
func (e *Executor) Run(ctx context.Context, tasks []domain.CycleTask, fn CycleFunc) ([]domain.CycleResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	atomic.StoreInt64(&e.total, int64(len(tasks)))
	atomic.StoreInt64(&e.completed, 0)
	atomic.StoreInt64(&e.failed, 0)
	atomic.StoreInt64(&e.cacheHits, 0)
	atomic.StoreInt64(&e.running, 0)
	atomic.StoreInt64(&e.milestone, 0)

	results := make([]domain.CycleResult, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.sampleLoop(batchCtx)

	workers := e.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	log.Info().
		Int("tasks", len(tasks)).
		Int("workers", workers).
		Str("strategy", e.strategyID).
		Msg("Cycle batch started")
	started := time.Now()

	type indexed struct {
		idx  int
		task domain.CycleTask
	}
	feed := make(chan indexed)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range feed {
				results[item.idx] = e.runOne(ctx, item.task, fn)
			}
		}()
	}

	// Dispatch with a fixed delay between sends so a large batch does not
	// slam downstream data sources all at once.
	dispatched := 0
dispatch:
	for i, task := range tasks {
		select {
		case feed <- indexed{idx: i, task: task}:
			dispatched++
		case <-ctx.Done():
			break dispatch
		}
		if e.dispatchDelay > 0 && i < len(tasks)-1 {
			select {
			case <-time.After(e.dispatchDelay):
			case <-ctx.Done():
				break dispatch
			}
		}
	}
	close(feed)
	wg.Wait()

	if dispatched < len(tasks) {
		for i := dispatched; i < len(tasks); i++ {
			results[i] = domain.FailedCycle(tasks[i], e.strategyID, "canceled before dispatch", 0)
			atomic.AddInt64(&e.failed, 1)
		}
	}

	p := e.Progress()
	log.Info().
		Int64("completed", p.Completed).
		Int64("failed", p.Failed).
		Int64("cache_hits", p.CacheHits).
		Dur("elapsed", time.Since(started)).
		Msg("Cycle batch finished")

	if dispatched < len(tasks) {
		return results, ctx.Err()
	}
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, task domain.CycleTask, fn CycleFunc) domain.CycleResult {
	key := CacheKey(task.Symbol, task.Timeframe, task.WindowEnd, e.strategyID)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			cached.CycleID = task.CycleID
			atomic.AddInt64(&e.cacheHits, 1)
			atomic.AddInt64(&e.completed, 1)
			e.noteDone()
			return cached
		}
	}

	atomic.AddInt64(&e.running, 1)
	defer atomic.AddInt64(&e.running, -1)

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan domain.CycleResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("cycle_id", task.CycleID).
					Str("symbol", string(task.Symbol)).
					Msg("Cycle function panicked")
				done <- domain.FailedCycle(task, e.strategyID, fmt.Sprintf("panic: %v", r), time.Since(started))
			}
		}()
		res, err := fn(taskCtx, task)
		if err != nil {
			res = domain.FailedCycle(task, e.strategyID, err.Error(), time.Since(started))
		}
		done <- res
	}()

	var result domain.CycleResult
	select {
	case result = <-done:
	case <-taskCtx.Done():
		msg := fmt.Sprintf("timeout after %s", e.taskTimeout)
		if ctx.Err() != nil {
			msg = "canceled"
		}
		result = domain.FailedCycle(task, e.strategyID, msg, time.Since(started))
	}

	if result.Success() {
		atomic.AddInt64(&e.completed, 1)
		if e.cache != nil {
			e.cache.Set(key, result, e.cacheTTL)
		}
	} else {
		atomic.AddInt64(&e.failed, 1)
		log.Warn().
			Str("cycle_id", task.CycleID).
			Str("symbol", string(task.Symbol)).
			Str("timeframe", string(task.Timeframe)).
			Str("error", result.ErrorMsg).
			Msg("Cycle failed")
	}
	e.noteDone()
	return result
}

// noteDone logs each quarter milestone exactly once per batch.
func (e *Executor) noteDone() {
	total := atomic.LoadInt64(&e.total)
	if total == 0 {
		return
	}
	done := atomic.LoadInt64(&e.completed) + atomic.LoadInt64(&e.failed)
	pct := done * 100 / total
	for {
		idx := atomic.LoadInt64(&e.milestone)
		if idx >= int64(len(progressMilestones)) || pct < progressMilestones[idx] {
			return
		}
		if atomic.CompareAndSwapInt64(&e.milestone, idx, idx+1) {
			log.Info().
				Int64("percent", progressMilestones[idx]).
				Int64("done", done).
				Int64("total", total).
				Msg("Cycle batch progress")
		}
	}
}

// sampleLoop records process CPU and RSS once per interval until ctx ends.
func (e *Executor) sampleLoop(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debug().Err(err).Msg("Resource sampler unavailable")
		return
	}
	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, err := proc.CPUPercent()
			if err != nil {
				continue
			}
			var rss uint64
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				rss = mi.RSS
			}
			atomic.StoreUint64(&e.cpuBits, math.Float64bits(cpu))
			atomic.StoreUint64(&e.rssBytes, rss)
			if e.onSample != nil {
				e.onSample(cpu, rss)
			}
		}
	}
}
