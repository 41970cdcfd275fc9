package cycles

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

func makeTasks(n int, prefix string) []domain.CycleTask {
	tasks := make([]domain.CycleTask, n)
	for i := range tasks {
		tasks[i] = domain.CycleTask{
			CycleID:     fmt.Sprintf("%s-%d", prefix, i),
			Symbol:      "BTCUSDT",
			Timeframe:   domain.Timeframe1h,
			WindowStart: int64(i) * 3600000,
			WindowEnd:   int64(i+1) * 3600000,
		}
	}
	return tasks
}

func succeedFor(task domain.CycleTask, strategyID string) domain.CycleResult {
	return domain.CycleResult{
		CycleID:         task.CycleID,
		Symbol:          task.Symbol,
		Timeframe:       task.Timeframe,
		ExecutionTimeMS: 1,
		PnL:             float64(task.WindowEnd),
		TradesCount:     2,
		WinRate:         50,
		StrategyID:      strategyID,
		Status:          domain.CycleSuccess,
		Timestamp:       time.Now().UTC(),
	}
}

func TestRunExecutesAllTasksInOrder(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{Workers: 4, TaskTimeout: time.Second, StrategyID: "ema-cross"})
	tasks := makeTasks(8, "c")

	var calls int64
	results, err := exec.Run(context.Background(), tasks, func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		atomic.AddInt64(&calls, 1)
		return succeedFor(task, "ema-cross"), nil
	})
	require.NoError(t, err)
	require.Len(t, results, len(tasks))

	for i, res := range results {
		assert.Equal(t, tasks[i].CycleID, res.CycleID, "result %d must sit in its task slot", i)
		assert.True(t, res.Success())
	}
	assert.Equal(t, int64(len(tasks)), atomic.LoadInt64(&calls))

	p := exec.Progress()
	assert.Equal(t, int64(8), p.Total)
	assert.Equal(t, int64(8), p.Completed)
	assert.Equal(t, int64(0), p.Failed)
	assert.Equal(t, int64(0), p.Running)
}

func TestRunBoundsConcurrency(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{Workers: 2, TaskTimeout: time.Second, StrategyID: "ema-cross"})

	var current, peak int64
	results, err := exec.Run(context.Background(), makeTasks(6, "c"), func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return succeedFor(task, "ema-cross"), nil
	})
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "no more than Workers tasks may run at once")
}

func TestRunResultsUnchangedByWorkerCount(t *testing.T) {
	tasks := makeTasks(12, "c")
	eval := func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		return succeedFor(task, "ema-cross"), nil
	}

	type outcome struct {
		id     string
		status domain.CycleStatus
		pnl    float64
		trades int
	}
	project := func(results []domain.CycleResult) []outcome {
		out := make([]outcome, len(results))
		for i, res := range results {
			out[i] = outcome{res.CycleID, res.Status, res.PnL, res.TradesCount}
		}
		return out
	}

	serial, err := NewExecutor(ExecutorConfig{Workers: 1, TaskTimeout: time.Second, StrategyID: "ema-cross"}).
		Run(context.Background(), tasks, eval)
	require.NoError(t, err)
	wide, err := NewExecutor(ExecutorConfig{Workers: 8, TaskTimeout: time.Second, StrategyID: "ema-cross"}).
		Run(context.Background(), tasks, eval)
	require.NoError(t, err)

	assert.Equal(t, project(serial), project(wide), "worker count must not change outcomes")
}

func TestRunRecoversPanics(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{Workers: 2, TaskTimeout: time.Second, StrategyID: "ema-cross"})
	tasks := makeTasks(5, "c")

	results, err := exec.Run(context.Background(), tasks, func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		if task.CycleID == "c-2" {
			panic("boom")
		}
		return succeedFor(task, "ema-cross"), nil
	})
	require.NoError(t, err, "a panicking task must not abort the batch")

	assert.Equal(t, domain.CycleFailed, results[2].Status)
	assert.Contains(t, results[2].ErrorMsg, "panic: boom")
	for i, res := range results {
		if i == 2 {
			continue
		}
		assert.True(t, res.Success(), "task %d should be unaffected by the panic", i)
	}

	p := exec.Progress()
	assert.Equal(t, int64(4), p.Completed)
	assert.Equal(t, int64(1), p.Failed)
}

func TestRunTimesOutSlowTasks(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{Workers: 2, TaskTimeout: 25 * time.Millisecond, StrategyID: "ema-cross"})
	tasks := makeTasks(3, "c")

	results, err := exec.Run(context.Background(), tasks, func(ctx context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		if task.CycleID == "c-1" {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return domain.CycleResult{}, ctx.Err()
			}
		}
		return succeedFor(task, "ema-cross"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CycleFailed, results[1].Status)
	assert.Contains(t, results[1].ErrorMsg, "timeout after")
	assert.True(t, results[0].Success())
	assert.True(t, results[2].Success())
	assert.Equal(t, int64(1), exec.Progress().Failed)
}

func TestRunReusesCachedResults(t *testing.T) {
	cache := NewMemoryCache(100)
	defer cache.Stop()
	exec := NewExecutor(ExecutorConfig{
		Workers:     4,
		TaskTimeout: time.Second,
		StrategyID:  "ema-cross",
		Cache:       cache,
		CacheTTL:    time.Hour,
	})

	var calls int64
	fn := func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		atomic.AddInt64(&calls, 1)
		return succeedFor(task, "ema-cross"), nil
	}

	first, err := exec.Run(context.Background(), makeTasks(3, "r1"), fn)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(0), exec.Progress().CacheHits)

	// Identical windows under new cycle IDs must come from the cache.
	second, err := exec.Run(context.Background(), makeTasks(3, "r2"), fn)
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls), "cached windows must not re-execute")

	p := exec.Progress()
	assert.Equal(t, int64(3), p.CacheHits)
	assert.Equal(t, int64(3), p.Completed)
	for i, res := range second {
		assert.Equal(t, fmt.Sprintf("r2-%d", i), res.CycleID, "cached result must carry the new cycle id")
		assert.InDelta(t, first[i].PnL, res.PnL, 1e-9)
	}
}

func TestRunNeverCachesFailures(t *testing.T) {
	cache := NewMemoryCache(100)
	defer cache.Stop()
	exec := NewExecutor(ExecutorConfig{
		Workers:     2,
		TaskTimeout: time.Second,
		StrategyID:  "ema-cross",
		Cache:       cache,
		CacheTTL:    time.Hour,
	})

	var calls int64
	fn := func(_ context.Context, _ domain.CycleTask) (domain.CycleResult, error) {
		atomic.AddInt64(&calls, 1)
		return domain.CycleResult{}, errors.New("feed unavailable")
	}

	_, err := exec.Run(context.Background(), makeTasks(2, "f1"), fn)
	require.NoError(t, err)
	_, err = exec.Run(context.Background(), makeTasks(2, "f2"), fn)
	require.NoError(t, err)

	assert.Equal(t, int64(4), atomic.LoadInt64(&calls), "failed windows must re-execute on the next batch")
	assert.Equal(t, int64(0), exec.Progress().CacheHits)
	assert.Equal(t, int64(0), cache.Stats().Entries)
}

func TestRunSpacesDispatches(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{
		Workers:       4,
		DispatchDelay: 25 * time.Millisecond,
		TaskTimeout:   time.Second,
		StrategyID:    "ema-cross",
	})

	started := time.Now()
	_, err := exec.Run(context.Background(), makeTasks(3, "c"), func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		return succeedFor(task, "ema-cross"), nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond,
		"three dispatches need two inter-task delays")
}

func TestRunMarksUndispatchedTasksOnCancel(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{
		Workers:       1,
		DispatchDelay: 30 * time.Millisecond,
		TaskTimeout:   time.Second,
		StrategyID:    "ema-cross",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	results, err := exec.Run(ctx, makeTasks(6, "c"), func(_ context.Context, task domain.CycleTask) (domain.CycleResult, error) {
		return succeedFor(task, "ema-cross"), nil
	})
	require.Error(t, err, "an expired context must surface from Run")
	require.Len(t, results, 6, "every task keeps its result slot")

	canceled := 0
	for _, res := range results {
		require.NotEmpty(t, res.Status, "no slot may be left unfilled")
		if res.ErrorMsg == "canceled before dispatch" {
			canceled++
		}
	}
	assert.Greater(t, canceled, 0, "tasks past the deadline should be marked undispatched")
}

func TestProgressMath(t *testing.T) {
	p := Progress{Total: 8, Completed: 5, Failed: 1, CacheHits: 2, Running: 2}
	assert.Equal(t, int64(6), p.Done())
	assert.InDelta(t, 75.0, p.Percent(), 1e-9)
	assert.Zero(t, Progress{}.Percent())
}
