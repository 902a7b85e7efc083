package batch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testProcessor(t *testing.T, mutate func(*config.Config)) *Processor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Batch.ChunkPause = "1ms"
	if mutate != nil {
		mutate(cfg)
	}
	return NewProcessor(cfg, nil, nil, nil)
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ID: string(rune('a' + i)), Format: "stl", Size: 100}
	}
	return items
}

// checkCounters asserts the batch accounting invariant.
func checkCounters(t *testing.T, rep *Report) {
	t.Helper()
	assert.Equal(t, rep.Total, len(rep.Results)+rep.Skipped, "results plus skipped covers the batch")
	assert.Equal(t, rep.Processed, rep.Successful+rep.Failed, "processed splits into successful and failed")
}

func TestSequentialKeepsOrder(t *testing.T) {
	p := testProcessor(t, nil)

	var order []int
	rep, err := p.Process(context.Background(), makeItems(5),
		func(_ context.Context, item Item) (any, error) {
			order = append(order, item.Index)
			return item.ID, nil
		},
		Options{KeepResults: true})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 5, rep.Total)
	assert.Equal(t, 5, rep.Successful)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 0, rep.Skipped)
	checkCounters(t, rep)

	require.Len(t, rep.Results, 5)
	assert.Equal(t, "a", rep.Results[0].Value)
	assert.True(t, rep.Results[0].OK)
}

func TestParallelBoundsConcurrency(t *testing.T) {
	p := testProcessor(t, nil)

	var inFlight, peak atomic.Int32
	rep, err := p.Process(context.Background(), makeItems(8),
		func(_ context.Context, _ Item) (any, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
		Options{Strategy: StrategyParallel, MaxWorkers: 2})
	require.NoError(t, err)

	assert.Equal(t, 8, rep.Successful)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	checkCounters(t, rep)

	// Parallel results arrive in completion order; indexes cover the
	// input regardless.
	indexes := make([]int, 0, len(rep.Results))
	for _, r := range rep.Results {
		indexes = append(indexes, r.Index)
	}
	sort.Ints(indexes)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, indexes)
}

func TestContinueOnError(t *testing.T) {
	p := testProcessor(t, nil)

	rep, err := p.Process(context.Background(), makeItems(4),
		func(_ context.Context, item Item) (any, error) {
			if item.Index == 1 {
				return nil, types.NewFault(types.CodeValidationFailed, "bad item")
			}
			return nil, nil
		},
		Options{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Processed)
	assert.Equal(t, 3, rep.Successful)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Skipped)
	checkCounters(t, rep)

	var failed *ItemResult
	for i := range rep.Results {
		if !rep.Results[i].OK {
			failed = &rep.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.Index)
	assert.Equal(t, types.CodeValidationFailed, failed.Code)
	assert.Contains(t, failed.Error, "bad item")
}

func TestStopOnFirstFailureSkipsRemainder(t *testing.T) {
	p := testProcessor(t, nil)

	rep, err := p.Process(context.Background(), makeItems(5),
		func(_ context.Context, item Item) (any, error) {
			if item.Index == 1 {
				return nil, types.NewFault(types.CodeSubprocessFailed, "engine died")
			}
			return nil, nil
		},
		Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Successful)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, rep.Skipped)
	checkCounters(t, rep)

	stats := rep.Formats["stl"]
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 1, stats.OK)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Skipped)
}

func TestParallelStopSkipsQueuedItems(t *testing.T) {
	p := testProcessor(t, nil)

	// One worker serializes the batch, so the first failure must skip
	// everything behind it.
	rep, err := p.Process(context.Background(), makeItems(5),
		func(_ context.Context, item Item) (any, error) {
			if item.Index == 0 {
				return nil, types.NewFault(types.CodeSubprocessFailed, "engine died")
			}
			return nil, nil
		},
		Options{Strategy: StrategyParallel, MaxWorkers: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Successful)
	assert.Equal(t, 4, rep.Skipped)
	checkCounters(t, rep)
}

func TestParallelStopCountsCanceledItemAsSkipped(t *testing.T) {
	p := testProcessor(t, nil)

	// Item 1 is in flight when item 0 fails and stops the batch. It
	// exits with the cancellation, which is a skip, not a failure of
	// the item itself.
	blocked := make(chan struct{})
	rep, err := p.Process(context.Background(), makeItems(5),
		func(ctx context.Context, item Item) (any, error) {
			switch item.Index {
			case 0:
				<-blocked
				return nil, types.NewFault(types.CodeSubprocessFailed, "engine died")
			case 1:
				close(blocked)
				<-ctx.Done()
				return nil, ctx.Err()
			default:
				// Only reachable if scheduling lets a queued item start
				// before the cancellation lands; it then exits with it.
				<-ctx.Done()
				return nil, ctx.Err()
			}
		},
		Options{Strategy: StrategyParallel, MaxWorkers: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed, "only the item that failed on its own")
	assert.Equal(t, 0, rep.Successful)
	assert.Equal(t, 4, rep.Skipped)
	assert.Equal(t, 1, rep.Processed)
	checkCounters(t, rep)

	require.Len(t, rep.Results, 1)
	assert.Equal(t, 0, rep.Results[0].Index)
	assert.Equal(t, types.CodeSubprocessFailed, rep.Results[0].Code)
}

func TestChunkedRunsChunksInOrder(t *testing.T) {
	p := testProcessor(t, nil)

	var mu sync.Mutex
	var starts []int
	rep, err := p.Process(context.Background(), makeItems(4),
		func(_ context.Context, item Item) (any, error) {
			mu.Lock()
			starts = append(starts, item.Index)
			mu.Unlock()
			return nil, nil
		},
		Options{Strategy: StrategyChunked, ChunkSize: 2, MaxWorkers: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Successful)
	checkCounters(t, rep)

	require.Len(t, starts, 4)
	first, second := starts[:2], starts[2:]
	sort.Ints(first)
	sort.Ints(second)
	assert.Equal(t, []int{0, 1}, first, "first chunk finishes before the second starts")
	assert.Equal(t, []int{2, 3}, second)
}

func TestItemTimeout(t *testing.T) {
	p := testProcessor(t, nil)

	rep, err := p.Process(context.Background(), makeItems(2),
		func(ctx context.Context, item Item) (any, error) {
			if item.Index == 0 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		},
		Options{ItemTimeout: 30 * time.Millisecond, ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Successful)
	require.False(t, rep.Results[0].OK)
	assert.Equal(t, types.CodeTimeoutExceeded, rep.Results[0].Code)
	checkCounters(t, rep)
}

func TestItemRetriesTransientFailures(t *testing.T) {
	p := testProcessor(t, nil)

	var attempts atomic.Int32
	rep, err := p.Process(context.Background(), makeItems(1),
		func(_ context.Context, _ Item) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, types.NewFault(types.CodeTemporaryFailure, "flaky")
			}
			return "done", nil
		},
		Options{MaxRetries: 2, KeepResults: true})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 1, rep.Successful)
	assert.Equal(t, "done", rep.Results[0].Value)
}

func TestProcessValidation(t *testing.T) {
	p := testProcessor(t, nil)

	_, err := p.Process(context.Background(), makeItems(1), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	_, err = p.Process(context.Background(), makeItems(1),
		func(_ context.Context, _ Item) (any, error) { return nil, nil },
		Options{Strategy: Strategy("turbo")})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestProcessStampsIndexes(t *testing.T) {
	p := testProcessor(t, nil)

	items := []Item{{ID: "x", Index: 99}, {ID: "y", Index: 99}}
	rep, err := p.Process(context.Background(), items,
		func(_ context.Context, item Item) (any, error) { return nil, nil },
		Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Results[0].Index)
	assert.Equal(t, 1, rep.Results[1].Index)
	assert.Equal(t, 99, items[0].Index, "caller slice stays untouched")
}

func TestCanceledContextSkipsEverything(t *testing.T) {
	p := testProcessor(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := p.Process(ctx, makeItems(3),
		func(_ context.Context, _ Item) (any, error) { return nil, nil },
		Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Processed)
	assert.Equal(t, 3, rep.Skipped)
	checkCounters(t, rep)
}

func TestAdaptiveWorkers(t *testing.T) {
	p := testProcessor(t, nil)

	assert.Equal(t, 1, p.adaptiveWorkers(makeItems(1), 8), "never more workers than items")
	assert.LessOrEqual(t, p.adaptiveWorkers(makeItems(100), 4), 4, "the cap holds")
	assert.GreaterOrEqual(t, p.adaptiveWorkers(nil, 0), 1, "at least one worker")

	huge := []Item{{ID: "a", Size: 1 << 40}, {ID: "b", Size: 1 << 40}}
	assert.GreaterOrEqual(t, p.adaptiveWorkers(huge, 8), 1, "huge items still get one worker")
}

func TestProgressReachesTerminalState(t *testing.T) {
	store := NewMemoryProgress()
	cfg := config.DefaultConfig()
	p := NewProcessor(cfg, store, nil, nil)

	_, err := p.Process(context.Background(), makeItems(3),
		func(_ context.Context, item Item) (any, error) {
			if item.Index == 2 {
				return nil, types.NewFault(types.CodeTemporaryFailure, "late failure")
			}
			return nil, nil
		},
		Options{BatchID: "batch-1", ContinueOnError: true})
	require.NoError(t, err)

	prog, err := store.Get(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, prog.Total)
	assert.Equal(t, 3, prog.Processed)
	assert.Equal(t, 2, prog.Successful)
	assert.Equal(t, 1, prog.Failed)
	assert.Equal(t, 100.0, prog.Pct)
	assert.Zero(t, prog.ETASeconds)
}
