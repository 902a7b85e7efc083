// Package batch pushes many CAD items through one operation with
// selectable concurrency strategies, per-item timeouts and retries,
// and live progress reporting. Every input item ends the batch as
// exactly one of successful, failed, or skipped.
package batch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
	"github.com/cncaiprojem/projem-sub004/internal/uploads"
	"github.com/cncaiprojem/projem-sub004/internal/worker"
)

// Strategy selects how items are driven through the operation.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyChunked    Strategy = "chunked"
	StrategyAdaptive   Strategy = "adaptive"
)

// Item is one unit of batch work. Process stamps Index with the item's
// position in the input slice; results reference it, which is how
// callers re-associate out-of-order parallel results.
type Item struct {
	Index  int            `json:"index"`
	ID     string         `json:"id"`
	Path   string         `json:"path,omitempty"`
	Format string         `json:"format,omitempty"`
	Size   int64          `json:"size,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Operation runs one item. It must honor ctx; the processor applies
// the per-item timeout through it.
type Operation func(ctx context.Context, item Item) (any, error)

// Options tunes one batch run.
type Options struct {
	// Strategy defaults to sequential.
	Strategy Strategy
	// MaxWorkers caps parallel and chunked runs, and bounds the
	// adaptive choice. 0 uses the configured batch parallelism.
	MaxWorkers int
	// ChunkSize applies to the chunked strategy. 0 uses the configured
	// size.
	ChunkSize int
	// ItemTimeout bounds each item. 0 uses the configured timeout.
	ItemTimeout time.Duration
	// ContinueOnError keeps going after item failures instead of
	// skipping the remainder.
	ContinueOnError bool
	// MaxRetries retries retriable item failures with backoff.
	MaxRetries int
	// KeepResults carries each successful operation's value into the
	// report.
	KeepResults bool
	// BatchID names the progress record. Empty draws a fresh id.
	BatchID string
}

// ItemResult is one attempted item's outcome.
type ItemResult struct {
	Index   int           `json:"index"`
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Value   any           `json:"value,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// FormatStats aggregates outcomes per source format.
type FormatStats struct {
	Count   int   `json:"count"`
	OK      int   `json:"ok"`
	Failed  int   `json:"failed"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

// Report is one finished batch. Results hold items that reached their
// own outcome, in completion order. Skipped items (never started, or
// canceled in flight when the batch stopped early) appear in the
// counters and format stats. Always: len(Results)+Skipped == Total and
// Successful+Failed == Processed.
type Report struct {
	BatchID    string                 `json:"batch_id"`
	Total      int                    `json:"total"`
	Processed  int                    `json:"processed"`
	Successful int                    `json:"successful"`
	Failed     int                    `json:"failed"`
	Skipped    int                    `json:"skipped"`
	Results    []ItemResult           `json:"results"`
	Formats    map[string]FormatStats `json:"formats,omitempty"`
	Elapsed    time.Duration          `json:"elapsed"`
}

// Processor drives batches. progress, pipeline, and jobs may each be
// nil: progress then stays in-process, and the import/export
// conveniences refuse to run without their collaborator.
type Processor struct {
	cfg      *config.Config
	log      *zap.Logger
	progress ProgressStore
	pipeline *uploads.Pipeline
	jobs     JobRunner
}

// JobRunner executes one engine job; the worker runtime implements it.
type JobRunner interface {
	Process(ctx context.Context, job *worker.Job) (*worker.Result, error)
}

// NewProcessor wires a batch processor.
func NewProcessor(cfg *config.Config, progress ProgressStore, pipeline *uploads.Pipeline, jobs JobRunner) *Processor {
	if progress == nil {
		progress = NewMemoryProgress()
	}
	return &Processor{
		cfg:      cfg,
		log:      logging.For(logging.CategoryBatch),
		progress: progress,
		pipeline: pipeline,
		jobs:     jobs,
	}
}

// errStop cancels a parallel group after a failure when the batch does
// not continue on error.
var errStop = errors.New("batch stopped on first failure")

// Process runs op over items under the chosen strategy. The returned
// report is complete even when the batch stopped early or ctx was
// canceled; per-item failures are in the report, not the error.
func (p *Processor) Process(ctx context.Context, items []Item, op Operation, opts Options) (*Report, error) {
	if op == nil {
		return nil, types.NewFault(types.CodeValidationFailed, "batch operation is nil")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}
	switch strategy {
	case StrategySequential, StrategyParallel, StrategyChunked, StrategyAdaptive:
	default:
		return nil, types.Faultf(types.CodeValidationFailed, "unknown batch strategy %q", strategy)
	}
	batchID := opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = p.cfg.Batch.MaxParallel
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Work on a stamped copy so caller slices stay untouched.
	stamped := make([]Item, len(items))
	copy(stamped, items)
	for i := range stamped {
		stamped[i].Index = i
	}

	tr := newTracker(p, batchID, len(stamped))
	tr.publish(ctx)
	started := time.Now()

	switch strategy {
	case StrategySequential:
		p.runSequential(ctx, stamped, op, opts, tr)
	case StrategyParallel:
		p.runParallel(ctx, stamped, op, opts, workers, tr)
	case StrategyChunked:
		p.runChunked(ctx, stamped, op, opts, workers, tr)
	case StrategyAdaptive:
		p.runParallel(ctx, stamped, op, opts, p.adaptiveWorkers(stamped, workers), tr)
	}

	report := tr.report(batchID, time.Since(started))
	// The terminal record must land even when the batch was canceled.
	tr.publish(context.WithoutCancel(ctx))

	p.log.Info("batch finished",
		zap.String("batch_id", batchID),
		zap.String("strategy", string(strategy)),
		zap.Int("total", report.Total),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (p *Processor) runSequential(ctx context.Context, items []Item, op Operation, opts Options, tr *tracker) {
	for i := range items {
		if ctx.Err() != nil {
			tr.skipAll(ctx, items[i:])
			return
		}
		res := p.runOne(ctx, items[i], op, opts, tr)
		if !res.OK && !opts.ContinueOnError {
			tr.skipAll(ctx, items[i+1:])
			return
		}
	}
}

// runParallel fans items out over a weighted semaphore. The report is
// true when the batch stopped on a failure.
func (p *Processor) runParallel(ctx context.Context, items []Item, op Operation, opts Options, workers int, tr *tracker) bool {
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	for i := range items {
		item := items[i]
		if err := sem.Acquire(gctx, 1); err != nil {
			tr.skip(ctx, item)
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			if gctx.Err() != nil {
				tr.skip(ctx, item)
				return nil
			}
			res := p.runOne(gctx, item, op, opts, tr)
			if !res.OK && !opts.ContinueOnError {
				return errStop
			}
			return nil
		})
	}
	return g.Wait() != nil
}

func (p *Processor) runChunked(ctx context.Context, items []Item, op Operation, opts Options, workers int, tr *tracker) {
	size := opts.ChunkSize
	if size <= 0 {
		size = p.cfg.Batch.ChunkSize
	}
	if size <= 0 {
		size = workers * 2
	}
	pause := p.cfg.GetChunkPause()

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		if stopped := p.runParallel(ctx, items[start:end], op, opts, workers, tr); stopped {
			tr.skipAll(ctx, items[end:])
			return
		}
		if end < len(items) && pause > 0 {
			select {
			case <-ctx.Done():
				tr.skipAll(ctx, items[end:])
				return
			case <-time.After(pause):
			}
		}
	}
}

func (p *Processor) runOne(ctx context.Context, item Item, op Operation, opts Options, tr *tracker) ItemResult {
	tr.setCurrent(ctx, item.ID)

	timeout := opts.ItemTimeout
	if timeout <= 0 {
		timeout = p.cfg.GetItemTimeout()
	}
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var value any
	attempt := func() error {
		v, err := op(itemCtx, item)
		if err != nil {
			return err
		}
		value = v
		return nil
	}
	var err error
	if opts.MaxRetries > 0 {
		err = worker.Retry(itemCtx, opts.MaxRetries, 0, attempt)
	} else {
		err = attempt()
	}

	res := ItemResult{
		Index:   item.Index,
		ID:      item.ID,
		Elapsed: time.Since(started),
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// The batch stopped while this item was in flight; the item
			// did not fail on its own, so it counts as skipped.
			tr.skip(ctx, item)
			return res
		}
		if itemCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = types.Faultf(types.CodeTimeoutExceeded,
				"item %s exceeded the %s timeout", item.ID, timeout)
		}
		res.Error = err.Error()
		res.Code = types.AsFault(err).Code
	} else {
		res.OK = true
		if opts.KeepResults {
			res.Value = value
		}
	}
	tr.finish(ctx, item, res)
	return res
}

// adaptiveWorkers sizes the pool from the host and the work. CPU count
// comes from gopsutil when it answers, runtime.NumCPU otherwise. The
// memory bound assumes a working set of four times the average item
// size, and 512MB per item when item sizes are unknown.
func (p *Processor) adaptiveWorkers(items []Item, limit int) int {
	cpus := runtime.NumCPU()
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		cpus = n
	}
	workers := cpus

	perItem := int64(512 << 20)
	var total int64
	sized := 0
	for _, it := range items {
		if it.Size > 0 {
			total += it.Size
			sized++
		}
	}
	if sized > 0 {
		perItem = (total / int64(sized)) * 4
		if perItem < 64<<20 {
			perItem = 64 << 20
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil && vm.Available > 0 {
		byMem := int(int64(vm.Available) / perItem)
		if byMem < 1 {
			byMem = 1
		}
		workers = min(workers, byMem)
	}
	if limit > 0 {
		workers = min(workers, limit)
	}
	if len(items) > 0 {
		workers = min(workers, len(items))
	}
	return max(workers, 1)
}

// tracker accumulates one batch's counters, results, and format stats,
// and pushes progress snapshots to the store.
type tracker struct {
	proc    *Processor
	batchID string
	total   int
	started time.Time
	warned  atomic.Bool

	mu         sync.Mutex
	processed  int
	successful int
	failed     int
	skipped    int
	current    string
	results    []ItemResult
	formats    map[string]FormatStats
}

func newTracker(p *Processor, batchID string, total int) *tracker {
	return &tracker{
		proc:    p,
		batchID: batchID,
		total:   total,
		started: time.Now(),
		formats: make(map[string]FormatStats),
	}
}

func (tr *tracker) setCurrent(ctx context.Context, id string) {
	tr.mu.Lock()
	tr.current = id
	tr.mu.Unlock()
	tr.publish(ctx)
}

func (tr *tracker) finish(ctx context.Context, item Item, res ItemResult) {
	tr.mu.Lock()
	tr.processed++
	stats := tr.formats[item.Format]
	stats.Count++
	stats.Bytes += item.Size
	if res.OK {
		tr.successful++
		stats.OK++
	} else {
		tr.failed++
		stats.Failed++
	}
	tr.formats[item.Format] = stats
	tr.results = append(tr.results, res)
	tr.mu.Unlock()

	if res.OK {
		metrics.BatchItem("ok")
	} else {
		metrics.BatchItem("failed")
	}
	tr.publish(ctx)
}

func (tr *tracker) skip(ctx context.Context, item Item) {
	tr.mu.Lock()
	tr.skipped++
	stats := tr.formats[item.Format]
	stats.Count++
	stats.Skipped++
	tr.formats[item.Format] = stats
	tr.mu.Unlock()

	metrics.BatchItem("skipped")
	tr.publish(ctx)
}

func (tr *tracker) skipAll(ctx context.Context, items []Item) {
	if len(items) == 0 {
		return
	}
	tr.mu.Lock()
	for _, item := range items {
		tr.skipped++
		stats := tr.formats[item.Format]
		stats.Count++
		stats.Skipped++
		tr.formats[item.Format] = stats
	}
	tr.mu.Unlock()

	for range items {
		metrics.BatchItem("skipped")
	}
	tr.publish(ctx)
}

func (tr *tracker) snapshot() *Progress {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	done := tr.processed + tr.skipped
	pct := 0.0
	if tr.total > 0 {
		pct = float64(done) / float64(tr.total) * 100
	}
	var etaSeconds float64
	if tr.processed > 0 && done < tr.total {
		perItem := time.Since(tr.started) / time.Duration(tr.processed)
		etaSeconds = (perItem * time.Duration(tr.total-done)).Seconds()
	}
	return &Progress{
		BatchID:    tr.batchID,
		Total:      tr.total,
		Processed:  tr.processed,
		Successful: tr.successful,
		Failed:     tr.failed,
		Skipped:    tr.skipped,
		Current:    tr.current,
		Pct:        pct,
		ETASeconds: etaSeconds,
		UpdatedAt:  time.Now().UTC(),
	}
}

// publish pushes the current snapshot. A store failure is logged once
// and then ignored so a flaky progress backend cannot fail the batch.
func (tr *tracker) publish(ctx context.Context) {
	if err := tr.proc.progress.Put(ctx, tr.snapshot()); err != nil {
		if tr.warned.CompareAndSwap(false, true) {
			tr.proc.log.Warn("progress updates unavailable",
				zap.String("batch_id", tr.batchID),
				zap.Error(err))
		}
	}
}

func (tr *tracker) report(batchID string, elapsed time.Duration) *Report {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	formats := make(map[string]FormatStats, len(tr.formats))
	for k, v := range tr.formats {
		formats[k] = v
	}
	return &Report{
		BatchID:    batchID,
		Total:      tr.total,
		Processed:  tr.processed,
		Successful: tr.successful,
		Failed:     tr.failed,
		Skipped:    tr.skipped,
		Results:    append([]ItemResult(nil), tr.results...),
		Formats:    formats,
		Elapsed:    elapsed,
	}
}
