package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Handler runs one scheduled job. The returned string is recorded as
// the execution result.
type Handler func(ctx context.Context) (string, error)

// Scheduler drives the persisted job store. One dispatch goroutine
// computes the next wake and fires due jobs; each execution runs in
// its own goroutine bounded by the job's MaxInstances.
type Scheduler struct {
	cfg   *config.Config
	store *Store
	log   *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]int

	// wake is poked whenever the job table changes so the dispatch
	// loop recomputes its timer.
	wake chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler over an open store. Handlers are registered
// before Run; jobs referencing an unknown handler are skipped with a
// missed row until one appears.
func New(cfg *config.Config, store *Store) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		log:      logging.For(logging.CategoryScheduler),
		handlers: make(map[string]Handler),
		running:  make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler name jobs refer to.
func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

// Add validates and persists a job, computing its first fire time.
// With replace set an existing job of the same id is overwritten.
func (s *Scheduler) Add(job *JobSpec, replace bool) error {
	if job.ID == "" || job.Handler == "" {
		return types.NewFault(types.CodeValidationFailed, "scheduled job needs an id and a handler")
	}
	next, _, err := nextFire(job, time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRun = next
	job.Enabled = true
	if err := s.store.Put(job, replace); err != nil {
		return err
	}
	s.poke()
	return nil
}

// Remove deletes a job and its history.
func (s *Scheduler) Remove(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.poke()
	return nil
}

// Jobs lists the stored jobs.
func (s *Scheduler) Jobs() ([]*JobSpec, error) { return s.store.List() }

// History returns the newest executions of one job.
func (s *Scheduler) History(jobID string, limit int) ([]*Execution, error) {
	return s.store.History(jobID, limit)
}

// Run dispatches until ctx ends, then waits for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.log.Info("scheduler stopped")
	for {
		next, err := s.dispatchDue(ctx)
		if err != nil {
			return err
		}
		wait := time.Minute
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue fires every due enabled job and returns the earliest
// upcoming fire time, zero when no job is pending.
func (s *Scheduler) dispatchDue(ctx context.Context) (time.Time, error) {
	jobs, err := s.store.List()
	if err != nil {
		return time.Time{}, fmt.Errorf("loading scheduled jobs: %w", err)
	}
	now := time.Now().UTC()
	var earliest time.Time
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRun.After(now) {
			if earliest.IsZero() || job.NextRun.Before(earliest) {
				earliest = job.NextRun
			}
			continue
		}
		s.fire(ctx, job, now)
		if refreshed, err := s.store.Get(job.ID); err == nil && refreshed.Enabled {
			if earliest.IsZero() || refreshed.NextRun.Before(earliest) {
				earliest = refreshed.NextRun
			}
		}
	}
	return earliest, nil
}

// fire runs one due job, handling misfires and the instance cap, and
// advances the persisted next-run time.
func (s *Scheduler) fire(ctx context.Context, job *JobSpec, now time.Time) {
	grace := s.cfg.GetMisfireGrace()
	if job.MisfireGrace != "" {
		if d, err := time.ParseDuration(job.MisfireGrace); err == nil && d > 0 {
			grace = d
		}
	}

	misfired := now.Sub(job.NextRun) > grace
	run := true
	if misfired && !job.Coalesce {
		// Too late and the job opted out of catch-up: record the miss
		// and wait for the next slot.
		run = false
		if err := s.store.RecordMissed(job.ID, job.NextRun); err != nil {
			s.log.Warn("recording missed fire", zap.String("job", job.ID), zap.Error(err))
		}
		s.log.Warn("missed fire",
			zap.String("job", job.ID),
			zap.Time("due", job.NextRun),
			zap.Duration("late_by", now.Sub(job.NextRun)))
		metrics.ScheduledRun(job.ID, "missed")
	}

	next, oneShot, err := nextFire(job, now)
	if err != nil {
		s.log.Error("job has an invalid trigger; disabling",
			zap.String("job", job.ID), zap.Error(err))
		_ = s.store.UpdateNextRun(job.ID, job.NextRun, true)
		return
	}
	if err := s.store.UpdateNextRun(job.ID, next, oneShot); err != nil {
		s.log.Warn("persisting next run", zap.String("job", job.ID), zap.Error(err))
	}
	if !run {
		return
	}

	s.mu.Lock()
	h, known := s.handlers[job.Handler]
	limit := maxInstances(job)
	if !known || s.running[job.ID] >= limit {
		s.mu.Unlock()
		if !known {
			s.log.Warn("no handler registered",
				zap.String("job", job.ID), zap.String("handler", job.Handler))
		} else {
			s.log.Warn("instance limit reached, skipping fire",
				zap.String("job", job.ID), zap.Int("limit", limit))
		}
		if err := s.store.RecordMissed(job.ID, job.NextRun); err != nil {
			s.log.Warn("recording missed fire", zap.String("job", job.ID), zap.Error(err))
		}
		metrics.ScheduledRun(job.ID, "missed")
		return
	}
	s.running[job.ID]++
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, job, h)
}

// execute is the listener around one run: start row, handler, end row
// with status and result or error, history prune.
func (s *Scheduler) execute(ctx context.Context, job *JobSpec, h Handler) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[job.ID]--
		s.mu.Unlock()
		s.poke()
	}()

	started := time.Now().UTC()
	execID, err := s.store.RecordStart(job.ID, started)
	if err != nil {
		s.log.Warn("recording execution start", zap.String("job", job.ID), zap.Error(err))
	}

	result, runErr := h(ctx)
	ended := time.Now().UTC()

	status := "ok"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
		s.log.Error("scheduled job failed",
			zap.String("job", job.ID),
			zap.Duration("duration", ended.Sub(started)),
			zap.Error(runErr))
	} else {
		s.log.Info("scheduled job finished",
			zap.String("job", job.ID),
			zap.Duration("duration", ended.Sub(started)))
	}
	metrics.ScheduledRun(job.ID, status)

	if execID != 0 {
		if err := s.store.RecordEnd(execID, status, result, errMsg, ended); err != nil {
			s.log.Warn("recording execution end", zap.String("job", job.ID), zap.Error(err))
		}
	}
	if err := s.store.PruneHistory(job.ID, s.cfg.Scheduler.HistoryLimit); err != nil {
		s.log.Warn("pruning history", zap.String("job", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextFire computes the fire time after now. For date triggers the
// second return is true once the instant has passed: the job is done.
func nextFire(job *JobSpec, now time.Time) (time.Time, bool, error) {
	switch job.Trigger {
	case TriggerCron:
		sched, err := cron.ParseStandard(job.Spec)
		if err != nil {
			return time.Time{}, false, types.Faultf(types.CodeValidationFailed,
				"invalid cron expression %q: %v", job.Spec, err).With("job_id", job.ID)
		}
		return sched.Next(now), false, nil
	case TriggerInterval:
		d, err := time.ParseDuration(job.Spec)
		if err != nil || d <= 0 {
			return time.Time{}, false, types.Faultf(types.CodeValidationFailed,
				"invalid interval %q", job.Spec).With("job_id", job.ID)
		}
		return now.Add(d), false, nil
	case TriggerDate:
		at, err := time.Parse(time.RFC3339, job.Spec)
		if err != nil {
			return time.Time{}, false, types.Faultf(types.CodeValidationFailed,
				"invalid date %q: %v", job.Spec, err).With("job_id", job.ID)
		}
		if !at.After(now) {
			// Already fired (or firing right now): disable.
			return at.UTC(), true, nil
		}
		return at.UTC(), false, nil
	default:
		return time.Time{}, false, types.Faultf(types.CodeValidationFailed,
			"unknown trigger kind %q", job.Trigger).With("job_id", job.ID)
	}
}
