package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/cache"
	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/document"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
)

// Builtin handler names.
const (
	HandlerModelOptimization = "model_optimization"
	HandlerTempCleanup       = "temp_cleanup"
	HandlerDailyReport       = "daily_report"
	HandlerDatabaseBackup    = "database_backup"
	HandlerCacheRefresh      = "cache_refresh"
)

// RegisterBuiltins wires the recurring maintenance handlers and their
// default jobs. cacheMgr and docs may be nil; the handlers degrade to
// logging what they skipped.
func RegisterBuiltins(s *Scheduler, cfg *config.Config, cacheMgr *cache.Manager, docs *document.Manager) error {
	log := logging.For(logging.CategoryScheduler)

	s.Register(HandlerModelOptimization, modelOptimization(cfg, docs, log))
	s.Register(HandlerTempCleanup, tempCleanup(cfg, log))
	s.Register(HandlerDailyReport, dailyReport(s.store))
	s.Register(HandlerDatabaseBackup, func(ctx context.Context) (string, error) {
		// Stub until the platform database grows a backup endpoint.
		return "skipped: no database backup target configured", nil
	})
	s.Register(HandlerCacheRefresh, func(ctx context.Context) (string, error) {
		// Stub: refresh of precomputed templates is driven upstream.
		if cacheMgr == nil {
			return "skipped: no cache manager", nil
		}
		return "noop", nil
	})

	defaults := []*JobSpec{
		{ID: "builtin-model-optimization", Name: "Nightly model optimization",
			Trigger: TriggerCron, Spec: "0 3 * * *", Handler: HandlerModelOptimization, Coalesce: true},
		{ID: "builtin-temp-cleanup", Name: "Hourly temp cleanup",
			Trigger: TriggerCron, Spec: "0 * * * *", Handler: HandlerTempCleanup, Coalesce: true},
		{ID: "builtin-daily-report", Name: "Daily execution report",
			Trigger: TriggerCron, Spec: "0 6 * * *", Handler: HandlerDailyReport, Coalesce: true},
		{ID: "builtin-database-backup", Name: "Daily database backup",
			Trigger: TriggerCron, Spec: "30 2 * * *", Handler: HandlerDatabaseBackup, Coalesce: true},
		{ID: "builtin-cache-refresh", Name: "Cache refresh",
			Trigger: TriggerCron, Spec: "15 */6 * * *", Handler: HandlerCacheRefresh, Coalesce: true},
	}
	for _, job := range defaults {
		if err := s.Add(job, true); err != nil {
			return fmt.Errorf("installing builtin job %s: %w", job.ID, err)
		}
	}
	return nil
}

// modelOptimization is the nightly pass: prune expired document
// backups and surface per-document storage stats. Mesh and feature
// optimization run inside the engine and are dispatched as ordinary
// jobs; this handler only does the storage side.
func modelOptimization(cfg *config.Config, docs *document.Manager, log *zap.Logger) Handler {
	return func(ctx context.Context) (string, error) {
		if docs == nil {
			return "skipped: no document manager", nil
		}
		pruned := docs.PruneBackups(ctx)
		return fmt.Sprintf("pruned %d expired backups", pruned), nil
	}
}

// tempCleanup removes stale files under the configured temp path.
func tempCleanup(cfg *config.Config, log *zap.Logger) Handler {
	return func(ctx context.Context) (string, error) {
		root := cfg.Scheduler.TempCleanPath
		if root == "" {
			root = filepath.Join(os.TempDir(), "mgf")
		}
		maxAge := 24 * time.Hour
		if d, err := time.ParseDuration(cfg.Scheduler.TempCleanAge); err == nil && d > 0 {
			maxAge = d
		}
		cutoff := time.Now().Add(-maxAge)

		var removed int
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			return "nothing to clean", nil
		}
		if err != nil {
			return "", fmt.Errorf("reading temp root %s: %w", root, err)
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Warn("removing stale temp entry", zap.String("path", path), zap.Error(err))
				continue
			}
			removed++
		}
		return fmt.Sprintf("removed %d stale entries under %s", removed, root), nil
	}
}

// dailyReport summarizes the prior 24 hours of executions.
func dailyReport(store *Store) Handler {
	return func(ctx context.Context) (string, error) {
		since := time.Now().UTC().Add(-24 * time.Hour)
		execs, err := store.ExecutionsSince(since)
		if err != nil {
			return "", err
		}
		type jobStats struct {
			Runs   int `json:"runs"`
			OK     int `json:"ok"`
			Errors int `json:"errors"`
			Missed int `json:"missed"`
		}
		byJob := make(map[string]*jobStats)
		for _, e := range execs {
			st := byJob[e.JobID]
			if st == nil {
				st = &jobStats{}
				byJob[e.JobID] = st
			}
			st.Runs++
			switch e.Status {
			case "ok":
				st.OK++
			case "error":
				st.Errors++
			case "missed":
				st.Missed++
			}
		}
		report, err := json.Marshal(map[string]any{
			"since": since.Format(time.RFC3339),
			"total": len(execs),
			"jobs":  byJob,
		})
		if err != nil {
			return "", fmt.Errorf("marshaling report: %w", err)
		}
		return string(report), nil
	}
}
