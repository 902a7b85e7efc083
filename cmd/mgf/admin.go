package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/projem-sub004/internal/cache"
	"github.com/cncaiprojem/projem-sub004/internal/document"
	"github.com/cncaiprojem/projem-sub004/internal/fingerprint"
	"github.com/cncaiprojem/projem-sub004/internal/scheduler"
	"github.com/cncaiprojem/projem-sub004/internal/types"
	"github.com/cncaiprojem/projem-sub004/internal/worker"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache administration",
}

var cacheInvalidateFingerprint string

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate every cached artifact of an engine fingerprint",
	Long: `Deletes all cache entries tagged under an engine fingerprint. Without
--fingerprint the current engine is detected and its own tag set is
invalidated (the usual post-upgrade cleanup of the previous build is
done by passing the old fingerprint string).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		engineBin, err := worker.DiscoverEngine(ctx, cfg)
		if err != nil {
			return err
		}
		fp, err := fingerprint.Detect(ctx, engineBin.Path, meshSchema, nil, nil)
		if err != nil {
			return err
		}
		mgr, err := cache.New(fp, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		target := cacheInvalidateFingerprint
		if target == "" {
			target = fp.String()
		}
		deleted, err := mgr.InvalidateEngine(ctx, target)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"fingerprint": target,
			"deleted":     deleted,
		})
	},
}

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Document administration",
}

// openDocManager builds a manager over the persisted document tree.
// Admin commands use the memory kernel: they touch metadata and
// backups, never live geometry.
func openDocManager() (*document.Manager, error) {
	return document.NewManager(cfg, document.NewMemoryKernel())
}

var docStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the aggregated state of a persisted document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openDocManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		doc, err := mgr.OpenDocument(cmd.Context(), args[0], false)
		if err != nil {
			return err
		}
		status, err := mgr.GetStatus(doc.ID)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var docBackupCmd = &cobra.Command{
	Use:   "backup <job-id>",
	Short: "Create a backup of a persisted document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openDocManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		doc, err := mgr.OpenDocument(cmd.Context(), args[0], false)
		if err != nil {
			return err
		}
		backup, err := mgr.CreateBackup(cmd.Context(), doc.ID)
		if err != nil {
			return err
		}
		return printJSON(backup)
	},
}

var schedCmd = &cobra.Command{
	Use:   "sched",
	Short: "Scheduler administration",
}

// openScheduler gives admin commands the persisted job table without
// starting the dispatch loop.
func openScheduler() (*scheduler.Scheduler, func(), error) {
	store, err := scheduler.NewStore(cfg.Scheduler.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return scheduler.New(cfg, store), func() { _ = store.Close() }, nil
}

var schedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeStore, err := openScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		jobs, err := s.Jobs()
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var schedAddFlags struct {
	name         string
	trigger      string
	spec         string
	handler      string
	maxInstances int
	coalesce     bool
	replace      bool
}

var schedAddCmd = &cobra.Command{
	Use:   "add <job-id>",
	Short: "Persist a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeStore, err := openScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		job := &scheduler.JobSpec{
			ID:           args[0],
			Name:         schedAddFlags.name,
			Trigger:      scheduler.TriggerKind(schedAddFlags.trigger),
			Spec:         schedAddFlags.spec,
			Handler:      schedAddFlags.handler,
			MaxInstances: schedAddFlags.maxInstances,
			Coalesce:     schedAddFlags.coalesce,
		}
		if job.Name == "" {
			job.Name = job.ID
		}
		if err := s.Add(job, schedAddFlags.replace); err != nil {
			return err
		}
		return printJSON(job)
	},
}

var schedRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Delete a scheduled job and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeStore, err := openScheduler()
		if err != nil {
			return err
		}
		defer closeStore()
		return s.Remove(args[0])
	},
}

var schedHistoryCmd = &cobra.Command{
	Use:   "history <job-id> [limit]",
	Short: "Show the newest executions of a scheduled job",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := cfg.Scheduler.HistoryLimit
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return types.Faultf(types.CodeValidationFailed, "limit %q is not a positive integer", args[1])
			}
			limit = n
		}
		s, closeStore, err := openScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		hist, err := s.History(args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(hist)
	},
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheInvalidateFingerprint, "fingerprint", "",
		"full engine fingerprint string to invalidate (default: current engine)")
	cacheCmd.AddCommand(cacheInvalidateCmd)

	docCmd.AddCommand(docStatusCmd, docBackupCmd)

	schedAddCmd.Flags().StringVar(&schedAddFlags.name, "name", "", "display name")
	schedAddCmd.Flags().StringVar(&schedAddFlags.trigger, "trigger", "cron", "trigger kind (cron|interval|date)")
	schedAddCmd.Flags().StringVar(&schedAddFlags.spec, "spec", "", "cron expression, interval duration, or RFC3339 date")
	schedAddCmd.Flags().StringVar(&schedAddFlags.handler, "handler", "", "registered handler name")
	schedAddCmd.Flags().IntVar(&schedAddFlags.maxInstances, "max-instances", 1, "concurrent instance cap")
	schedAddCmd.Flags().BoolVar(&schedAddFlags.coalesce, "coalesce", true, "collapse a missed backlog into one run")
	schedAddCmd.Flags().BoolVar(&schedAddFlags.replace, "replace", false, "overwrite an existing job of the same id")
	schedCmd.AddCommand(schedListCmd, schedAddCmd, schedRemoveCmd, schedHistoryCmd)

	rootCmd.AddCommand(cacheCmd, docCmd, schedCmd)
}
