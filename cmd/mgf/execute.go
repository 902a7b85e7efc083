package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cncaiprojem/projem-sub004/internal/document"
	"github.com/cncaiprojem/projem-sub004/internal/rules"
	"github.com/cncaiprojem/projem-sub004/internal/storage"
	"github.com/cncaiprojem/projem-sub004/internal/types"
	"github.com/cncaiprojem/projem-sub004/internal/worker"
)

var execFlags struct {
	tenant  string
	tier    string
	opType  string
	script  string
	params  string
	formats []string
	jobID   string
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run one CAD job in an engine subprocess and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptBytes, err := os.ReadFile(execFlags.script)
		if err != nil {
			return types.WrapFault(types.CodeValidationFailed, "reading script file", err).
				With("path", execFlags.script)
		}
		var params map[string]any
		if execFlags.params != "" {
			paramBytes, err := os.ReadFile(execFlags.params)
			if err != nil {
				return types.WrapFault(types.CodeValidationFailed, "reading params file", err).
					With("path", execFlags.params)
			}
			if err := json.Unmarshal(paramBytes, &params); err != nil {
				return types.WrapFault(types.CodeValidationFailed, "params file is not a JSON object", err).
					With("path", execFlags.params)
			}
		}
		jobID := execFlags.jobID
		if jobID == "" {
			jobID = "cli-" + uuid.NewString()
		}

		ctx := cmd.Context()
		rulesEng, err := rules.NewEngine(cfg)
		if err != nil {
			return err
		}
		defer rulesEng.Close()

		var store storage.Store
		if cfg.Storage.URL != "" {
			if store, err = storage.Open(ctx, cfg.Storage.URL); err != nil {
				return err
			}
			defer store.Close()
		}

		var docMgr *document.Manager
		if cfg.Worker.DocumentLifecycle {
			// One-shot runs use the memory kernel: the engine
			// subprocess owns the real model state for the job.
			if docMgr, err = document.NewManager(cfg, document.NewMemoryKernel()); err != nil {
				return err
			}
			defer docMgr.Close()
		}

		exec := worker.NewExecutor(cfg, rulesEng, docMgr, store)
		result, err := exec.Execute(ctx, &worker.Request{
			TenantID:      execFlags.tenant,
			Tier:          execFlags.tier,
			OpType:        execFlags.opType,
			Script:        string(scriptBytes),
			Params:        params,
			OutputFormats: execFlags.formats,
			JobID:         jobID,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <script.py>",
	Short: "Normalize and validate a CAD script without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return types.WrapFault(types.CodeValidationFailed, "reading script file", err).
				With("path", args[0])
		}
		rulesEng, err := rules.NewEngine(cfg)
		if err != nil {
			return err
		}
		defer rulesEng.Close()

		script, result, err := rulesEng.ValidateScript(cmd.Context(), string(src))
		if err != nil {
			return err
		}
		if perr := printJSON(map[string]any{
			"ok":       result.OK,
			"errors":   result.Errors,
			"warnings": result.Warnings,
			"script":   script,
		}); perr != nil {
			return perr
		}
		if !result.OK {
			first := result.Errors[0]
			return types.Faultf(first.Code, "%s", first.Message)
		}
		return nil
	},
}

func init() {
	executeCmd.Flags().StringVar(&execFlags.tenant, "tenant", "", "tenant id")
	executeCmd.Flags().StringVar(&execFlags.tier, "tier", string(types.TierBasic), "resource tier (basic|pro|enterprise)")
	executeCmd.Flags().StringVar(&execFlags.opType, "op", "model", "operation type")
	executeCmd.Flags().StringVar(&execFlags.script, "script", "", "script file (required)")
	executeCmd.Flags().StringVar(&execFlags.params, "params", "", "JSON params file")
	executeCmd.Flags().StringSliceVar(&execFlags.formats, "format", nil, "requested output formats")
	executeCmd.Flags().StringVar(&execFlags.jobID, "job-id", "", "job id (default generated)")
	if err := executeCmd.MarkFlagRequired("script"); err != nil {
		panic(fmt.Sprintf("marking --script required: %v", err))
	}
	if err := executeCmd.MarkFlagRequired("tenant"); err != nil {
		panic(fmt.Sprintf("marking --tenant required: %v", err))
	}
	rootCmd.AddCommand(executeCmd, validateCmd)
}
