// Command mgf is the CLI surface of the CAD job orchestration and
// caching substrate: the worker daemon, one-shot job execution, script
// validation, and cache, document and scheduler administration.
//
// Exit codes: 0 ok, 1 validation, 2 license, 3 resource, 4 timeout,
// 5 internal.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

var (
	cfgPath string
	verbose bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mgf",
	Short: "MGF - CAD job orchestration and caching substrate",
	Long: `MGF runs FreeCAD geometry jobs in isolated worker processes behind a
two-tier deterministic result cache.

The worker daemon consumes job queues; the remaining commands are
one-shot tools sharing the same configuration. All failures print a
machine-readable fault record {code, message, details} on stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = os.Getenv("MGF_CONFIG")
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Initialize(level, cfg.Logging.File)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"config file path (default $MGF_CONFIG, falling back to built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"debug logging")
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fault := types.AsFault(err)
	if out, merr := json.Marshal(fault); merr == nil {
		fmt.Fprintln(os.Stderr, string(out))
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	return exitFor(err)
}

// exitFor maps a fault onto the documented exit codes. Errors without
// a fault code are internal.
func exitFor(err error) int {
	code := types.CodeOf(err)
	if code == "" {
		return 5
	}
	switch code {
	case types.CodeLicenseRestriction:
		return 2
	case types.CodeTimeoutExceeded:
		return 4
	}
	switch types.KindOf(err) {
	case types.KindUserInput:
		return 1
	case types.KindResource:
		return 3
	}
	return 5
}

// printJSON writes v to stdout, indented for humans.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
