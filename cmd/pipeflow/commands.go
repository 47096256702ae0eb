// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Flag values shared by the commands.
var (
	logLevel  string
	logJSON   bool
	logDir    string
	logExport string

	configPath string

	run   runFlags
	watch bool
)

// runFlags holds the flags of the run command.
type runFlags struct {
	Mode          string
	Parallel      int
	FailFast      bool
	Timeout       float64
	DryRun        bool
	NoCache       bool
	TraceExporter string
	MetricsAddr   string
	MetricsLinger time.Duration

	Rows     int
	Rate     float64
	FailTask string
}

var (
	rootCmd = &cobra.Command{
		Use:           "pipeflow",
		Short:         "Run and validate task pipelines",
		Long:          `pipeflow runs dependency-ordered task pipelines with retries, caching and tracing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the demo ETL pipeline",
		Long: `Runs the built-in ETL pipeline (extract, validate, transform, enrich, load)
under the configured execution mode and prints a run report.`,
		Args: cobra.NoArgs,
		RunE: runPipeline,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline configuration file",
		Long: `Loads the configuration file, applies PIPEFLOW_* overrides and checks it,
then validates the demo task graph against it without running any task.`,
		Args: cobra.NoArgs,
		RunE: validateConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pipeflow %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to a daily file in this directory")
	rootCmd.PersistentFlags().StringVar(&logExport, "log-export", "", "Append structured log entries as JSON lines to this file")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Pipeline configuration file (YAML)")

	runCmd.Flags().StringVar(&run.Mode, "mode", "sequential", "Execution mode (sequential, parallel, async)")
	runCmd.Flags().IntVar(&run.Parallel, "parallel", 4, "Maximum concurrent tasks in parallel mode")
	runCmd.Flags().BoolVar(&run.FailFast, "fail-fast", true, "Stop dispatching tasks after the first failure")
	runCmd.Flags().Float64Var(&run.Timeout, "timeout", 0, "Run timeout in seconds (0 = none)")
	runCmd.Flags().BoolVar(&run.DryRun, "dry-run", false, "Validate only; run no task")
	runCmd.Flags().BoolVar(&run.NoCache, "no-cache", false, "Disable output caching")
	runCmd.Flags().StringVar(&run.TraceExporter, "trace-exporter", "none", "Trace exporter (none, stdout, otlp)")
	runCmd.Flags().StringVar(&run.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	runCmd.Flags().DurationVar(&run.MetricsLinger, "metrics-linger", 0, "Keep serving metrics this long after the run")
	runCmd.Flags().IntVar(&run.Rows, "rows", 10, "Number of records the demo source produces")
	runCmd.Flags().Float64Var(&run.Rate, "rate", 0, "Demo source records per second (0 = unlimited)")
	runCmd.Flags().StringVar(&run.FailTask, "fail-task", "", "Make the named demo task fail, to observe failure handling")

	validateCmd.Flags().BoolVar(&watch, "watch", false, "Revalidate whenever the file changes")

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}
