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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipeflow/pkg/logging"
	"github.com/AleutianAI/pipeflow/pkg/ux"
	"github.com/AleutianAI/pipeflow/services/pipeline"
	"github.com/AleutianAI/pipeflow/services/pipeline/config"
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

// errRunFailed is returned when the run finished but not every task
// succeeded.
var errRunFailed = errors.New("pipeline did not succeed")

func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	cfg := logging.Config{
		Level:   level,
		JSON:    logJSON,
		LogDir:  logDir,
		Service: "pipeflow",
	}
	if logExport != "" {
		exporter, err := logging.NewFileExporter(logExport)
		if err != nil {
			return nil, err
		}
		cfg.Exporter = exporter
	}
	return logging.New(cfg), nil
}

// loadConfig reads the config file, if any, applies PIPEFLOW_* overrides
// and then the flags the user actually set.
func loadConfig(path string, flags runFlags, changed func(string) bool, lookup func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()
	cfg.Name = "etl"
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, err
	}

	if changed("mode") {
		cfg.ExecutionMode = flags.Mode
	}
	if changed("parallel") {
		cfg.MaxParallelTasks = flags.Parallel
	}
	if changed("fail-fast") {
		cfg.FailFast = flags.FailFast
	}
	if changed("timeout") {
		cfg.TimeoutSeconds = flags.Timeout
	}
	if flags.NoCache {
		cfg.EnableCaching = false
	}
	if changed("trace-exporter") {
		cfg.Telemetry.TraceExporter = flags.TraceExporter
		cfg.EnableTracing = flags.TraceExporter != telemetry.ExporterNone
	}
	if flags.MetricsAddr != "" {
		cfg.Telemetry.MetricExporter = telemetry.ExporterPrometheus
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg, err := loadConfig(configPath, run, cmd.Flags().Changed, os.LookupEnv)
	if err != nil {
		return err
	}

	providers, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if run.MetricsAddr != "" && providers.MetricsHandler() != nil {
		stop, err := serveMetrics(ctx, run.MetricsAddr, providers.MetricsHandler(), logger.Slog())
		if err != nil {
			return err
		}
		defer func() {
			if run.MetricsLinger > 0 {
				logger.Info("serving metrics after run", "addr", run.MetricsAddr, "linger", run.MetricsLinger)
				select {
				case <-time.After(run.MetricsLinger):
				case <-ctx.Done():
				}
			}
			stop()
		}()
	}

	p, err := pipeline.New(cfg,
		pipeline.WithLogger(logger.Slog()),
		pipeline.WithTelemetry(providers),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := registerDemo(p, demoOptions{Rate: run.Rate, FailTask: run.FailTask}); err != nil {
		return err
	}

	res, runErr := p.Run(ctx, pipeline.RunOptions{
		Inputs: run.Rows,
		DryRun: run.DryRun,
	})
	printReport(ux.NewPrinter(cmd.OutOrStdout(), !ux.IsTerminal(os.Stdout)), res)

	switch {
	case runErr != nil:
		return runErr
	case !res.Succeeded():
		return errRunFailed
	}
	return nil
}

// serveMetrics starts an HTTP server for handler on addr. The returned
// func shuts it down.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// printReport writes one line per task and a summary box.
func printReport(pr *ux.Printer, res *result.PipelineResult) {
	if res == nil {
		return
	}
	pr.Title(fmt.Sprintf("pipeline %s (run %s)", res.PipelineName, res.RunID))

	if res.DryRun {
		pr.Success("dry run: graph and configuration are valid")
	}
	for _, name := range res.TaskNames() {
		tr := res.TaskResults[name]
		pr.Line(taskIcon(tr.State), name, taskDetail(tr))
	}

	summary := res.Summary()
	pairs := [][2]string{
		{"state", string(res.State)},
		{"duration", res.Duration.Round(time.Millisecond).String()},
		{"records", strconv.Itoa(res.RecordsCount)},
	}
	if counts, ok := summary["tasks"].(map[string]int); ok && len(res.TaskResults) > 0 {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if counts[k] > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
			}
		}
		pairs = append(pairs, [2]string{"tasks", strings.Join(parts, " ")})
	}
	if hits, ok := summary["cache_hits"].(int); ok && hits > 0 {
		pairs = append(pairs, [2]string{"cache hits", strconv.Itoa(hits)})
	}
	if res.Error != "" {
		pairs = append(pairs, [2]string{"error", res.Error})
	}
	pr.KeyValues(pairs, !res.Succeeded())
}

func taskIcon(state result.TaskState) ux.Icon {
	switch state {
	case result.TaskSucceeded:
		return ux.IconSuccess
	case result.TaskFailed:
		return ux.IconError
	case result.TaskSkipped:
		return ux.IconPending
	default:
		return ux.IconWarning
	}
}

func taskDetail(tr *result.TaskResult) string {
	parts := []string{string(tr.State), tr.Duration.Round(time.Millisecond).String()}
	if tr.RecordsProcessed > 0 {
		parts = append(parts, fmt.Sprintf("records=%d", tr.RecordsProcessed))
	}
	if tr.RetriesAttempted > 0 {
		parts = append(parts, fmt.Sprintf("retries=%d", tr.RetriesAttempted))
	}
	if tr.CacheHit {
		parts = append(parts, "cached")
	}
	if tr.Error != "" {
		parts = append(parts, tr.Error)
	}
	return strings.Join(parts, " ")
}
