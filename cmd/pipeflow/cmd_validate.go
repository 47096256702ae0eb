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
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pipeflow/pkg/logging"
	"github.com/AleutianAI/pipeflow/pkg/ux"
	"github.com/AleutianAI/pipeflow/services/pipeline"
	"github.com/AleutianAI/pipeflow/services/pipeline/config"
)

var errNoConfig = errors.New("--config is required")

func validateConfig(cmd *cobra.Command, _ []string) error {
	if configPath == "" {
		return errNoConfig
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	pr := ux.NewPrinter(cmd.OutOrStdout(), !ux.IsTerminal(os.Stdout))
	err = checkConfig(cmd.Context(), configPath, pr)
	if !watch {
		return err
	}

	pr.Muted(fmt.Sprintf("watching %s for changes (Ctrl-C to stop)", configPath))
	return watchFile(cmd.Context(), configPath, logger.Slog(), func() {
		_ = checkConfig(cmd.Context(), configPath, pr)
	})
}

// checkConfig loads path and dry-runs the demo graph under it.
func checkConfig(ctx context.Context, path string, pr *ux.Printer) error {
	cfg, err := config.LoadFile(path)
	if err == nil {
		err = cfg.ApplyEnv(nil)
	}
	if err != nil {
		pr.Error(err.Error())
		return err
	}

	quiet := logging.New(logging.Config{Quiet: true})
	defer quiet.Close()
	cfg.EnableCaching = false
	p, err := pipeline.New(cfg, pipeline.WithLogger(quiet.Slog()))
	if err != nil {
		pr.Error(err.Error())
		return err
	}
	defer p.Close()

	if err := registerDemo(p, demoOptions{}); err != nil {
		pr.Error(err.Error())
		return err
	}
	if _, err := p.Run(ctx, pipeline.RunOptions{DryRun: true}); err != nil {
		pr.Error(err.Error())
		return err
	}

	pr.Line(ux.IconSuccess, cfg.Name, fmt.Sprintf("valid: mode=%s max_parallel_tasks=%d fail_fast=%t timeout=%s",
		cfg.ExecutionMode, cfg.MaxParallelTasks, cfg.FailFast, cfg.Timeout()))
	return nil
}

// watchFile calls onChange each time path is written or replaced, until
// ctx is done.
//
// The parent directory is watched because editors often save by
// renaming a temporary file over the original.
func watchFile(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				logger.Debug("config changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}
