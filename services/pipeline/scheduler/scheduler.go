// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drives task execution for one pipeline run.
//
// # Modes
//
//   - sequential: one task at a time, in the flattened batch order of the
//     graph (batches concatenated).
//   - parallel: at most MaxParallel tasks at once. The continuous strategy
//     starts a task as soon as its own dependencies succeed; the barrier
//     strategy waits for each ready batch to finish before the next.
//   - async: like continuous parallel without a concurrency bound, for
//     tasks that spend their time waiting on I/O.
//
// Every mode produces the same task states and outputs for a
// deterministic graph.
//
// # Failure policy
//
// A failed task skips its transitive dependents. With FailFast, no task
// starts after the first failure: in-flight tasks run to completion and
// keep their real state, tasks that never started are cancelled, except
// dependents of a failed task, which are skipped. Cancelling the run
// context marks every non-terminal task cancelled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/pipeflow/services/pipeline/cache"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
	"github.com/AleutianAI/pipeflow/services/pipeline/retry"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

// Mode selects how tasks are dispatched.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeAsync      Mode = "async"
)

// Strategy selects how parallel mode advances through the graph.
type Strategy string

const (
	StrategyContinuous Strategy = "continuous"
	StrategyBarrier    Strategy = "barrier"
)

// DefaultMaxParallel is the worker bound when none is configured.
const DefaultMaxParallel = 4

// ParseMode converts a configuration string to a Mode. Matching ignores
// case and surrounding space.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSequential, ModeParallel, ModeAsync:
		return m, nil
	default:
		return "", &dag.ValidationError{
			Field:  "execution_mode",
			Reason: fmt.Sprintf("must be one of sequential, parallel, async; got %q", s),
			Err:    dag.ErrInvalidInput,
		}
	}
}

// ParseStrategy converts a configuration string to a Strategy. Empty
// means continuous.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyContinuous, nil
	case StrategyContinuous, StrategyBarrier:
		return st, nil
	default:
		return "", &dag.ValidationError{
			Field:  "parallel_strategy",
			Reason: fmt.Sprintf("must be continuous or barrier; got %q", s),
			Err:    dag.ErrInvalidInput,
		}
	}
}

// Options configures a Scheduler.
type Options struct {
	// Mode is the dispatch mode. Empty means sequential.
	Mode Mode

	// Strategy applies to parallel mode. Empty means continuous.
	Strategy Strategy

	// MaxParallel bounds concurrent tasks in parallel mode. Values below 1
	// use DefaultMaxParallel.
	MaxParallel int

	// FailFast stops dispatch after the first task failure.
	FailFast bool

	// PipelineName labels logs, spans and metrics.
	PipelineName string

	// Logger receives task events. Defaults to slog.Default().
	Logger *slog.Logger

	// Tracer opens one span per task. Defaults to NoopTracer.
	Tracer telemetry.Tracer

	// Metrics records task instruments. May be nil.
	Metrics *telemetry.Metrics

	// Cache is the run's cache session. Nil disables caching.
	Cache *cache.Session

	// Observer receives task events. May be nil.
	Observer Observer

	// Sleeper replaces retry backoff sleeps. Nil uses real timers.
	Sleeper retry.Sleeper

	// Now is the clock for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Scheduler executes a validated graph.
//
// Thread Safety:
//
//	A Scheduler holds no run state; Run may be called concurrently with
//	different execution contexts and aggregators.
type Scheduler struct {
	graph *dag.Graph
	opts  Options
}

// New creates a Scheduler for graph.
func New(graph *dag.Graph, opts Options) *Scheduler {
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyContinuous
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{graph: graph, opts: opts}
}

// Options returns the effective options.
func (s *Scheduler) Options() Options { return s.opts }

// Run executes every task of the graph and records one result per task
// in agg.
//
// Description:
//
//	Task outputs are written to ec as tasks succeed; root tasks receive
//	the ec output stored under dag.InputsKey, when present, as their only
//	input. Run returns after every task has a terminal result.
//
// Inputs:
//
//	ctx - Run context. Cancellation marks unfinished tasks cancelled.
//	ec - The run's execution context.
//	agg - Receives task results.
//
// Outputs:
//
//	error - A graph validation error before anything ran, or the context
//	  error when the run was cancelled. Task failures are not errors here;
//	  they are recorded in agg.
func (s *Scheduler) Run(ctx context.Context, ec *execctx.Context, agg *result.Aggregator) error {
	r, err := newRun(s, ec, agg)
	if err != nil {
		return err
	}

	switch {
	case s.opts.Mode == ModeSequential:
		r.runSequential(ctx)
	case s.opts.Mode == ModeParallel && s.opts.Strategy == StrategyBarrier:
		r.runBarrier(ctx, s.opts.MaxParallel)
	case s.opts.Mode == ModeParallel:
		r.runContinuous(ctx, s.opts.MaxParallel)
	case s.opts.Mode == ModeAsync:
		r.runContinuous(ctx, -1)
	default:
		return fmt.Errorf("scheduler: unknown mode %q", s.opts.Mode)
	}

	r.sweep(ctx)
	return ctx.Err()
}
