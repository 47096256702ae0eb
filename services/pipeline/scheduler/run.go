// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/pipeflow/services/pipeline/cache"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
	"github.com/AleutianAI/pipeflow/services/pipeline/retry"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

// run is the state of one Scheduler.Run call.
type run struct {
	opts   Options
	graph  *dag.Graph
	ec     *execctx.Context
	agg    *result.Aggregator
	logger *slog.Logger
	runID  string

	order      []string
	defs       map[string]*dag.TaskDefinition
	position   map[string]int
	deps       map[string][]string
	dependents map[string][]string

	mu        sync.Mutex
	states    map[string]result.TaskState
	remaining map[string]int
	ready     readyQueue
	inflight  int
	aborted   bool
	wake      chan struct{}
}

func newRun(s *Scheduler, ec *execctx.Context, agg *result.Aggregator) (*run, error) {
	order, err := s.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	r := &run{
		opts:       s.opts,
		graph:      s.graph,
		ec:         ec,
		agg:        agg,
		runID:      ec.RunID(),
		order:      order,
		defs:       make(map[string]*dag.TaskDefinition, len(order)),
		position:   make(map[string]int, len(order)),
		deps:       make(map[string][]string, len(order)),
		dependents: make(map[string][]string, len(order)),
		states:     make(map[string]result.TaskState, len(order)),
		remaining:  make(map[string]int, len(order)),
		wake:       make(chan struct{}, 1),
	}
	r.logger = s.opts.Logger.With(
		slog.String("pipeline", s.opts.PipelineName),
		slog.String("run_id", r.runID),
	)

	for i, def := range s.graph.Definitions() {
		r.defs[def.Name] = def
		r.position[def.Name] = i
		deps := dedupe(def.DependsOn)
		r.deps[def.Name] = deps
		r.remaining[def.Name] = len(deps)
		for _, dep := range deps {
			r.dependents[dep] = append(r.dependents[dep], def.Name)
		}
	}
	return r, nil
}

func (r *run) runSequential(ctx context.Context) {
	for _, name := range r.order {
		if r.stopped(ctx) {
			return
		}
		if r.startable(name) {
			r.execute(ctx, name)
		}
	}
}

func (r *run) runBarrier(ctx context.Context, limit int) {
	batches, err := r.graph.Batches()
	if err != nil {
		return
	}
	for batch := range batches.All() {
		if r.stopped(ctx) {
			return
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for _, name := range batch {
			if r.stopped(ctx) {
				break
			}
			if !r.startable(name) {
				continue
			}
			g.Go(func() error {
				r.execute(ctx, name)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// runContinuous starts each task once its own dependencies succeed. A
// negative limit means unbounded.
func (r *run) runContinuous(ctx context.Context, limit int) {
	var g errgroup.Group
	g.SetLimit(limit)
	defer func() { _ = g.Wait() }()

	r.mu.Lock()
	for _, name := range r.order {
		if r.remaining[name] == 0 {
			r.ready.push(r.item(name))
		}
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		for r.ready.len() > 0 && !r.aborted && ctx.Err() == nil && (limit < 0 || r.inflight < limit) {
			item := r.ready.pop()
			if _, done := r.states[item.name]; done {
				continue
			}
			r.inflight++
			g.Go(func() error {
				r.execute(ctx, item.name)
				r.release()
				return nil
			})
		}
		idle := r.inflight == 0
		r.mu.Unlock()

		if idle {
			return
		}
		select {
		case <-r.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (r *run) release() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) item(name string) readyItem {
	return readyItem{name: name, priority: r.defs[name].Priority, position: r.position[name]}
}

func (r *run) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// startable reports whether name has no result yet and every dependency
// succeeded.
func (r *run) startable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.states[name]; done {
		return false
	}
	for _, dep := range r.deps[name] {
		if r.states[dep] != result.TaskSucceeded {
			return false
		}
	}
	return true
}

// execute runs one task and records its result.
func (r *run) execute(ctx context.Context, name string) {
	def := r.defs[name]
	if r.stopped(ctx) {
		r.cancel(ctx, name)
		return
	}

	inputs := r.inputsFor(name)
	start := r.opts.Now()
	r.opts.Observer.OnTaskStart(r.runID, name)
	r.logger.Debug("task started", slog.String("task", name))

	taskCtx, span := r.opts.Tracer.Start(ctx, "task."+name)
	span.SetAttribute("task", name)
	span.SetAttribute("run_id", r.runID)
	span.SetAttribute("priority", def.Priority)
	if len(def.DependsOn) > 0 {
		span.SetAttribute("dependencies", def.DependsOn)
	}
	for k, v := range def.Tags {
		span.SetAttribute("tag."+k, v)
	}
	r.opts.Metrics.TaskStarted(ctx, r.opts.PipelineName, name)

	tr := r.invoke(taskCtx, def, inputs, span)
	end := r.opts.Now()
	tr.Name = name
	tr.StartTime = start
	tr.EndTime = end
	tr.Duration = end.Sub(start)
	tr.Tags = maps.Clone(def.Tags)

	if tr.State == result.TaskSucceeded {
		if err := r.ec.SetOutput(name, tr.Output); err != nil {
			tr.State = result.TaskFailed
			tr.Output = nil
			tr.Err = err
		}
	}

	span.SetAttribute("state", string(tr.State))
	span.SetAttribute("cache_hit", tr.CacheHit)
	span.SetAttribute("retries", tr.RetriesAttempted)
	span.SetAttribute("records", tr.RecordsProcessed)
	if tr.State == result.TaskFailed {
		span.RecordError(tr.Err)
	}
	span.End()

	r.opts.Metrics.TaskFinished(ctx, r.opts.PipelineName, name, string(tr.State), tr.Duration, tr.RecordsProcessed)
	r.logResult(tr)

	r.mu.Lock()
	r.recordLocked(tr)
	r.mu.Unlock()
}

// invoke produces the result of one task from the cache or by running it
// under its retry policy.
func (r *run) invoke(ctx context.Context, def *dag.TaskDefinition, in dag.Inputs, span telemetry.Span) *result.TaskResult {
	policy := dag.RetryPolicy{MaxAttempts: 1}
	if def.Retry != nil {
		policy = *def.Retry
	}
	exec := retry.New(policy,
		retry.WithLogger(r.logger),
		retry.WithSleeper(r.opts.Sleeper),
		retry.WithRetryHook(func(task string, attempt int, delay time.Duration, err error) {
			r.opts.Metrics.Retry(ctx, r.opts.PipelineName, task)
			span.AddEvent("retry", map[string]any{
				"attempt": attempt,
				"delay":   delay,
				"error":   err.Error(),
			})
		}),
	)
	call := func() retry.Outcome {
		return exec.Do(ctx, def.Name, def.Timeout, func(attemptCtx context.Context) (any, error) {
			return def.Task.Run(attemptCtx, r.ec, in)
		})
	}

	if def.Cache == nil || r.opts.Cache == nil {
		return fromOutcome(call())
	}

	key, err := cache.DeriveKey(def.Name, *def.Cache, in)
	if err != nil {
		r.logger.Warn("cache key unavailable, running uncached",
			slog.String("task", def.Name),
			slog.String("error", err.Error()),
		)
		return fromOutcome(call())
	}

	var outcome retry.Outcome
	ran := false
	entry, hit, err := r.opts.Cache.Do(ctx, key, *def.Cache, func() (cache.Entry, error) {
		ran = true
		outcome = call()
		if outcome.Err != nil {
			return cache.Entry{}, outcome.Err
		}
		return cache.Entry{Value: outcome.Value, Records: outcome.Records}, nil
	})
	r.opts.Metrics.CacheLookup(ctx, r.opts.PipelineName, def.Name, hit)

	switch {
	case ran:
		return fromOutcome(outcome)
	case err == nil:
		r.logger.Debug("task cache hit", slog.String("task", def.Name), slog.String("key", key))
		span.AddEvent("cache_hit", map[string]any{"key": key})
		return &result.TaskResult{
			State:            result.TaskSucceeded,
			Output:           entry.Value,
			RecordsProcessed: entry.Records,
			CacheHit:         true,
		}
	default:
		// Another run computed this key and was interrupted before its
		// task finished; that says nothing about this run.
		var taskErr *dag.TaskError
		if !errors.As(err, &taskErr) && ctx.Err() == nil {
			return fromOutcome(call())
		}
		return fromOutcome(retry.Outcome{Err: err, Cancelled: ctx.Err() != nil})
	}
}

func fromOutcome(o retry.Outcome) *result.TaskResult {
	tr := &result.TaskResult{RetriesAttempted: o.Retries()}
	switch {
	case o.Cancelled:
		tr.State = result.TaskCancelled
		tr.Err = o.Err
	case o.Err != nil:
		tr.State = result.TaskFailed
		tr.Err = o.Err
	default:
		tr.State = result.TaskSucceeded
		tr.Output = o.Value
		tr.RecordsProcessed = o.Records
	}
	return tr
}

func (r *run) inputsFor(name string) dag.Inputs {
	deps := r.deps[name]
	if len(deps) == 0 {
		if v, ok := r.ec.GetOutput(dag.InputsKey); ok {
			return dag.NewInputs([]string{dag.InputsKey}, []any{v})
		}
		return dag.Inputs{}
	}
	values := make([]any, len(deps))
	for i, dep := range deps {
		values[i], _ = r.ec.GetOutput(dep)
	}
	return dag.NewInputs(deps, values)
}

// recordLocked stores tr and propagates its effect on the rest of the
// graph. r.mu must be held.
func (r *run) recordLocked(tr *result.TaskResult) {
	if _, done := r.states[tr.Name]; done {
		return
	}
	if tr.Err != nil && tr.Error == "" {
		tr.Error = tr.Err.Error()
	}
	r.states[tr.Name] = tr.State
	r.agg.Record(tr)
	r.opts.Observer.OnTaskEnd(r.runID, *tr)

	switch tr.State {
	case result.TaskSucceeded:
		for _, dependent := range r.dependents[tr.Name] {
			r.remaining[dependent]--
			if r.remaining[dependent] == 0 {
				if _, done := r.states[dependent]; !done {
					r.ready.push(r.item(dependent))
				}
			}
		}
	case result.TaskFailed:
		if r.opts.FailFast && !r.aborted {
			r.aborted = true
			r.logger.Warn("fail-fast: no further tasks will start", slog.String("failed_task", tr.Name))
		}
		r.skipDependentsLocked(tr.Name)
	case result.TaskSkipped:
		r.skipDependentsLocked(tr.Name)
	}
}

func (r *run) skipDependentsLocked(name string) {
	for _, dependent := range r.dependents[name] {
		if _, done := r.states[dependent]; done {
			continue
		}
		now := r.opts.Now()
		tr := &result.TaskResult{
			Name:      dependent,
			State:     result.TaskSkipped,
			Error:     fmt.Sprintf("dependency %q did not succeed", name),
			StartTime: now,
			EndTime:   now,
			Tags:      maps.Clone(r.defs[dependent].Tags),
		}
		r.opts.Metrics.TaskOutcome(context.Background(), r.opts.PipelineName, dependent, string(tr.State), 0)
		r.logResult(tr)
		r.recordLocked(tr)
	}
}

// cancel records name as cancelled without running it.
func (r *run) cancel(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(ctx, name)
}

func (r *run) cancelLocked(ctx context.Context, name string) {
	if _, done := r.states[name]; done {
		return
	}
	now := r.opts.Now()
	tr := &result.TaskResult{
		Name:      name,
		State:     result.TaskCancelled,
		StartTime: now,
		EndTime:   now,
		Tags:      maps.Clone(r.defs[name].Tags),
	}
	if err := ctx.Err(); err != nil {
		tr.Err = err
	} else {
		tr.Error = "not started: run stopped after a task failure"
	}
	r.opts.Metrics.TaskOutcome(context.Background(), r.opts.PipelineName, name, string(tr.State), 0)
	r.logResult(tr)
	r.recordLocked(tr)
}

// sweep gives every task without a result a terminal state.
func (r *run) sweep(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if _, done := r.states[name]; done {
			continue
		}
		blocked := ""
		for _, dep := range r.deps[name] {
			if st := r.states[dep]; st == result.TaskFailed || st == result.TaskSkipped {
				blocked = dep
				break
			}
		}
		if blocked != "" {
			r.skipDependentsLocked(blocked)
			continue
		}
		r.cancelLocked(ctx, name)
	}
}

func (r *run) logResult(tr *result.TaskResult) {
	switch tr.State {
	case result.TaskSucceeded:
		r.logger.Info("task completed",
			slog.String("task", tr.Name),
			slog.Duration("duration", tr.Duration),
			slog.Int("records", tr.RecordsProcessed),
			slog.Int("retries", tr.RetriesAttempted),
			slog.Bool("cache_hit", tr.CacheHit),
		)
	case result.TaskFailed:
		errMsg := tr.Error
		if tr.Err != nil {
			errMsg = tr.Err.Error()
		}
		r.logger.Error("task failed",
			slog.String("task", tr.Name),
			slog.Duration("duration", tr.Duration),
			slog.Int("retries", tr.RetriesAttempted),
			slog.String("error", errMsg),
		)
	case result.TaskSkipped:
		r.logger.Info("task skipped",
			slog.String("task", tr.Name),
			slog.String("reason", tr.Error),
		)
	case result.TaskCancelled:
		reason := tr.Error
		if tr.Err != nil {
			reason = tr.Err.Error()
		}
		r.logger.Warn("task cancelled",
			slog.String("task", tr.Name),
			slog.String("reason", reason),
		)
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
