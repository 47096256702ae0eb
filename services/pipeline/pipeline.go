// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the programmatic entry point of the engine.
//
// A Pipeline owns a task graph and a configuration. Each Run validates
// the graph, drives the scheduler under the configured execution mode,
// and returns a PipelineResult.
//
// # Example
//
//	p, err := pipeline.New(cfg, pipeline.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	p.AddFunc("extract", extractFn)
//	p.AddTask(dag.Func("transform", transformFn).After("extract"))
//
//	res, err := p.Run(ctx, pipeline.RunOptions{})
//
// # Thread Safety
//
// Run and RunAsync may be called concurrently. Registering tasks while a
// run is in progress fails with dag.ErrGraphSealed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pipeflow/services/pipeline/cache"
	"github.com/AleutianAI/pipeflow/services/pipeline/config"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
	"github.com/AleutianAI/pipeflow/services/pipeline/retry"
	"github.com/AleutianAI/pipeflow/services/pipeline/scheduler"
	badgerstore "github.com/AleutianAI/pipeflow/services/pipeline/storage/badger"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

var (
	// ErrNilContext is returned when Run receives a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrRunTimeout wraps the context error when timeout_seconds elapses.
	ErrRunTimeout = errors.New("pipeline run timed out")

	// ErrRunCancelled wraps the context error when the caller cancels.
	ErrRunCancelled = errors.New("pipeline run cancelled")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("pipeline is closed")
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer used when enable_tracing is set.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithTelemetry takes the tracer and metrics from providers.
func WithTelemetry(providers *telemetry.Providers) Option {
	return func(p *Pipeline) {
		if providers == nil {
			return
		}
		p.tracer = providers.Tracer("pipeflow")
		if m, err := telemetry.NewMetrics(providers.Meter("pipeflow")); err == nil {
			p.metrics = m
		} else {
			p.logger.Warn("metrics disabled", slog.String("error", err.Error()))
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithCacheStore sets the cross-run cache store. The pipeline does not
// close a store passed here.
func WithCacheStore(store cache.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithObserver adds a lifecycle observer. May be given more than once.
func WithObserver(o scheduler.Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithSecretLookup sets the fallback secret lookup for contexts the
// pipeline creates. Defaults to os.LookupEnv.
func WithSecretLookup(fn execctx.LookupFunc) Option {
	return func(p *Pipeline) {
		p.secretLookup = fn
		p.secretLookupSet = true
	}
}

// WithSleeper replaces retry backoff sleeps.
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Pipeline) { p.sleeper = s }
}

// WithClock sets the clock used for timestamps and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// RunOptions are the per-run arguments of Run.
type RunOptions struct {
	// Context carries configuration and secrets into tasks. Nil creates a
	// fresh context. A context may be reused by sequential runs: outputs
	// of the previous run are discarded when the new run starts. It must
	// not be shared by concurrent runs.
	Context *execctx.Context

	// Inputs, when non-nil, is seeded under dag.InputsKey and handed to
	// root tasks.
	Inputs any

	// DryRun validates only. No task is invoked and the context is not
	// touched.
	DryRun bool

	// RunID overrides the generated run identifier.
	RunID string
}

// RunOutcome is the value delivered by RunAsync.
type RunOutcome struct {
	Result *result.PipelineResult
	Err    error
}

// Pipeline owns a task graph and runs it.
type Pipeline struct {
	cfg      config.Config
	mode     scheduler.Mode
	strategy scheduler.Strategy
	graph    *dag.Graph

	logger          *slog.Logger
	tracer          telemetry.Tracer
	metrics         *telemetry.Metrics
	observers       scheduler.Observers
	secretLookup    execctx.LookupFunc
	secretLookupSet bool
	sleeper         retry.Sleeper
	now             func() time.Time

	store      cache.Store
	ownedStore bool
	cache      *cache.Manager
	closed     atomic.Bool
}

// New creates a Pipeline from cfg.
//
// Description:
//
//	cfg is validated first. When caching is enabled and no store was
//	given, the cross-run store is a Badger database when cache.dir or
//	cache.in_memory is set, otherwise an in-process LRU.
//
// Outputs:
//
//	*Pipeline - Ready for task registration. Call Close when done.
//	error - A *dag.ValidationError for bad configuration, or a store
//	  open failure.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := scheduler.ParseMode(cfg.ExecutionMode)
	if err != nil {
		return nil, err
	}
	strategy, err := scheduler.ParseStrategy(cfg.ParallelStrategy)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		mode:     mode,
		strategy: strategy,
		graph:    dag.NewGraph(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.EnableCaching {
		if err := p.openCache(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) openCache() error {
	store := p.store
	if store == nil {
		switch {
		case p.cfg.Cache.Dir != "" || p.cfg.Cache.InMemory:
			bcfg := badgerstore.DefaultConfig(p.cfg.Cache.Dir)
			if p.cfg.Cache.InMemory {
				bcfg = badgerstore.InMemoryConfig()
			}
			bcfg.Logger = p.logger
			bs, err := cache.OpenBadgerStore(bcfg)
			if err != nil {
				return err
			}
			store = bs
		default:
			memOpts := []cache.MemoryOption{cache.WithClock(p.now)}
			if p.cfg.Cache.MaxEntries > 0 {
				memOpts = append(memOpts, cache.WithMaxEntries(p.cfg.Cache.MaxEntries))
			}
			store = cache.NewMemoryStore(memOpts...)
		}
		p.ownedStore = true
	}
	p.cache = cache.NewManager(store, cache.WithLogger(p.logger), cache.WithManagerClock(p.now))
	return nil
}

// Name returns the configured pipeline name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Config returns the effective configuration.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Graph returns the task graph.
func (p *Pipeline) Graph() *dag.Graph { return p.graph }

// AddTask registers a definition. Dependencies are resolved at
// validation time, so tasks may be added in any order.
func (p *Pipeline) AddTask(def *dag.TaskDefinition) (dag.Handle, error) {
	return p.graph.Register(def)
}

// AddFunc registers fn under name with optional dependencies.
func (p *Pipeline) AddFunc(name string, fn dag.TaskFunc, deps ...string) (dag.Handle, error) {
	return p.graph.Register(dag.Func(name, fn).After(deps...))
}

// Validate checks the graph without running anything.
func (p *Pipeline) Validate() error {
	return p.graph.Validate()
}

// ClearCache empties the cross-run cache. No-op when caching is off.
func (p *Pipeline) ClearCache(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Clear(ctx)
}

// Close releases the cache store if the pipeline opened it.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.cache != nil && p.ownedStore {
		return p.cache.Close()
	}
	return nil
}

// Run executes the pipeline once.
//
// Description:
//
//	Validates the graph; a graph error returns a failed result with no
//	task results. A dry run stops there. Otherwise tasks run under the
//	configured mode until every task is terminal.
//
// Inputs:
//
//	ctx - Cancelling ctx cancels the run. timeout_seconds, when set,
//	  bounds it further.
//	opts - Per-run arguments.
//
// Outputs:
//
//	*PipelineResult - Always non-nil when ctx is non-nil.
//	error - Graph validation errors, or ErrRunTimeout/ErrRunCancelled
//	  wrapping the context error. Task failures are reported in the
//	  result only.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*result.PipelineResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	start := p.now()
	agg := result.NewAggregator(p.cfg.Name, runID, start)
	logger := p.logger.With(
		slog.String("pipeline", p.cfg.Name),
		slog.String("run_id", runID),
	)

	if p.closed.Load() {
		return agg.Fail(p.now(), ErrClosed), ErrClosed
	}

	p.graph.Seal()
	defer p.graph.Unseal()

	if err := p.graph.Validate(); err != nil {
		res := agg.Fail(p.now(), err)
		logger.Error("pipeline validation failed", slog.String("error", err.Error()))
		p.finish(ctx, res)
		return res, err
	}

	if opts.DryRun {
		res := agg.DryRun(p.now())
		logger.Info("pipeline dry run completed",
			slog.Int("tasks", p.graph.Len()),
			slog.String("mode", string(p.mode)),
		)
		p.finish(ctx, res)
		return res, nil
	}

	ec := opts.Context
	if ec == nil {
		ec = p.newContext()
	}
	ec.BindRun(runID)
	if opts.Inputs != nil {
		if err := ec.SetOutput(dag.InputsKey, opts.Inputs); err != nil {
			err = fmt.Errorf("seed run inputs: %w", err)
			res := agg.Fail(p.now(), err)
			p.finish(ctx, res)
			return res, err
		}
	}

	runCtx, cancel := p.runContext(ctx)
	defer cancel()

	tracer := p.tracerForRun()
	runCtx, span := tracer.Start(runCtx, "pipeline."+p.cfg.Name)
	span.SetAttribute("pipeline.name", p.cfg.Name)
	span.SetAttribute("pipeline.run_id", runID)
	span.SetAttribute("pipeline.mode", string(p.mode))
	span.SetAttribute("pipeline.tasks", p.graph.Len())

	var session *cache.Session
	if p.cache != nil {
		session = p.cache.Begin(runID)
		defer session.Close()
	}

	order, _ := p.graph.TopologicalOrder()
	logger.Info("pipeline started",
		slog.String("mode", string(p.mode)),
		slog.Int("tasks", len(order)),
		slog.Int("max_parallel_tasks", p.cfg.MaxParallelTasks),
		slog.Bool("fail_fast", p.cfg.FailFast),
	)
	p.observers.OnRunStart(runID, order)

	sched := scheduler.New(p.graph, scheduler.Options{
		Mode:         p.mode,
		Strategy:     p.strategy,
		MaxParallel:  p.cfg.MaxParallelTasks,
		FailFast:     p.cfg.FailFast,
		PipelineName: p.cfg.Name,
		Logger:       p.logger,
		Tracer:       tracer,
		Metrics:      p.metrics,
		Cache:        session,
		Observer:     p.observers,
		Sleeper:      p.sleeper,
		Now:          p.now,
	})
	runErr := classify(ctx, sched.Run(runCtx, ec, agg))

	res := agg.Finalize(p.now(), runErr)
	if session != nil {
		stats := session.Stats()
		logger.Debug("cache session closed",
			slog.Int64("hits", stats.Hits),
			slog.Int64("misses", stats.Misses),
			slog.Int64("shared", stats.Shared),
		)
	}

	span.SetAttribute("pipeline.state", string(res.State))
	span.SetAttribute("pipeline.records", res.RecordsCount)
	if runErr != nil {
		span.RecordError(runErr)
	} else if failed := res.FailedTasks(); len(failed) > 0 {
		span.RecordError(fmt.Errorf("%d task(s) failed", len(failed)))
	}
	span.End()

	if res.Succeeded() {
		logger.Info("pipeline completed",
			slog.Duration("duration", res.Duration),
			slog.Int("records", res.RecordsCount),
		)
	} else {
		logger.Error("pipeline failed",
			slog.String("state", string(res.State)),
			slog.Duration("duration", res.Duration),
			slog.Int("failed_tasks", len(res.FailedTasks())),
			slog.String("error", res.Error),
		)
	}
	p.finish(ctx, res)
	return res, runErr
}

// RunAsync starts Run on a new goroutine. The channel receives one
// outcome and is then closed.
func (p *Pipeline) RunAsync(ctx context.Context, opts RunOptions) <-chan RunOutcome {
	out := make(chan RunOutcome, 1)
	go func() {
		defer close(out)
		res, err := p.Run(ctx, opts)
		out <- RunOutcome{Result: res, Err: err}
	}()
	return out
}

func (p *Pipeline) newContext() *execctx.Context {
	opts := []execctx.Option{execctx.WithConfig(p.cfg.Metadata)}
	if p.secretLookupSet {
		opts = append(opts, execctx.WithSecretLookup(p.secretLookup))
	}
	if env, ok := p.cfg.Tags["environment"]; ok {
		opts = append(opts, execctx.WithEnvironment(env))
	}
	return execctx.New(opts...)
}

func (p *Pipeline) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := p.cfg.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) tracerForRun() telemetry.Tracer {
	if !p.cfg.EnableTracing || p.tracer == nil {
		return telemetry.NoopTracer{}
	}
	return p.tracer
}

func (p *Pipeline) finish(ctx context.Context, res *result.PipelineResult) {
	p.metrics.RunFinished(context.WithoutCancel(ctx), p.cfg.Name, string(res.State), res.Duration)
	p.observers.OnRunEnd(res.RunID, res)
}

// classify maps the scheduler's context error to the run error.
func classify(parent context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return fmt.Errorf("%w: %w", ErrRunTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrRunCancelled, err)
	default:
		return err
	}
}
