// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/pipeflow/services/pipeline/config"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
	"github.com/AleutianAI/pipeflow/services/pipeline/result"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig(name string) config.Config {
	cfg := config.Default()
	cfg.Name = name
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quiet), WithSleeper(noSleep)}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func addETL(t *testing.T, p *Pipeline) {
	t.Helper()
	_, err := p.AddFunc("extract", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		return []int{1, 2, 3}, nil
	})
	require.NoError(t, err)
	_, err = p.AddFunc("transform", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		src := in.Value().([]int)
		out := make([]int, len(src))
		for i, v := range src {
			out[i] = v * 2
		}
		return out, nil
	}, "extract")
	require.NoError(t, err)
	_, err = p.AddFunc("load", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		rows := in.Value().([]int)
		return dag.WithRecords(len(rows), len(rows)), nil
	}, "transform")
	require.NoError(t, err)
}

func TestRun_ETL(t *testing.T) {
	for _, mode := range []string{"sequential", "parallel", "async"} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig("etl")
			cfg.ExecutionMode = mode
			p := newPipeline(t, cfg)
			addETL(t, p)

			res, err := p.Run(context.Background(), RunOptions{})
			require.NoError(t, err)

			assert.True(t, res.Succeeded())
			assert.False(t, res.Failed())
			assert.Equal(t, result.RunCompleted, res.State)
			assert.Equal(t, 3, res.RecordsCount)
			assert.Len(t, res.TaskResults, 3)
			for _, tr := range res.TaskResults {
				assert.Equal(t, result.TaskSucceeded, tr.State, tr.Name)
			}
			out, ok := res.Output("transform")
			require.True(t, ok)
			assert.Equal(t, []int{2, 4, 6}, out)
			assert.NotEmpty(t, res.RunID)
			assert.Equal(t, "etl", res.PipelineName)
		})
	}
}

func TestRun_CacheRoundTrip(t *testing.T) {
	p := newPipeline(t, testConfig("cached"))

	var calls atomic.Int32
	_, err := p.AddTask(dag.Func("square", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		calls.Add(1)
		return dag.WithRecords(49, 1), nil
	}).WithCache(dag.CachePolicy{TTL: time.Hour}))
	require.NoError(t, err)

	first, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	second, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	a, _ := first.Get("square")
	b, _ := second.Get("square")
	assert.False(t, a.CacheHit)
	assert.True(t, b.CacheHit)
	assert.Equal(t, 0, b.RetriesAttempted)
	assert.Equal(t, a.Output, b.Output)
	assert.Equal(t, 1, second.RecordsCount)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, p.ClearCache(context.Background()))
	third, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	c, _ := third.Get("square")
	assert.False(t, c.CacheHit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_CacheDisabled(t *testing.T) {
	cfg := testConfig("nocache")
	cfg.EnableCaching = false
	p := newPipeline(t, cfg)

	var calls atomic.Int32
	_, err := p.AddTask(dag.Func("t", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		calls.Add(1)
		return 1, nil
	}).WithCache(dag.CachePolicy{}))
	require.NoError(t, err)

	for range 2 {
		res, err := p.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		tr, _ := res.Get("t")
		assert.False(t, tr.CacheHit)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, p.ClearCache(context.Background()))
}

func TestRun_BadgerCacheAcrossRuns(t *testing.T) {
	cfg := testConfig("badger")
	cfg.Cache.InMemory = true
	p := newPipeline(t, cfg)

	var calls atomic.Int32
	_, err := p.AddTask(dag.Func("rows", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		calls.Add(1)
		return []int{1, 2}, nil
	}).WithCache(dag.CachePolicy{}))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	res, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	tr, _ := res.Get("rows")
	assert.True(t, tr.CacheHit)
	assert.Equal(t, []any{float64(1), float64(2)}, tr.Output)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_DryRun(t *testing.T) {
	p := newPipeline(t, testConfig("dry"))

	var calls atomic.Int32
	_, err := p.AddFunc("only", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	require.NoError(t, err)

	ec := execctx.New()
	res, err := p.Run(context.Background(), RunOptions{Context: ec, DryRun: true, Inputs: 42})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.True(t, res.Succeeded())
	assert.Empty(t, res.TaskResults)
	assert.Zero(t, ec.OutputCount())
	assert.Equal(t, int32(0), calls.Load())
}

func TestRun_FailFast(t *testing.T) {
	build := func(t *testing.T, failFast bool) *result.PipelineResult {
		cfg := testConfig("ff")
		cfg.FailFast = failFast
		p := newPipeline(t, cfg)
		_, err := p.AddFunc("A", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			return nil, errors.New("boom")
		})
		require.NoError(t, err)
		_, err = p.AddFunc("B", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			return "b", nil
		}, "A")
		require.NoError(t, err)
		_, err = p.AddFunc("C", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			return "c", nil
		})
		require.NoError(t, err)

		res, err := p.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		return res
	}

	t.Run("fail fast", func(t *testing.T) {
		res := build(t, true)
		assert.False(t, res.Succeeded())
		assert.Equal(t, result.RunFailed, res.State)
		assert.Equal(t, result.TaskFailed, res.TaskResults["A"].State)
		assert.Equal(t, result.TaskSkipped, res.TaskResults["B"].State)
		assert.Equal(t, result.TaskCancelled, res.TaskResults["C"].State)
	})

	t.Run("continue on error", func(t *testing.T) {
		res := build(t, false)
		assert.False(t, res.Succeeded())
		assert.Equal(t, result.TaskSkipped, res.TaskResults["B"].State)
		assert.Equal(t, result.TaskSucceeded, res.TaskResults["C"].State)

		failed := res.FailedTasks()
		require.Len(t, failed, 1)
		assert.Equal(t, "A", failed[0].Name)
	})
}

func TestRun_RetryBound(t *testing.T) {
	p := newPipeline(t, testConfig("retry"))

	var calls atomic.Int32
	_, err := p.AddTask(dag.Func("flaky", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		calls.Add(1)
		return nil, errors.New("always")
	}).WithRetry(dag.RetryPolicy{MaxAttempts: 3, Backoff: dag.BackoffExponential, BaseDelay: time.Second}))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	tr, ok := res.Get("flaky")
	require.True(t, ok)
	assert.Equal(t, result.TaskFailed, tr.State)
	assert.Equal(t, 2, tr.RetriesAttempted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_ValidationFailure(t *testing.T) {
	p := newPipeline(t, testConfig("cyclic"))
	noop := func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) { return nil, nil }
	_, err := p.AddFunc("A", noop, "B")
	require.NoError(t, err)
	_, err = p.AddFunc("B", noop, "A")
	require.NoError(t, err)

	res, err := p.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, dag.ErrCycleDetected)

	var cycle *dag.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.ElementsMatch(t, []string{"A", "B"}, cycle.Tasks())

	require.NotNil(t, res)
	assert.Equal(t, result.RunFailed, res.State)
	assert.False(t, res.Succeeded())
	assert.Empty(t, res.TaskResults)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, "failed", res.Summary()["state"])
}

func TestRun_UnknownDependency(t *testing.T) {
	p := newPipeline(t, testConfig("unknown"))
	_, err := p.AddFunc("A", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		return nil, nil
	}, "ghost")
	require.NoError(t, err)

	res, err := p.Run(context.Background(), RunOptions{DryRun: true})
	assert.ErrorIs(t, err, dag.ErrUnknownDependency)
	assert.Equal(t, result.RunFailed, res.State)
}

func TestAddTask_Duplicate(t *testing.T) {
	p := newPipeline(t, testConfig("dup"))
	noop := func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) { return nil, nil }

	_, err := p.AddFunc("x", noop)
	require.NoError(t, err)
	_, err = p.AddFunc("x", noop)
	assert.ErrorIs(t, err, dag.ErrDuplicateTask)
}

func TestRun_InputsReachRoots(t *testing.T) {
	p := newPipeline(t, testConfig("inputs"))
	_, err := p.AddFunc("root", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		v, ok := in.Get(dag.InputsKey)
		if !ok {
			return nil, errors.New("no inputs")
		}
		return v.(int) + 1, nil
	})
	require.NoError(t, err)

	ec := execctx.New()
	res, err := p.Run(context.Background(), RunOptions{Context: ec, Inputs: 41, RunID: "run-1"})
	require.NoError(t, err)

	out, _ := res.Output("root")
	assert.Equal(t, 42, out)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "run-1", ec.RunID())
	seeded, ok := ec.GetOutput(dag.InputsKey)
	require.True(t, ok)
	assert.Equal(t, 41, seeded)
}

func TestRun_ReusedContext(t *testing.T) {
	p := newPipeline(t, testConfig("reuse"))
	var calls atomic.Int32
	_, err := p.AddFunc("a", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		if ec.HasOutput("a") {
			return nil, errors.New("output from an earlier run is visible")
		}
		n := int(calls.Add(1))
		if v, ok := in.Get(dag.InputsKey); ok {
			n += v.(int)
		}
		return n, nil
	})
	require.NoError(t, err)

	ec := execctx.New()
	for i, opts := range []RunOptions{
		{Context: ec},
		{Context: ec},
		{Context: ec, Inputs: 5},
	} {
		res, err := p.Run(context.Background(), opts)
		require.NoError(t, err, "run %d", i+1)
		require.True(t, res.Succeeded(), "run %d: %v", i+1, res.Summary())
		assert.Equal(t, res.RunID, ec.RunID())
	}

	assert.Equal(t, int32(3), calls.Load(), "each run invokes the body once")
	out, ok := ec.GetOutput("a")
	require.True(t, ok)
	assert.Equal(t, 8, out, "third run: call 3 plus input 5")
	assert.Equal(t, 2, ec.OutputCount(), "only the last run's outputs remain")
}

func TestRun_SecretLookup(t *testing.T) {
	p := newPipeline(t, testConfig("secrets"), WithSecretLookup(func(key string) (string, bool) {
		if key == "API_TOKEN" {
			return "s3cret", true
		}
		return "", false
	}))
	_, err := p.AddFunc("auth", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		return ec.RequireSecret("API_TOKEN")
	})
	require.NoError(t, err)
	_, err = p.AddFunc("missing", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		return ec.RequireSecret("NOPE")
	})
	require.NoError(t, err)

	cfg := p.Config()
	require.True(t, cfg.FailFast)

	res, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	auth, _ := res.Get("auth")
	assert.Equal(t, result.TaskSucceeded, auth.State)
	missing, _ := res.Get("missing")
	assert.Equal(t, result.TaskFailed, missing.State)
	assert.ErrorIs(t, missing.Err, execctx.ErrMissingSecret)
	assert.NotContains(t, res.Summary(), "s3cret")
}

func blockingTask(started chan<- struct{}) dag.TaskFunc {
	return func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestRun_PipelineTimeout(t *testing.T) {
	cfg := testConfig("slow")
	cfg.TimeoutSeconds = 0.05
	p := newPipeline(t, cfg)
	_, err := p.AddFunc("wait", blockingTask(nil))
	require.NoError(t, err)
	_, err = p.AddFunc("after", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		return nil, nil
	}, "wait")
	require.NoError(t, err)

	res, err := p.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, result.RunCancelled, res.State)
	assert.Equal(t, result.TaskCancelled, res.TaskResults["wait"].State)
	assert.Equal(t, result.TaskCancelled, res.TaskResults["after"].State)
}

func TestRun_CallerCancel(t *testing.T) {
	p := newPipeline(t, testConfig("cancel"))
	started := make(chan struct{})
	_, err := p.AddFunc("wait", blockingTask(started))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := p.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, ErrRunCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, result.RunCancelled, res.State)
}

func TestRun_NilContext(t *testing.T) {
	p := newPipeline(t, testConfig("nil"))
	//nolint:staticcheck
	_, err := p.Run(nil, RunOptions{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestRunAsync(t *testing.T) {
	p := newPipeline(t, testConfig("async"))
	addETL(t, p)

	ch := p.RunAsync(context.Background(), RunOptions{})
	outcome, ok := <-ch
	require.True(t, ok)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Result.Succeeded())

	_, open := <-ch
	assert.False(t, open)
}

func TestRun_RegisterDuringRunSealed(t *testing.T) {
	p := newPipeline(t, testConfig("sealed"))
	var regErr error
	_, err := p.AddFunc("adder", func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
		_, regErr = p.AddFunc("late", func(context.Context, *execctx.Context, dag.Inputs) (any, error) { return nil, nil })
		return nil, nil
	})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, regErr, dag.ErrGraphSealed)

	_, err = p.AddFunc("late", func(context.Context, *execctx.Context, dag.Inputs) (any, error) { return nil, nil })
	assert.NoError(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("bad")
	cfg.ExecutionMode = "threads"
	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorIs(t, err, dag.ErrValidation)
}

func TestRun_AfterClose(t *testing.T) {
	p := newPipeline(t, testConfig("closed"))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	res, err := p.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, result.RunFailed, res.State)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) OnRunStart(string, []string)       { o.add("run_start") }
func (o *recordingObserver) OnTaskStart(_ string, task string) { o.add("start:" + task) }
func (o *recordingObserver) OnTaskEnd(_ string, r result.TaskResult) {
	o.add("end:" + r.Name)
}
func (o *recordingObserver) OnRunEnd(string, *result.PipelineResult) { o.add("run_end") }

func TestRun_ObserversAndTelemetry(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cfg := testConfig("etl")
	cfg.EnableTracing = true
	first, second := &recordingObserver{}, &recordingObserver{}
	p := newPipeline(t, cfg,
		WithTelemetry(telemetry.NewProviders(tp, mp)),
		WithObserver(first),
		WithObserver(second),
	)
	addETL(t, p)

	_, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	want := []string{"run_start", "start:extract", "end:extract", "start:transform", "end:transform", "start:load", "end:load", "run_end"}
	assert.Equal(t, want, first.events)
	assert.Equal(t, want, second.events)

	ended := sr.Ended()
	require.Len(t, ended, 4)
	root := ended[len(ended)-1]
	assert.Equal(t, "pipeline.etl", root.Name())
	for _, s := range ended[:3] {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var runs int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != telemetry.MetricRunsTotal {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					runs += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), runs)
}

func TestRun_TracingDisabledOpensNoSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	p := newPipeline(t, testConfig("quiet"), WithTracer(telemetry.NewTracer(tp, "test")))
	addETL(t, p)

	_, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, sr.Ended())
}
