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
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/pipeflow/services/pipeline"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
)

// Demo task names.
const (
	taskExtract   = "extract"
	taskValidate  = "validate"
	taskTransform = "transform"
	taskEnrich    = "enrich"
	taskLoad      = "load"
)

var errInjected = errors.New("injected failure")

// demoOptions shapes the built-in ETL pipeline.
type demoOptions struct {
	// Rate limits the source in records per second. Zero is unlimited.
	Rate float64

	// FailTask names a task that returns errInjected.
	FailTask string
}

// demoStats is the output of the enrich task.
type demoStats struct {
	Count int     `json:"count"`
	Sum   int     `json:"sum"`
	Mean  float64 `json:"mean"`
}

// registerDemo adds the ETL tasks to p.
//
//	extract -> validate -> transform -> load
//	      \-> enrich ----------------/
//
// extract reads the row count from the run inputs.
func registerDemo(p *pipeline.Pipeline, opts demoOptions) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	guard := func(name string, fn dag.TaskFunc) dag.TaskFunc {
		return func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			if opts.FailTask == name {
				return nil, fmt.Errorf("%s: %w", name, errInjected)
			}
			return fn(ctx, ec, in)
		}
	}

	defs := []*dag.TaskDefinition{
		dag.Func(taskExtract, guard(taskExtract, func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			n, _ := in.Value().(int)
			rows := make([]int, 0, n)
			for i := range n {
				if err := limiter.Wait(ctx); err != nil {
					return nil, err
				}
				// every fifth row is malformed
				v := i + 1
				if v%5 == 0 {
					v = -v
				}
				rows = append(rows, v)
			}
			return dag.WithRecords(rows, len(rows)), nil
		})).WithTimeout(time.Minute).WithTag("stage", "source"),

		dag.Func(taskValidate, guard(taskValidate, func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			rows := asInts(in.Value())
			valid := rows[:0:0]
			for _, v := range rows {
				if v > 0 {
					valid = append(valid, v)
				}
			}
			return valid, nil
		})).After(taskExtract),

		dag.Func(taskTransform, guard(taskTransform, func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			rows := asInts(in.Value())
			factor := ec.GetInt("transform.factor", 2)
			out := make([]int, len(rows))
			for i, v := range rows {
				out[i] = v * factor
			}
			return out, nil
		})).After(taskValidate).WithCache(dag.CachePolicy{TTL: 10 * time.Minute}),

		dag.Func(taskEnrich, guard(taskEnrich, func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			rows := asInts(in.Value())
			stats := demoStats{Count: len(rows)}
			for _, v := range rows {
				stats.Sum += v
			}
			if stats.Count > 0 {
				stats.Mean = math.Round(float64(stats.Sum)/float64(stats.Count)*100) / 100
			}
			return stats, nil
		})).After(taskExtract).WithPriority(10),

		dag.Func(taskLoad, guard(taskLoad, func(ctx context.Context, ec *execctx.Context, in dag.Inputs) (any, error) {
			rows := asInts(in.Value())
			ec.SetMetadata("loaded_rows", len(rows))
			return dag.WithRecords(len(rows), len(rows)), nil
		})).After(taskTransform, taskEnrich).WithRetry(dag.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     dag.BackoffExponential,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      0.1,
		}),
	}

	for _, def := range defs {
		if _, err := p.AddTask(def); err != nil {
			return err
		}
	}
	return nil
}

// asInts accepts []int or the []any a persistent cache hands back.
func asInts(v any) []int {
	switch rows := v.(type) {
	case []int:
		return rows
	case []any:
		out := make([]int, 0, len(rows))
		for _, r := range rows {
			switch n := r.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	default:
		return nil
	}
}
