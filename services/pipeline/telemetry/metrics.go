// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricTasksTotal   = "pipeflow_tasks_total"
	MetricTaskDuration = "pipeflow_task_duration_seconds"
	MetricRetriesTotal = "pipeflow_task_retries_total"
	MetricCacheLookups = "pipeflow_cache_lookups_total"
	MetricActiveTasks  = "pipeflow_active_tasks"
	MetricRecordsTotal = "pipeflow_records_total"
	MetricRunsTotal    = "pipeflow_runs_total"
	MetricRunDuration  = "pipeflow_run_duration_seconds"
)

// Metrics holds the engine instruments.
//
// Description:
//
//	All recording methods are safe on a nil *Metrics, so the engine calls
//	them unconditionally. Every instrument carries a "pipeline" attribute;
//	task instruments add "task".
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksTotal counts finished tasks by state.
	TasksTotal metric.Int64Counter

	// TaskDuration records task duration in seconds by state.
	TaskDuration metric.Float64Histogram

	// RetriesTotal counts retry attempts after the first.
	RetriesTotal metric.Int64Counter

	// CacheLookups counts cache lookups by result (hit, miss).
	CacheLookups metric.Int64Counter

	// ActiveTasks tracks tasks currently executing.
	ActiveTasks metric.Int64UpDownCounter

	// RecordsTotal counts records reported by tasks.
	RecordsTotal metric.Int64Counter

	// RunsTotal counts finished runs by state.
	RunsTotal metric.Int64Counter

	// RunDuration records run duration in seconds by state.
	RunDuration metric.Float64Histogram
}

// NewMetrics registers the engine instruments with meter.
//
// Inputs:
//
//	meter - The meter to register with.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksTotal, err = meter.Int64Counter(
		MetricTasksTotal,
		metric.WithDescription("Finished tasks by terminal state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_total: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram(
		MetricTaskDuration,
		metric.WithDescription("Task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration: %w", err)
	}

	m.RetriesTotal, err = meter.Int64Counter(
		MetricRetriesTotal,
		metric.WithDescription("Task retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries_total: %w", err)
	}

	m.CacheLookups, err = meter.Int64Counter(
		MetricCacheLookups,
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_lookups: %w", err)
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter(
		MetricActiveTasks,
		metric.WithDescription("Tasks currently executing"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_tasks: %w", err)
	}

	m.RecordsTotal, err = meter.Int64Counter(
		MetricRecordsTotal,
		metric.WithDescription("Records reported by tasks"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create records_total: %w", err)
	}

	m.RunsTotal, err = meter.Int64Counter(
		MetricRunsTotal,
		metric.WithDescription("Finished runs by state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_total: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		MetricRunDuration,
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, fmt.Errorf("create run_duration: %w", err)
	}

	return m, nil
}

// TaskStarted increments the active task gauge.
func (m *Metrics) TaskStarted(ctx context.Context, pipeline, task string) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, 1, metric.WithAttributes(taskAttrs(pipeline, task)...))
}

// TaskFinished records a task that ran. Pair it with TaskStarted.
func (m *Metrics) TaskFinished(ctx context.Context, pipeline, task, state string, d time.Duration, records int) {
	if m == nil {
		return
	}
	base := taskAttrs(pipeline, task)
	m.ActiveTasks.Add(ctx, -1, metric.WithAttributes(base...))
	m.TaskOutcome(ctx, pipeline, task, state, d)
	if records > 0 {
		m.RecordsTotal.Add(ctx, int64(records), metric.WithAttributes(base...))
	}
}

// TaskOutcome records a terminal task state, including skipped and
// cancelled tasks that never ran.
func (m *Metrics) TaskOutcome(ctx context.Context, pipeline, task, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(append(taskAttrs(pipeline, task), attribute.String("state", state))...)
	m.TasksTotal.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

// Retry counts one retry of task.
func (m *Metrics) Retry(ctx context.Context, pipeline, task string) {
	if m == nil {
		return
	}
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(taskAttrs(pipeline, task)...))
}

// CacheLookup counts one cache lookup.
func (m *Metrics) CacheLookup(ctx context.Context, pipeline, task string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		append(taskAttrs(pipeline, task), attribute.String("result", result))...,
	))
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(ctx context.Context, pipeline, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("state", state),
	)
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
}

func taskAttrs(pipeline, task string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pipeline", pipeline),
		attribute.String("task", task),
	}
}
