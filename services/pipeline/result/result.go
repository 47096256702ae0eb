// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package result holds per-task and per-run outcomes.
package result

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// TaskState is the terminal state of a task.
type TaskState string

const (
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// RunState is the terminal state of a run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// TaskResult is the outcome of one task in one run.
type TaskResult struct {
	Name             string            `json:"name"`
	State            TaskState         `json:"state"`
	Duration         time.Duration     `json:"duration"`
	Output           any               `json:"output,omitempty"`
	Error            string            `json:"error,omitempty"`
	Err              error             `json:"-"`
	RecordsProcessed int               `json:"records_processed"`
	RetriesAttempted int               `json:"retries_attempted"`
	CacheHit         bool              `json:"cache_hit"`
	StartTime        time.Time         `json:"start_time,omitzero"`
	EndTime          time.Time         `json:"end_time,omitzero"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Succeeded reports whether the task succeeded.
func (r *TaskResult) Succeeded() bool {
	return r != nil && r.State == TaskSucceeded
}

// PipelineResult is the report of one run.
type PipelineResult struct {
	PipelineName string                 `json:"pipeline_name"`
	RunID        string                 `json:"run_id"`
	State        RunState               `json:"state"`
	Duration     time.Duration          `json:"duration"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time"`
	TaskResults  map[string]*TaskResult `json:"task_results"`
	RecordsCount int                    `json:"records_count"`
	DryRun       bool                   `json:"dry_run"`
	Error        string                 `json:"error,omitempty"`
	Err          error                  `json:"-"`

	// order is the order results were recorded in.
	order []string
}

// Succeeded reports whether the run completed and every task succeeded.
// A nil result has not succeeded.
func (p *PipelineResult) Succeeded() bool {
	if p == nil || p.State != RunCompleted {
		return false
	}
	for _, r := range p.TaskResults {
		if r.State != TaskSucceeded {
			return false
		}
	}
	return true
}

// Failed is the negation of Succeeded.
func (p *PipelineResult) Failed() bool {
	return !p.Succeeded()
}

// Get returns the result of a task.
func (p *PipelineResult) Get(name string) (*TaskResult, bool) {
	if p == nil {
		return nil, false
	}
	r, ok := p.TaskResults[name]
	return r, ok
}

// TaskNames returns task names in the order their results were recorded.
func (p *PipelineResult) TaskNames() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.order)
}

// Output returns a task's output.
func (p *PipelineResult) Output(name string) (any, bool) {
	r, ok := p.Get(name)
	if !ok || r.State != TaskSucceeded {
		return nil, false
	}
	return r.Output, true
}

// TasksInState returns the results in state, in recorded order.
func (p *PipelineResult) TasksInState(state TaskState) []*TaskResult {
	if p == nil {
		return nil
	}
	var out []*TaskResult
	for _, name := range p.order {
		if r := p.TaskResults[name]; r != nil && r.State == state {
			out = append(out, r)
		}
	}
	return out
}

// FailedTasks returns the results with state failed. Safe on nil.
func (p *PipelineResult) FailedTasks() []*TaskResult {
	return p.TasksInState(TaskFailed)
}

// Summary returns a plain key/value snapshot suitable for logging.
//
// It holds only names, counts, states and error strings; task outputs
// and execution context values are never included. Safe on nil.
func (p *PipelineResult) Summary() map[string]any {
	if p == nil {
		return map[string]any{"state": "unknown", "succeeded": false}
	}

	counts := map[string]int{
		string(TaskSucceeded): 0,
		string(TaskFailed):    0,
		string(TaskSkipped):   0,
		string(TaskCancelled): 0,
	}
	cacheHits := 0
	retries := 0
	for _, r := range p.TaskResults {
		counts[string(r.State)]++
		if r.CacheHit {
			cacheHits++
		}
		retries += r.RetriesAttempted
	}

	failed := make([]string, 0)
	for _, r := range p.FailedTasks() {
		failed = append(failed, r.Name)
	}

	s := map[string]any{
		"name":          p.PipelineName,
		"run_id":        p.RunID,
		"state":         string(p.State),
		"succeeded":     p.Succeeded(),
		"dry_run":       p.DryRun,
		"duration_ms":   p.Duration.Milliseconds(),
		"records_count": p.RecordsCount,
		"tasks_total":   len(p.TaskResults),
		"tasks":         counts,
		"failed_tasks":  failed,
		"cache_hits":    cacheHits,
		"retries":       retries,
	}
	if p.Error != "" {
		s["error"] = p.Error
	}
	return s
}

// Aggregator collects task results during a run.
//
// Thread Safety:
//
//	Record and Has may be called from concurrent workers.
type Aggregator struct {
	mu       sync.Mutex
	result   *PipelineResult
	finished bool
}

// NewAggregator starts a result for a run.
func NewAggregator(pipeline, runID string, start time.Time) *Aggregator {
	return &Aggregator{
		result: &PipelineResult{
			PipelineName: pipeline,
			RunID:        runID,
			StartTime:    start,
			TaskResults:  make(map[string]*TaskResult),
		},
	}
}

// Record stores a task result. The first result for a name wins.
func (a *Aggregator) Record(r *TaskResult) bool {
	if r == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	if _, exists := a.result.TaskResults[r.Name]; exists {
		return false
	}
	if r.Err != nil && r.Error == "" {
		r.Error = r.Err.Error()
	}
	a.result.TaskResults[r.Name] = r
	a.result.order = append(a.result.order, r.Name)
	return true
}

// State returns the recorded state of name.
func (a *Aggregator) State(name string) (TaskState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.result.TaskResults[name]
	if !ok {
		return "", false
	}
	return r.State, true
}

// Count returns how many results have been recorded.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.result.TaskResults)
}

// Finalize completes the run with a terminal state.
//
// Description:
//
//	Sums records across tasks, sets end time and duration, and stores
//	err as the top-level error. State is failed when any task failed,
//	cancelled when err is set or any task was cancelled without a failure,
//	and completed otherwise. Subsequent calls return the same result.
func (a *Aggregator) Finalize(end time.Time, err error) *PipelineResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.result
	}
	a.finished = true

	p := a.result
	p.EndTime = end
	p.Duration = end.Sub(p.StartTime)
	p.RecordsCount = 0

	anyFailed, anyCancelled := false, false
	for _, r := range p.TaskResults {
		p.RecordsCount += r.RecordsProcessed
		switch r.State {
		case TaskFailed:
			anyFailed = true
		case TaskCancelled:
			anyCancelled = true
		}
	}

	switch {
	case err != nil:
		p.State = RunCancelled
	case anyFailed:
		p.State = RunFailed
	case anyCancelled:
		p.State = RunCancelled
	default:
		p.State = RunCompleted
	}
	if err != nil {
		p.Err = err
		p.Error = err.Error()
	} else if anyFailed {
		if first := p.FailedTasks(); len(first) > 0 {
			p.Error = "task " + first[0].Name + " failed: " + first[0].Error
		}
	}
	return p
}

// Fail ends the run before any task ran. TaskResults stays empty.
func (a *Aggregator) Fail(end time.Time, err error) *PipelineResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.result
	}
	a.finished = true

	p := a.result
	p.EndTime = end
	p.Duration = end.Sub(p.StartTime)
	p.State = RunFailed
	p.TaskResults = make(map[string]*TaskResult)
	p.order = nil
	if err != nil {
		p.Err = err
		p.Error = err.Error()
	}
	return p
}

// DryRun ends a validation-only run.
func (a *Aggregator) DryRun(end time.Time) *PipelineResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = true
	p := a.result
	p.DryRun = true
	p.EndTime = end
	p.Duration = end.Sub(p.StartTime)
	p.State = RunCompleted
	return p
}

// Snapshot returns a copy of the results recorded so far.
func (a *Aggregator) Snapshot() map[string]TaskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]TaskResult, len(a.result.TaskResults))
	for name, r := range a.result.TaskResults {
		c := *r
		c.Tags = maps.Clone(r.Tags)
		out[name] = c
	}
	return out
}
