// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/pipeflow/pkg/validation"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
)

// InputsKey is the reserved pseudo-task name under which run inputs are
// seeded into the execution context and handed to root tasks.
const InputsKey = "__inputs__"

// Task is a unit of work.
//
// Description:
//
//	Run receives the run's execution context and the resolved outputs of
//	the task's declared dependencies, in declaration order. It returns one
//	output value or an error. Returning an iter.Seq[any] streams values;
//	the engine drains it and counts the records.
//
// Thread Safety:
//
//	Run may be called concurrently with other tasks. It must honor ctx
//	cancellation at its own blocking points.
type Task interface {
	Run(ctx context.Context, ec *execctx.Context, in Inputs) (any, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, ec *execctx.Context, in Inputs) (any, error)

// Run calls f.
func (f TaskFunc) Run(ctx context.Context, ec *execctx.Context, in Inputs) (any, error) {
	return f(ctx, ec, in)
}

// Inputs is the ordered, named set of dependency outputs handed to a task.
type Inputs struct {
	names  []string
	values []any
}

// NewInputs pairs names with values. Extra values or names are dropped.
func NewInputs(names []string, values []any) Inputs {
	n := min(len(names), len(values))
	return Inputs{names: slices.Clone(names[:n]), values: slices.Clone(values[:n])}
}

// Len returns the number of inputs.
func (in Inputs) Len() int { return len(in.names) }

// Names returns input names in dependency declaration order.
func (in Inputs) Names() []string { return slices.Clone(in.names) }

// At returns the i-th input value, or nil when out of range.
func (in Inputs) At(i int) any {
	if i < 0 || i >= len(in.values) {
		return nil
	}
	return in.values[i]
}

// Get returns the output of the named dependency.
func (in Inputs) Get(name string) (any, bool) {
	if i := slices.Index(in.names, name); i >= 0 {
		return in.values[i], true
	}
	return nil, false
}

// Value returns the first input. Convenient for single-dependency tasks.
func (in Inputs) Value() any { return in.At(0) }

// Map returns the inputs as a map.
func (in Inputs) Map() map[string]any {
	m := make(map[string]any, len(in.names))
	for i, name := range in.names {
		m[name] = in.values[i]
	}
	return m
}

// All yields name/value pairs in order.
func (in Inputs) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for i, name := range in.names {
			if !yield(name, in.values[i]) {
				return
			}
		}
	}
}

// RecordCounter is implemented by outputs that report how many records
// they represent.
type RecordCounter interface {
	RecordCount() int
}

// Counted pairs an output with an explicit record count.
type Counted struct {
	Value   any
	Records int
}

// RecordCount implements RecordCounter.
func (c Counted) RecordCount() int { return c.Records }

// WithRecords wraps an output with its record count.
func WithRecords(value any, records int) Counted {
	return Counted{Value: value, Records: records}
}

// Materialize resolves a raw task return value into the stored output and
// its record count.
//
// Description:
//
//	Counted is unwrapped to its Value. An iter.Seq[any], bare or inside
//	Counted, is drained into []any and counts its elements unless Counted
//	gave an explicit count. Other RecordCounter values keep their own
//	count. Everything else counts zero.
func Materialize(v any) (any, int) {
	switch o := v.(type) {
	case Counted:
		value, n := Materialize(o.Value)
		if o.Records > 0 || n == 0 {
			n = o.Records
		}
		return value, n
	case iter.Seq[any]:
		return drain(o)
	case func(yield func(any) bool):
		return drain(o)
	case RecordCounter:
		return v, o.RecordCount()
	default:
		return v, 0
	}
}

func drain(seq iter.Seq[any]) (any, int) {
	items := slices.Collect(seq)
	if items == nil {
		items = []any{}
	}
	return items, len(items)
}

// BackoffKind selects the delay curve between retry attempts.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// DefaultMultiplier is the exponential growth factor when none is set.
const DefaultMultiplier = 2.0

// RetryPolicy bounds retries of one task.
//
// Delays: none is zero, fixed is BaseDelay, exponential is
// BaseDelay*Multiplier^retry. Jitter J spreads each delay uniformly over
// [d*(1-J), d*(1+J)]. MaxDelay, when positive, caps the final delay.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64

	// RetryOn limits which errors are retried. Nil uses the default
	// predicate of the retry package.
	RetryOn func(error) bool
}

// Attempts returns MaxAttempts clamped to at least one.
func (p RetryPolicy) Attempts() int {
	return max(p.MaxAttempts, 1)
}

// Validate checks the policy fields.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return &ValidationError{Field: "retry.max_attempts", Reason: "must be at least 1", Err: ErrInvalidInput}
	case p.Backoff != "" && p.Backoff != BackoffNone && p.Backoff != BackoffFixed && p.Backoff != BackoffExponential:
		return &ValidationError{Field: "retry.backoff", Reason: fmt.Sprintf("unknown kind %q", p.Backoff), Err: ErrInvalidInput}
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return &ValidationError{Field: "retry.delay", Reason: "must not be negative", Err: ErrInvalidInput}
	case p.Multiplier != 0 && p.Multiplier < 1:
		return &ValidationError{Field: "retry.multiplier", Reason: "must be at least 1", Err: ErrInvalidInput}
	case p.Jitter < 0 || p.Jitter >= 1:
		return &ValidationError{Field: "retry.jitter", Reason: "must be in [0, 1)", Err: ErrInvalidInput}
	}
	return nil
}

// CacheScope controls how long cached outputs live.
type CacheScope string

const (
	// ScopeRun entries are dropped when the run ends.
	ScopeRun CacheScope = "run"

	// ScopeCrossRun entries persist across runs of the same Pipeline.
	ScopeCrossRun CacheScope = "cross_run"
)

// KeyFunc derives a cache key from a task's resolved inputs.
type KeyFunc func(in Inputs) (string, error)

// CachePolicy enables output caching for a task.
//
// A TTL of zero keeps entries for the lifetime of their scope. Without a
// KeyFunc the key is a content hash of the inputs.
type CachePolicy struct {
	TTL     time.Duration
	KeyFunc KeyFunc
	Scope   CacheScope
}

// EffectiveScope returns Scope, defaulting to ScopeCrossRun.
func (p CachePolicy) EffectiveScope() CacheScope {
	if p.Scope == "" {
		return ScopeCrossRun
	}
	return p.Scope
}

// Validate checks the policy fields.
func (p CachePolicy) Validate() error {
	if p.TTL < 0 {
		return &ValidationError{Field: "cache.ttl", Reason: "must not be negative", Err: ErrInvalidInput}
	}
	switch p.EffectiveScope() {
	case ScopeRun, ScopeCrossRun:
		return nil
	default:
		return &ValidationError{Field: "cache.scope", Reason: fmt.Sprintf("unknown scope %q", p.Scope), Err: ErrInvalidInput}
	}
}

// TaskDefinition describes one task and how it should be run.
//
// Description:
//
//	Build with NewTask or Func and the chain methods, then register with
//	Graph.Register. Tags are informational only and never affect
//	scheduling.
//
// Example:
//
//	def := dag.Func("transform", transformFn).
//	    After("extract").
//	    WithPriority(10).
//	    WithRetry(dag.RetryPolicy{MaxAttempts: 3, Backoff: dag.BackoffExponential, BaseDelay: time.Second})
type TaskDefinition struct {
	Name      string
	Task      Task
	DependsOn []string
	Priority  int
	Timeout   time.Duration
	Retry     *RetryPolicy
	Cache     *CachePolicy
	Tags      map[string]string
}

// NewTask creates a definition for task.
func NewTask(name string, task Task) *TaskDefinition {
	return &TaskDefinition{Name: name, Task: task}
}

// Func creates a definition from a function.
func Func(name string, fn TaskFunc) *TaskDefinition {
	if fn == nil {
		return &TaskDefinition{Name: name}
	}
	return NewTask(name, fn)
}

// After appends dependency names.
func (d *TaskDefinition) After(deps ...string) *TaskDefinition {
	d.DependsOn = append(d.DependsOn, deps...)
	return d
}

// WithPriority sets the scheduling priority. Higher runs first.
func (d *TaskDefinition) WithPriority(p int) *TaskDefinition {
	d.Priority = p
	return d
}

// WithTimeout sets the per-attempt timeout.
func (d *TaskDefinition) WithTimeout(timeout time.Duration) *TaskDefinition {
	d.Timeout = timeout
	return d
}

// WithRetry sets the retry policy.
func (d *TaskDefinition) WithRetry(p RetryPolicy) *TaskDefinition {
	d.Retry = &p
	return d
}

// WithCache sets the cache policy.
func (d *TaskDefinition) WithCache(p CachePolicy) *TaskDefinition {
	d.Cache = &p
	return d
}

// WithTag sets a tag.
func (d *TaskDefinition) WithTag(key, value string) *TaskDefinition {
	if d.Tags == nil {
		d.Tags = make(map[string]string)
	}
	d.Tags[key] = value
	return d
}

// Validate checks fields that don't depend on other tasks.
func (d *TaskDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidInput)
	}
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty", Err: ErrInvalidInput}
	}
	if d.Name == InputsKey {
		return fmt.Errorf("%w: %s", ErrReservedName, d.Name)
	}
	if err := validation.ValidateName(d.Name); err != nil {
		return &ValidationError{Field: "name", Reason: err.Error(), Err: ErrInvalidInput}
	}
	if d.Task == nil {
		return fmt.Errorf("task %q: %w", d.Name, ErrNilTask)
	}
	if d.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative", Err: ErrInvalidInput}
	}
	if d.Retry != nil {
		if err := d.Retry.Validate(); err != nil {
			return fmt.Errorf("task %q: %w", d.Name, err)
		}
	}
	if d.Cache != nil {
		if err := d.Cache.Validate(); err != nil {
			return fmt.Errorf("task %q: %w", d.Name, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the definition's slices, maps and policies.
func (d *TaskDefinition) Clone() *TaskDefinition {
	c := *d
	c.DependsOn = slices.Clone(d.DependsOn)
	c.Tags = maps.Clone(d.Tags)
	if d.Retry != nil {
		r := *d.Retry
		c.Retry = &r
	}
	if d.Cache != nil {
		p := *d.Cache
		c.Cache = &p
	}
	return &c
}
