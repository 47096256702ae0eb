// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs one task invocation under a RetryPolicy.
//
// Each attempt runs with the task timeout applied to its own context. A
// timed-out attempt fails with *dag.TimeoutError. Cancellation of the
// parent context is not a failure: the interrupted attempt is not counted
// and the outcome is marked Cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
)

// Func is one attempt of a task body.
type Func func(ctx context.Context) (any, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome is the result of Executor.Do.
type Outcome struct {
	// Value is the materialized output on success.
	Value any

	// Records is the record count reported by the output.
	Records int

	// Attempts is the number of attempts that ran to a result. An attempt
	// interrupted by cancellation is not counted.
	Attempts int

	// Err is nil on success, a *dag.TaskError on failure, or the context
	// error when Cancelled.
	Err error

	// Cancelled reports that the parent context ended the invocation.
	Cancelled bool
}

// Retries returns the attempts consumed after the first one.
func (o Outcome) Retries() int {
	return max(o.Attempts-1, 0)
}

// Executor applies a RetryPolicy to task invocations.
//
// Thread Safety:
//
//	Do may be called concurrently; each call builds its own backoff state.
type Executor struct {
	policy  dag.RetryPolicy
	logger  *slog.Logger
	sleep   Sleeper
	onRetry func(task string, attempt int, delay time.Duration, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleeper replaces the backoff sleep. Tests use it to record delays.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithRetryHook registers a callback invoked before each backoff sleep.
func WithRetryHook(fn func(task string, attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an Executor. A zero policy means a single attempt.
func New(policy dag.RetryPolicy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy: policy,
		logger: slog.Default(),
		sleep:  SleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() dag.RetryPolicy { return e.policy }

// Do runs fn until it succeeds, fails with a non-retryable error, or
// exhausts MaxAttempts.
//
// Inputs:
//
//	ctx - Parent context. Cancellation stops retries immediately.
//	task - Task name, used in errors and logs.
//	timeout - Per-attempt timeout. Zero means none.
//	fn - The attempt body.
//
// Outputs:
//
//	Outcome - Never has both Value and Err set.
func (e *Executor) Do(ctx context.Context, task string, timeout time.Duration, fn Func) Outcome {
	b := NewBackOff(e.policy)
	b.Reset()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Err: err, Cancelled: true}
		}

		value, records, err := e.attempt(ctx, task, timeout, fn)
		if err == nil {
			return Outcome{Value: value, Records: records, Attempts: attempt}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Attempts: attempt - 1, Err: ctxErr, Cancelled: true}
		}

		if attempt >= e.policy.Attempts() || !Retryable(e.policy, err) {
			return Outcome{Attempts: attempt, Err: dag.NewTaskError(task, attempt, unwrapPermanent(err))}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return Outcome{Attempts: attempt, Err: dag.NewTaskError(task, attempt, err)}
		}

		e.logger.Warn("task retrying",
			slog.String("task", task),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.policy.Attempts()),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if e.onRetry != nil {
			e.onRetry(task, attempt, delay, err)
		}

		if err := e.sleep(ctx, delay); err != nil {
			return Outcome{Attempts: attempt, Err: err, Cancelled: true}
		}
	}
}

type attemptResult struct {
	value   any
	records int
	err     error
}

// attempt runs fn in its own goroutine so that a body ignoring ctx still
// releases the caller when the attempt deadline passes.
func (e *Executor) attempt(ctx context.Context, task string, timeout time.Duration, fn Func) (any, int, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		defer func() {
			if r := recover(); r != nil {
				res = attemptResult{err: fmt.Errorf("task panicked: %v", r)}
			}
			done <- res
		}()
		v, err := fn(attemptCtx)
		if err != nil {
			res.err = err
			return
		}
		res.value, res.records = dag.Materialize(v)
	}()

	select {
	case res := <-done:
		if res.err != nil && timeout > 0 && ctx.Err() == nil &&
			errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, 0, &dag.TimeoutError{Task: task, Timeout: timeout}
		}
		return res.value, res.records, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &dag.TimeoutError{Task: task, Timeout: timeout}
	}
}

// Retryable reports whether err may be retried under policy.
//
// Errors marked with Permanent are never retried. Otherwise the policy's
// RetryOn decides, falling back to DefaultRetryable.
func Retryable(policy dag.RetryPolicy, err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if policy.RetryOn != nil {
		return policy.RetryOn(err)
	}
	return DefaultRetryable(err)
}

// DefaultRetryable retries everything except timeouts, missing secrets
// and cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, dag.ErrTaskTimeout),
		errors.Is(err, execctx.ErrMissingSecret),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// RetryTimeouts is a RetryOn predicate that also retries timeouts.
func RetryTimeouts(err error) bool {
	return errors.Is(err, dag.ErrTaskTimeout) || DefaultRetryable(err)
}

// Permanent marks err as not retryable regardless of policy.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) && perm.Err != nil {
		return perm.Err
	}
	return err
}

// NewBackOff builds the delay source for a policy.
//
// Description:
//
//	exponential uses backoff.ExponentialBackOff with RandomizationFactor
//	set to Jitter, which spreads each delay uniformly over ±Jitter. fixed
//	without jitter is a ConstantBackOff; with jitter it is an exponential
//	curve with multiplier 1. none is a ZeroBackOff. MaxDelay caps the
//	final value after jitter.
func NewBackOff(p dag.RetryPolicy) backoff.BackOff {
	var b backoff.BackOff
	switch p.Backoff {
	case dag.BackoffExponential:
		mult := p.Multiplier
		if mult == 0 {
			mult = dag.DefaultMultiplier
		}
		b = exponential(p.BaseDelay, p.Jitter, mult, p.MaxDelay)
	case dag.BackoffFixed:
		if p.Jitter > 0 {
			b = exponential(p.BaseDelay, p.Jitter, 1, p.BaseDelay)
		} else {
			b = backoff.NewConstantBackOff(p.BaseDelay)
		}
	default:
		return &backoff.ZeroBackOff{}
	}
	if p.MaxDelay > 0 {
		b = &capped{BackOff: b, max: p.MaxDelay}
	}
	return b
}

// MaxBackOffInterval bounds the un-jittered interval of exponential
// schedules that set no MaxDelay. Jitter may stretch a delay to at most
// (1+Jitter) times this value.
const MaxBackOffInterval = 24 * time.Hour

func exponential(base time.Duration, jitter, mult float64, maxInterval time.Duration) *backoff.ExponentialBackOff {
	if maxInterval <= 0 {
		maxInterval = MaxBackOffInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// capped clamps delays to max.
type capped struct {
	backoff.BackOff
	max time.Duration
}

func (c *capped) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d != backoff.Stop && d > c.max {
		return c.max
	}
	return d
}

// Schedule returns the first n delays a policy would produce.
func Schedule(p dag.RetryPolicy, n int) []time.Duration {
	b := NewBackOff(p)
	b.Reset()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
