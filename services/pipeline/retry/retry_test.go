// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

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

	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/execctx"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingSleeper captures requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestExecutor_AlwaysFailing_RetryBound(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := New(dag.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     dag.BackoffExponential,
		BaseDelay:   10 * time.Millisecond,
	}, WithSleeper(sleeper.Sleep), WithLogger(quiet))

	var calls atomic.Int32
	boom := errors.New("boom")
	out := exec.Do(context.Background(), "flaky", 0, func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	})

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, out.Retries())
	assert.False(t, out.Cancelled)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, boom)

	var taskErr *dag.TaskError
	require.True(t, errors.As(out.Err, &taskErr))
	assert.Equal(t, "flaky", taskErr.Task)
	assert.Equal(t, 3, taskErr.Attempts)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.delays)
}

func TestExecutor_SucceedsAfterRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := New(dag.RetryPolicy{MaxAttempts: 5, Backoff: dag.BackoffFixed, BaseDelay: time.Second},
		WithSleeper(sleeper.Sleep), WithLogger(quiet))

	var calls int
	out := exec.Do(context.Background(), "t", 0, func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return dag.WithRecords("ok", 7), nil
	})

	require.NoError(t, out.Err)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 7, out.Records)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, out.Retries())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.delays)
}

func TestExecutor_TimeoutNotRetriedByDefault(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := New(dag.RetryPolicy{MaxAttempts: 3}, WithSleeper(sleeper.Sleep), WithLogger(quiet))

	out := exec.Do(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.Error(t, out.Err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, dag.ErrTaskTimeout)
	var timeout *dag.TimeoutError
	require.True(t, errors.As(out.Err, &timeout))
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.Empty(t, sleeper.delays)
}

func TestExecutor_TimeoutRetriedWhenPredicateAllows(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 2, RetryOn: RetryTimeouts},
		WithSleeper((&recordingSleeper{}).Sleep), WithLogger(quiet))

	var calls atomic.Int32
	out := exec.Do(context.Background(), "slow", 10*time.Millisecond, func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, out.Attempts)
	assert.ErrorIs(t, out.Err, dag.ErrTaskTimeout)
}

func TestExecutor_TimeoutWhenBodyIgnoresContext(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 1}, WithLogger(quiet))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out := exec.Do(context.Background(), "stuck", 20*time.Millisecond, func(context.Context) (any, error) {
		<-release
		return "late", nil
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, out.Err, dag.ErrTaskTimeout)
}

func TestExecutor_ParentCancellationIsNotAnAttempt(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 3}, WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	out := exec.Do(ctx, "long", time.Minute, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.True(t, out.Cancelled)
	assert.Equal(t, 0, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 3}, WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	out := exec.Do(ctx, "t", 0, func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.True(t, out.Cancelled)
}

func TestExecutor_PermanentStopsRetries(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 5}, WithSleeper((&recordingSleeper{}).Sleep), WithLogger(quiet))
	bad := errors.New("bad input")

	var calls int
	out := exec.Do(context.Background(), "t", 0, func(context.Context) (any, error) {
		calls++
		return nil, Permanent(bad)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, bad)
	assert.NotContains(t, out.Err.Error(), "permanent")
}

func TestExecutor_MissingSecretNotRetried(t *testing.T) {
	exec := New(dag.RetryPolicy{MaxAttempts: 4}, WithLogger(quiet))
	ec := execctx.New(execctx.WithSecretLookup(nil))

	var calls int
	out := exec.Do(context.Background(), "t", 0, func(context.Context) (any, error) {
		calls++
		_, err := ec.RequireSecret("TOKEN")
		return nil, err
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, execctx.ErrMissingSecret)
}

func TestExecutor_CustomPredicate(t *testing.T) {
	retryable := errors.New("retry me")
	exec := New(dag.RetryPolicy{
		MaxAttempts: 4,
		RetryOn:     func(err error) bool { return errors.Is(err, retryable) },
	}, WithSleeper((&recordingSleeper{}).Sleep), WithLogger(quiet))

	var calls int
	out := exec.Do(context.Background(), "t", 0, func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, retryable
		}
		return nil, errors.New("fatal")
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecutor_PanicBecomesError(t *testing.T) {
	exec := New(dag.RetryPolicy{}, WithLogger(quiet))
	out := exec.Do(context.Background(), "p", 0, func(context.Context) (any, error) {
		panic("kaboom")
	})
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "kaboom")
	assert.Equal(t, 1, out.Attempts)
}

func TestExecutor_RetryHook(t *testing.T) {
	var hooked []int
	exec := New(dag.RetryPolicy{MaxAttempts: 3},
		WithSleeper((&recordingSleeper{}).Sleep),
		WithLogger(quiet),
		WithRetryHook(func(task string, attempt int, delay time.Duration, err error) {
			hooked = append(hooked, attempt)
		}))

	exec.Do(context.Background(), "t", 0, func(context.Context) (any, error) {
		return nil, errors.New("x")
	})
	assert.Equal(t, []int{1, 2}, hooked)
}

func TestSchedule(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name   string
		policy dag.RetryPolicy
		want   []time.Duration
	}{
		{"none", dag.RetryPolicy{Backoff: dag.BackoffNone, BaseDelay: time.Second}, []time.Duration{0, 0, 0}},
		{"fixed", dag.RetryPolicy{Backoff: dag.BackoffFixed, BaseDelay: 50 * ms}, []time.Duration{50 * ms, 50 * ms, 50 * ms}},
		{"exponential", dag.RetryPolicy{Backoff: dag.BackoffExponential, BaseDelay: 100 * ms},
			[]time.Duration{100 * ms, 200 * ms, 400 * ms, 800 * ms}},
		{"exponential multiplier 3", dag.RetryPolicy{Backoff: dag.BackoffExponential, BaseDelay: 10 * ms, Multiplier: 3},
			[]time.Duration{10 * ms, 30 * ms, 90 * ms}},
		{"exponential capped", dag.RetryPolicy{Backoff: dag.BackoffExponential, BaseDelay: 100 * ms, MaxDelay: 250 * ms},
			[]time.Duration{100 * ms, 200 * ms, 250 * ms, 250 * ms}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Schedule(tt.policy, len(tt.want)))
		})
	}
}

func TestSchedule_JitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	policy := dag.RetryPolicy{Backoff: dag.BackoffExponential, BaseDelay: base, Jitter: 0.2}

	for trial := 0; trial < 200; trial++ {
		delays := Schedule(policy, 3)
		for i, d := range delays {
			nominal := float64(base) * float64(int(1)<<i)
			assert.GreaterOrEqual(t, float64(d), nominal*0.8-1, "retry %d", i)
			assert.LessOrEqual(t, float64(d), nominal*1.2+1, "retry %d", i)
		}
	}
}

func TestSchedule_FixedJitterCapped(t *testing.T) {
	policy := dag.RetryPolicy{Backoff: dag.BackoffFixed, BaseDelay: time.Second, Jitter: 0.5, MaxDelay: 1200 * time.Millisecond}
	for trial := 0; trial < 100; trial++ {
		for _, d := range Schedule(policy, 4) {
			assert.GreaterOrEqual(t, d, 500*time.Millisecond)
			assert.LessOrEqual(t, d, 1200*time.Millisecond)
		}
	}
}

func TestSchedule_LongExponentialStaysBounded(t *testing.T) {
	policies := []dag.RetryPolicy{
		{Backoff: dag.BackoffExponential, BaseDelay: time.Second},
		{Backoff: dag.BackoffExponential, BaseDelay: time.Second, Jitter: 0.5},
		{Backoff: dag.BackoffExponential, BaseDelay: time.Second, Jitter: 0.9, Multiplier: 10},
	}
	for _, policy := range policies {
		delays := Schedule(policy, 200)
		for i, d := range delays {
			require.Positive(t, d, "retry %d of %+v", i, policy)
			upper := time.Duration(float64(MaxBackOffInterval) * (1 + policy.Jitter))
			require.LessOrEqual(t, d, upper, "retry %d of %+v", i, policy)
		}
	}
	assert.Equal(t, MaxBackOffInterval, Schedule(policies[0], 100)[99])
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(errors.New("io")))
	assert.False(t, DefaultRetryable(&dag.TimeoutError{Task: "t"}))
	assert.False(t, DefaultRetryable(&execctx.MissingSecretError{Key: "k"}))
	assert.False(t, DefaultRetryable(context.Canceled))
	assert.False(t, Retryable(dag.RetryPolicy{}, nil))
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}
