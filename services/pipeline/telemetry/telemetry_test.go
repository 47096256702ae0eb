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
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.IsType(t, NoopTracer{}, p.Tracer("x"))
	assert.Nil(t, p.MetricsHandler())
	assert.NotNil(t, p.Meter("x"))
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Setup(context.Background(), Config{MetricExporter: "graphite"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestSetup_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Setup(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestSetup_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(context.Background(), Config{TraceExporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "pipeline.etl")
	span.SetAttribute("run_id", "r-1")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "pipeline.etl")
	assert.Contains(t, buf.String(), "r-1")
}

func TestSetup_PrometheusHandler(t *testing.T) {
	p, err := Setup(context.Background(), Config{MetricExporter: ExporterPrometheus})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter("test"))
	require.NoError(t, err)
	m.RunFinished(context.Background(), "etl", "completed", time.Second)

	handler := p.MetricsHandler()
	require.NotNil(t, handler)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pipeflow_runs")
}

func TestSetup_TwicePerProcess(t *testing.T) {
	for range 2 {
		p, err := Setup(context.Background(), Config{MetricExporter: ExporterPrometheus})
		require.NoError(t, err)
		require.NoError(t, p.Shutdown(context.Background()))
	}
}

func TestTracer_ParentChild(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := NewProviders(tp, nil).Tracer("test")

	ctx, root := tracer.Start(context.Background(), "pipeline.etl")
	assert.NotEmpty(t, TraceID(ctx))
	_, child := tracer.Start(ctx, "task.extract")
	child.SetAttribute("attempts", 2)
	child.SetAttribute("elapsed", 1500*time.Millisecond)
	child.AddEvent("cache_miss", map[string]any{"key": "extract:abc", "scope": "cross_run"})
	child.RecordError(errors.New("boom"))
	child.RecordError(nil)
	child.End()
	root.End()

	ended := sr.Ended()
	require.Len(t, ended, 2)
	childSpan, rootSpan := ended[0], ended[1]
	assert.Equal(t, "task.extract", childSpan.Name())
	assert.Equal(t, rootSpan.SpanContext().SpanID(), childSpan.Parent().SpanID())
	assert.Equal(t, codes.Error, childSpan.Status().Code)
	assert.Contains(t, childSpan.Attributes(), attribute.Int("attempts", 2))
	assert.Contains(t, childSpan.Attributes(), attribute.Int64("elapsed", 1500))

	var names []string
	for _, ev := range childSpan.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "cache_miss")
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	got, span := NoopTracer{}.Start(ctx, "x")
	assert.Equal(t, ctx, got)
	span.SetAttribute("k", "v")
	span.AddEvent("e", nil)
	span.RecordError(errors.New("x"))
	span.End()
	assert.Empty(t, TraceID(got))
}

func TestAttribute(t *testing.T) {
	assert.Equal(t, attribute.String("k", "v"), Attribute("k", "v"))
	assert.Equal(t, attribute.Bool("k", true), Attribute("k", true))
	assert.Equal(t, attribute.Float64("k", 1.5), Attribute("k", 1.5))
	assert.Equal(t, attribute.StringSlice("k", []string{"a"}), Attribute("k", []string{"a"}))
	assert.Equal(t, attribute.String("k", "[1 2]"), Attribute("k", []float64{1, 2}))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt(m metricdata.Metrics) int64 {
	var total int64
	if s, ok := m.Data.(metricdata.Sum[int64]); ok {
		for _, dp := range s.DataPoints {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Recording(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.TaskStarted(ctx, "etl", "extract")
	m.Retry(ctx, "etl", "extract")
	m.TaskFinished(ctx, "etl", "extract", "succeeded", 10*time.Millisecond, 3)
	m.TaskOutcome(ctx, "etl", "load", "skipped", 0)
	m.CacheLookup(ctx, "etl", "extract", false)
	m.CacheLookup(ctx, "etl", "extract", true)
	m.RunFinished(ctx, "etl", "completed", time.Second)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumInt(got[MetricTasksTotal]))
	assert.Equal(t, int64(1), sumInt(got[MetricRetriesTotal]))
	assert.Equal(t, int64(2), sumInt(got[MetricCacheLookups]))
	assert.Equal(t, int64(0), sumInt(got[MetricActiveTasks]))
	assert.Equal(t, int64(3), sumInt(got[MetricRecordsTotal]))
	assert.Equal(t, int64(1), sumInt(got[MetricRunsTotal]))

	hist, ok := got[MetricRunDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskStarted(ctx, "p", "t")
	m.TaskFinished(ctx, "p", "t", "failed", time.Second, 1)
	m.TaskOutcome(ctx, "p", "t", "cancelled", 0)
	m.Retry(ctx, "p", "t")
	m.CacheLookup(ctx, "p", "t", true)
	m.RunFinished(ctx, "p", "failed", time.Second)
}
