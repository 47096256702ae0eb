// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides the tracing and metrics hooks of the pipeline
// engine.
//
// # Handles, not globals
//
// Setup builds a TracerProvider and MeterProvider and returns them in a
// Providers value. Nothing is installed with otel.SetTracerProvider; callers
// pass Providers.Tracer and NewMetrics(Providers.Meter(...)) into the
// pipeline explicitly. Two pipelines in one process can therefore report to
// different backends.
//
// # Tracer hook
//
// The engine only depends on the small Tracer/Span interfaces below.
// NewTracer adapts an OpenTelemetry TracerProvider; NoopTracer discards
// everything.
//
//	providers, err := telemetry.Setup(ctx, telemetry.Config{TraceExporter: "stdout"})
//	if err != nil {
//	    return fmt.Errorf("setup telemetry: %w", err)
//	}
//	defer providers.Shutdown(context.Background())
//
//	tracer := providers.Tracer("pipeflow")
//	ctx, span := tracer.Start(ctx, "pipeline.etl")
//	span.SetAttribute("run_id", runID)
//	defer span.End()
//
// # Exporters
//
//   - traces: "otlp" (gRPC), "stdout", or "none"
//   - metrics: "prometheus" (pull, served by MetricsHandler), "stdout", or "none"
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package telemetry
