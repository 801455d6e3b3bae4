// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.depgraph.ast")
	meter  = otel.Meter("aleutian.depgraph.ast")
)

var (
	loadLatency metric.Float64Histogram
	loadTotal   metric.Int64Counter
	filesParsed metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		loadLatency, err = meter.Float64Histogram(
			"depgraph_ast_load_duration_seconds",
			metric.WithDescription("Duration of package indexing"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		loadTotal, err = meter.Int64Counter(
			"depgraph_ast_load_total",
			metric.WithDescription("Total number of package loads"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesParsed, err = meter.Int64Counter(
			"depgraph_ast_files_parsed_total",
			metric.WithDescription("Total number of source files parsed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLoadMetrics(ctx context.Context, duration time.Duration, files int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	loadLatency.Record(ctx, duration.Seconds(), attrs)
	loadTotal.Add(ctx, 1, attrs)
	if success {
		filesParsed.Add(ctx, int64(files))
	}
}

func startLoadSpan(ctx context.Context, importPath string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "GoAnalyzer.LoadPackage",
		trace.WithAttributes(attribute.String("ast.package", importPath)),
	)
}

func setLoadSpanResult(span trace.Span, files, types int) {
	span.SetAttributes(
		attribute.Int("ast.file_count", files),
		attribute.Int("ast.type_count", types),
	)
}
