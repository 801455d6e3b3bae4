// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

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
	tracer = otel.Tracer("aleutian.depgraph")
	meter  = otel.Meter("aleutian.depgraph")
)

var (
	buildLatency     metric.Float64Histogram
	buildTotal       metric.Int64Counter
	nodesCreated     metric.Int64Histogram
	edgesCreated     metric.Int64Histogram
	extractLatency   metric.Float64Histogram
	reconcileLatency metric.Float64Histogram
	reconcileTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"depgraph_build_duration_seconds",
			metric.WithDescription("Duration of dependency graph builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"depgraph_build_total",
			metric.WithDescription("Total number of dependency graph builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesCreated, err = meter.Int64Histogram(
			"depgraph_nodes_created",
			metric.WithDescription("Number of nodes created per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		edgesCreated, err = meter.Int64Histogram(
			"depgraph_edges_created",
			metric.WithDescription("Number of edges created per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		extractLatency, err = meter.Float64Histogram(
			"depgraph_extract_duration_seconds",
			metric.WithDescription("Duration of display subgraph extraction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconcileLatency, err = meter.Float64Histogram(
			"depgraph_reconcile_duration_seconds",
			metric.WithDescription("Duration of incremental reconciliation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconcileTotal, err = meter.Int64Counter(
			"depgraph_reconcile_total",
			metric.WithDescription("Total number of reconciliations by operation and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuildMetrics records metrics for a build operation.
func recordBuildMetrics(ctx context.Context, op string, duration time.Duration, nodeCount, edgeCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", success),
	)

	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)

	if success {
		nodesCreated.Record(ctx, int64(nodeCount))
		edgesCreated.Record(ctx, int64(edgeCount))
	}
}

func recordExtractMetrics(ctx context.Context, duration time.Duration, depth int) {
	if err := initMetrics(); err != nil {
		return
	}
	extractLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Int("depth", depth)),
	)
}

func recordReconcileMetrics(ctx context.Context, op string, duration time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	reconcileLatency.Record(ctx, duration.Seconds(), attrs)
	reconcileTotal.Add(ctx, 1, attrs)
}

// startBuildSpan creates a span for a build operation.
func startBuildSpan(ctx context.Context, op string, rootCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.Int("depgraph.root_count", rootCount),
		),
	)
}

// setBuildSpanResult sets the result attributes on a build span.
func setBuildSpanResult(span trace.Span, nodeCount, edgeCount int, aborted bool) {
	span.SetAttributes(
		attribute.Int("depgraph.node_count", nodeCount),
		attribute.Int("depgraph.edge_count", edgeCount),
		attribute.Bool("depgraph.aborted", aborted),
	)
}

func startExtractSpan(ctx context.Context, rootCount, depth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ExtractDisplaySubgraph",
		trace.WithAttributes(
			attribute.Int("depgraph.root_count", rootCount),
			attribute.Int("depgraph.depth", depth),
		),
	)
}

func startReconcileSpan(ctx context.Context, op string, changed int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Reconciler."+op,
		trace.WithAttributes(
			attribute.Int("depgraph.changed_count", changed),
		),
	)
}

func nodeCountAttr(n int) attribute.KeyValue { return attribute.Int("depgraph.node_count", n) }

func edgeCountAttr(n int) attribute.KeyValue { return attribute.Int("depgraph.edge_count", n) }
