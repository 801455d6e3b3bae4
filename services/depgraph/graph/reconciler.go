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
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ReconcileResult describes one reconciliation.
type ReconcileResult struct {
	// Roots is the root-entity diff. Empty for Refresh and Rebuild.
	Roots DiffResult[Entity]

	// NodesAdded and NodesRemoved count keys that entered or left the graph.
	NodesAdded   int
	NodesRemoved int

	// EdgesAdded and EdgesRemoved count edges that entered or left the graph.
	EdgesAdded   int
	EdgesRemoved int

	// ResolutionErrors holds per-entity failures of the underlying build.
	ResolutionErrors []ResolutionError

	// Duration is how long the reconciliation took.
	Duration time.Duration
}

// Changed reports whether the graph changed.
func (r *ReconcileResult) Changed() bool {
	return r.NodesAdded+r.NodesRemoved+r.EdgesAdded+r.EdgesRemoved > 0
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// Reconciler owns a dependency graph and keeps it consistent with a
// changing root set.
//
// Description:
//
//	Mutations clone the current graph, update the clone, and swap it in
//	only on success. A cancelled or failed reconciliation leaves the
//	previous graph and roots untouched. Readers take snapshots at any
//	time; a published graph is never mutated again.
//
// Thread Safety:
//
//	Snapshot, Roots and RootKeys are safe for concurrent use. Only one
//	mutation may run at a time; a concurrent attempt fails fast with
//	ErrConcurrentMutation.
type Reconciler struct {
	builder *Builder
	logger  *slog.Logger

	mu       sync.RWMutex
	graph    *NodeGraph
	entities map[NodeKey]Entity
	roots    []Entity
	rootKeys []NodeKey
	builtAt  time.Time

	busy atomic.Bool
}

// NewReconciler creates a Reconciler with an empty graph and no roots.
func NewReconciler(builder *Builder, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		builder:  builder,
		logger:   slog.Default(),
		graph:    NewNodeGraph(),
		entities: make(map[NodeKey]Entity),
		roots:    make([]Entity, 0),
		rootKeys: make([]NodeKey, 0),
		builtAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns a read-only view of the current graph.
func (r *Reconciler) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Snapshot{g: r.graph, takenAt: r.builtAt}
}

// Roots returns a copy of the current root entities.
func (r *Reconciler) Roots() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.roots)
}

// RootKeys returns the node keys of the current roots in key order.
func (r *Reconciler) RootKeys() []NodeKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.rootKeys)
}

// SetRoots replaces the root set and reconciles the graph.
//
// Description:
//
//	Computes the root diff, extends a clone of the graph with the closure
//	of the added roots, and prunes every node no longer forward-reachable
//	from a root. The result equals a from-scratch build over roots.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	roots - The new root set. Duplicates are ignored.
//
// Outputs:
//
//	*ReconcileResult - What changed.
//	error - ErrConcurrentMutation or ErrCancelled. State is unchanged on
//	error.
func (r *Reconciler) SetRoots(ctx context.Context, roots []Entity) (*ReconcileResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, ErrConcurrentMutation
	}
	defer r.busy.Store(false)

	ctx, span := startReconcileSpan(ctx, "SetRoots", len(roots))
	defer span.End()
	start := time.Now()

	old, entities, oldRoots := r.current()
	diff := Diff(oldRoots, roots)
	if !diff.IsDifferent {
		recordReconcileMetrics(ctx, "SetRoots", time.Since(start), "noop")
		return &ReconcileResult{Roots: diff, Duration: time.Since(start)}, nil
	}

	res, err := r.apply(ctx, "SetRoots", old, old, entities, dedup(roots))
	if err != nil {
		return nil, err
	}
	res.Roots = diff
	res.Duration = time.Since(start)

	r.logger.Info("roots reconciled",
		slog.Int("added", len(diff.Added)),
		slog.Int("removed", len(diff.Removed)),
		slog.Int("nodes_added", res.NodesAdded),
		slog.Int("nodes_removed", res.NodesRemoved),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// Refresh brings the graph up to date after source files changed.
//
// Description:
//
//	Invalidates the analyzer's cache for changedFiles when it implements
//	Invalidator. Nodes declared in a changed file are dropped together
//	with their edges, and the nodes that referenced them are re-expanded,
//	so declarations that moved, changed shape, or disappeared are picked
//	up. When the analyzer implements AffectedResolver, nodes whose
//	references are written in a changed file (a type whose methods live
//	there) are re-expanded as well, for both the old and the new content.
//	The graph is then pruned to the closure of the current roots.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	changedFiles - Paths of edited, created or deleted files.
//
// Outputs:
//
//	*ReconcileResult - What changed.
//	error - ErrConcurrentMutation or ErrCancelled. State is unchanged on
//	error.
func (r *Reconciler) Refresh(ctx context.Context, changedFiles []string) (*ReconcileResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, ErrConcurrentMutation
	}
	defer r.busy.Store(false)

	ctx, span := startReconcileSpan(ctx, "Refresh", len(changedFiles))
	defer span.End()
	start := time.Now()

	affected, err := r.affectedBy(ctx, changedFiles)
	if err != nil {
		return nil, err
	}
	if inv, ok := r.builder.Analyzer().(Invalidator); ok && len(changedFiles) > 0 {
		if err := inv.Invalidate(ctx, changedFiles); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, cancelled(ctxErr)
			}
			r.logger.Warn("analyzer invalidation failed",
				slog.Int("files", len(changedFiles)),
				slog.String("error", err.Error()),
			)
		}
	}
	after, err := r.affectedBy(ctx, changedFiles)
	if err != nil {
		return nil, err
	}
	affected = append(affected, after...)

	old, entities, roots := r.current()
	changed := make(map[string]bool, len(changedFiles))
	for _, f := range changedFiles {
		changed[f] = true
	}

	work := old.Clone()
	stale := make([]NodeKey, 0)
	for _, n := range work.Nodes() {
		if changed[n.SourceFilePath] {
			stale = append(stale, n.Key)
		}
	}

	force := make(map[NodeKey]bool)
	for _, k := range stale {
		for _, e := range work.Incoming(k) {
			if !changed[nodeFile(work, e.Source)] {
				force[e.Source] = true
			}
		}
	}
	keyOf := make(map[Entity]NodeKey, len(entities))
	for k, e := range entities {
		keyOf[e] = k
	}
	for _, e := range affected {
		if k, ok := keyOf[e]; ok && work.HasNode(k) && !changed[nodeFile(work, k)] {
			force[k] = true
		}
	}
	for _, k := range stale {
		work.RemoveNode(k)
		delete(entities, k)
	}
	seeds := slices.Clone(roots)
	for k := range force {
		work.RemoveOutgoing(k)
		seeds = append(seeds, entities[k])
	}

	r.logger.Debug("refreshing graph",
		slog.Int("changed_files", len(changedFiles)),
		slog.Int("stale_nodes", len(stale)),
		slog.Int("forced_nodes", len(force)),
	)

	res, err := r.applyTo(ctx, "Refresh", old, work, entities, roots, seeds, force)
	if err != nil {
		return nil, err
	}
	res.Roots = Diff[Entity](nil, nil)
	res.Duration = time.Since(start)
	return res, nil
}

// affectedBy asks the analyzer which entities collect references from
// files. Lookup failures other than cancellation are logged and yield no
// entities.
func (r *Reconciler) affectedBy(ctx context.Context, files []string) ([]Entity, error) {
	ar, ok := r.builder.Analyzer().(AffectedResolver)
	if !ok || len(files) == 0 {
		return nil, nil
	}
	out, err := ar.AffectedBy(ctx, files)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		r.logger.Warn("affected entity lookup failed",
			slog.Int("files", len(files)),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return out, nil
}

// Rebuild discards the graph and builds it from scratch over the current
// roots.
func (r *Reconciler) Rebuild(ctx context.Context) (*ReconcileResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, ErrConcurrentMutation
	}
	defer r.busy.Store(false)

	ctx, span := startReconcileSpan(ctx, "Rebuild", 0)
	defer span.End()
	start := time.Now()

	old, _, roots := r.current()
	res, err := r.apply(ctx, "Rebuild", old, NewNodeGraph(), nil, roots)
	if err != nil {
		return nil, err
	}
	res.Roots = Diff[Entity](nil, nil)
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Reconciler) current() (*NodeGraph, map[NodeKey]Entity, []Entity) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph, maps.Clone(r.entities), slices.Clone(r.roots)
}

// apply extends a clone of base with roots and publishes the result.
func (r *Reconciler) apply(ctx context.Context, op string, old, base *NodeGraph, entities map[NodeKey]Entity, roots []Entity) (*ReconcileResult, error) {
	return r.applyTo(ctx, op, old, base.Clone(), entities, roots, roots, nil)
}

// applyTo extends work with seeds, prunes it to the closure of roots and
// publishes it. old is the graph being replaced, used for the change
// counts.
func (r *Reconciler) applyTo(ctx context.Context, op string, old, work *NodeGraph, entities map[NodeKey]Entity, roots, seeds []Entity, force map[NodeKey]bool) (*ReconcileResult, error) {
	start := time.Now()
	built, err := r.builder.Extend(ctx, work, seeds, entities, force)
	if err != nil {
		recordReconcileMetrics(ctx, op, time.Since(start), "cancelled")
		return nil, err
	}

	rootKeys := make([]NodeKey, 0, len(roots))
	seen := make(map[NodeKey]bool, len(roots))
	for _, e := range roots {
		if k, ok := built.RootKeys[e]; ok && !seen[k] {
			seen[k] = true
			rootKeys = append(rootKeys, k)
		}
	}
	slices.SortFunc(rootKeys, CompareKeys)

	if err := prune(ctx, work, built.Entities, rootKeys); err != nil {
		recordReconcileMetrics(ctx, op, time.Since(start), "cancelled")
		return nil, err
	}

	res := &ReconcileResult{ResolutionErrors: built.ResolutionErrors}
	res.NodesAdded, res.NodesRemoved = countDiff(old.Keys(), work.Keys())
	res.EdgesAdded, res.EdgesRemoved = countDiff(old.Edges(), work.Edges())

	r.mu.Lock()
	r.graph = work
	r.entities = built.Entities
	r.roots = slices.Clone(roots)
	r.rootKeys = rootKeys
	r.builtAt = time.Now()
	r.mu.Unlock()

	recordReconcileMetrics(ctx, op, time.Since(start), "ok")
	return res, nil
}

// prune removes every node not forward-reachable from rootKeys.
func prune(ctx context.Context, g *NodeGraph, entities map[NodeKey]Entity, rootKeys []NodeKey) error {
	reached := make(map[NodeKey]bool, g.NodeCount())
	frontier := make([]NodeKey, 0, len(rootKeys))
	for _, k := range rootKeys {
		if g.HasNode(k) && !reached[k] {
			reached[k] = true
			frontier = append(frontier, k)
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		var next []NodeKey
		for _, k := range frontier {
			for _, e := range g.Outgoing(k) {
				if !reached[e.Target] {
					reached[e.Target] = true
					next = append(next, e.Target)
				}
			}
		}
		frontier = next
	}

	for _, k := range g.Keys() {
		if !reached[k] {
			g.RemoveNode(k)
			delete(entities, k)
		}
	}
	return nil
}

func countDiff[T comparable](old, new []T) (added, removed int) {
	d := Diff(old, new)
	return len(d.Added), len(d.Removed)
}

func nodeFile(g Reader, k NodeKey) string {
	n, _ := g.GetNode(k)
	return n.SourceFilePath
}

func dedup[T comparable](in []T) []T {
	seen := make(map[T]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
