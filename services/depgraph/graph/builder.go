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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// BuildProgress contains progress information during a build.
type BuildProgress struct {
	// NodesCreated is the number of nodes created so far.
	NodesCreated int

	// Queued is the number of entities waiting in the work queue.
	Queued int
}

// ProgressFunc is a callback function for build progress updates.
type ProgressFunc func(progress BuildProgress)

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// Logger receives build diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Status supplies version-control status for node files.
	// Default: every file is unchanged.
	Status StatusProvider

	// MaxNodes caps the number of nodes in a graph. Zero means no cap.
	MaxNodes int

	// ProgressCallback is called after every created node. May be nil.
	ProgressCallback ProgressFunc
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(o *BuilderOptions) {
		o.Logger = logger
	}
}

// WithStatusProvider sets the version-control status oracle.
func WithStatusProvider(s StatusProvider) BuilderOption {
	return func(o *BuilderOptions) {
		o.Status = s
	}
}

// WithMaxNodes caps the number of nodes a build may create.
func WithMaxNodes(n int) BuilderOption {
	return func(o *BuilderOptions) {
		o.MaxNodes = n
	}
}

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(fn ProgressFunc) BuilderOption {
	return func(o *BuilderOptions) {
		o.ProgressCallback = fn
	}
}

// Builder constructs dependency graphs from root entities.
//
// The builder is stateless and can be reused across builds. Each Build call
// creates a new graph; Extend grows a graph the caller owns.
//
// Thread Safety:
//
//	Builder is safe for concurrent use as long as its Analyzer is. Each
//	call operates on its own state.
type Builder struct {
	analyzer Analyzer
	options  BuilderOptions
}

// NewBuilder creates a new Builder backed by the given analyzer.
//
// Example:
//
//	builder := NewBuilder(analyzer,
//	    WithStatusProvider(gitStatus),
//	    WithMaxNodes(5000),
//	)
func NewBuilder(analyzer Analyzer, opts ...BuilderOption) *Builder {
	options := BuilderOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Status == nil {
		options.Status = noStatus{}
	}

	return &Builder{
		analyzer: analyzer,
		options:  options,
	}
}

// Analyzer returns the oracle the builder consults.
func (b *Builder) Analyzer() Analyzer {
	return b.analyzer
}

type resolved struct {
	info EntityInfo
	key  NodeKey
	ok   bool
}

type pendingRef struct {
	source NodeKey
	ref    Reference
}

// buildState holds mutable state during a single build operation.
type buildState struct {
	graph    *NodeGraph
	result   *BuildResult
	resolved map[Entity]resolved
	visited  map[NodeKey]bool
	forced   map[NodeKey]bool
	pending  []pendingRef
	created  []NodeKey
}

// Build constructs the full dependency graph reachable from roots.
//
// Description:
//
//	Performs a breadth-first closure seeded with roots. Each dequeued
//	entity whose key is new becomes a node; the entities it references are
//	enqueued. Entities referencing a node are recorded as edges when they
//	are themselves nodes, but never pulled in. Edges are materialized once
//	the node set is final.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked at every dequeue.
//	roots - Root entities. Duplicates are ignored.
//
// Outputs:
//
//	*BuildResult - The graph plus per-entity resolution failures.
//	error - ErrCancelled (also matching the context error) if ctx was
//	cancelled. No partial graph is returned in that case.
func (b *Builder) Build(ctx context.Context, roots []Entity) (*BuildResult, error) {
	return b.run(ctx, "Builder.Build", NewNodeGraph(), roots, nil, nil)
}

// Extend adds the closure of roots to an existing graph.
//
// Description:
//
//	Nodes already present in g are treated as fully expanded and are not
//	revisited unless listed in force, in which case they are re-described
//	(replacing the node value) and their references are queried again.
//	Callers that need all-or-nothing semantics pass a clone: on
//	cancellation g may hold partial additions.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	g - The graph to grow. Mutated in place.
//	roots - Entities to seed the closure with.
//	known - Entities already backing nodes of g. May be nil.
//	force - Keys of existing nodes to re-expand. May be nil.
//
// Outputs:
//
//	*BuildResult - Result whose Graph is g and whose Entities extends known.
//	error - ErrCancelled if ctx was cancelled.
func (b *Builder) Extend(ctx context.Context, g *NodeGraph, roots []Entity, known map[NodeKey]Entity, force map[NodeKey]bool) (*BuildResult, error) {
	return b.run(ctx, "Builder.Extend", g, roots, known, force)
}

func (b *Builder) run(ctx context.Context, op string, g *NodeGraph, roots []Entity, known map[NodeKey]Entity, force map[NodeKey]bool) (*BuildResult, error) {
	ctx, span := startBuildSpan(ctx, op, len(roots))
	defer span.End()

	start := time.Now()
	st := &buildState{
		graph: g,
		result: &BuildResult{
			Graph:            g,
			Entities:         make(map[NodeKey]Entity, len(known)),
			RootKeys:         make(map[Entity]NodeKey, len(roots)),
			ResolutionErrors: make([]ResolutionError, 0),
		},
		resolved: make(map[Entity]resolved),
		visited:  make(map[NodeKey]bool),
		forced:   force,
	}
	maps.Copy(st.result.Entities, known)

	err := b.closure(ctx, st, roots)
	if err == nil {
		err = b.materialize(ctx, st)
	}
	elapsed := time.Since(start)
	if err != nil {
		setBuildSpanResult(span, st.result.Stats.NodesCreated, st.result.Stats.EdgesCreated, true)
		recordBuildMetrics(ctx, op, elapsed, 0, 0, false)
		b.options.Logger.Debug("graph build aborted",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	st.result.Stats.DurationMicro = elapsed.Microseconds()
	setBuildSpanResult(span, st.result.Stats.NodesCreated, st.result.Stats.EdgesCreated, false)
	recordBuildMetrics(ctx, op, elapsed, st.result.Stats.NodesCreated, st.result.Stats.EdgesCreated, true)

	if len(st.result.ResolutionErrors) > 0 {
		b.options.Logger.Warn("graph built with unresolved entities",
			slog.String("op", op),
			slog.Int("unresolved", len(st.result.ResolutionErrors)),
		)
	}
	return st.result, nil
}

// closure runs the breadth-first walk over references-out.
func (b *Builder) closure(ctx context.Context, st *buildState, roots []Entity) error {
	queue := slices.Clone(roots)
	isRoot := make(map[Entity]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		e := queue[0]
		queue = queue[1:]
		st.result.Stats.EntitiesVisited++

		key, ok, err := b.describe(ctx, st, e, true)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		info := st.resolved[e].info
		if isRoot[e] {
			st.result.RootKeys[e] = key
		}
		if st.visited[key] {
			continue
		}
		st.visited[key] = true

		if st.graph.HasNode(key) && !st.forced[key] {
			st.result.Entities[key] = e
			continue
		}

		created, err := b.createNode(ctx, st, e, key, info)
		if err != nil {
			return err
		}
		if !created {
			continue
		}

		refs, err := b.analyzer.References(ctx, e)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(ctxErr)
			}
			b.recordFailure(st, e, err)
			continue
		}
		for _, ref := range refs {
			st.pending = append(st.pending, pendingRef{source: key, ref: ref})
			queue = append(queue, ref.Entity)
		}

		if b.options.ProgressCallback != nil {
			b.options.ProgressCallback(BuildProgress{
				NodesCreated: st.result.Stats.NodesCreated,
				Queued:       len(queue),
			})
		}
	}
	return nil
}

// createNode adds or replaces the node for e. Returns false when the node
// cap prevented creation.
func (b *Builder) createNode(ctx context.Context, st *buildState, e Entity, key NodeKey, info EntityInfo) (bool, error) {
	if !st.graph.HasNode(key) && b.options.MaxNodes > 0 && st.graph.NodeCount() >= b.options.MaxNodes {
		b.recordFailure(st, e, ErrMaxNodesExceeded)
		return false, nil
	}

	status, err := b.options.Status.Status(ctx, info.FilePath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, cancelled(ctxErr)
		}
		b.options.Logger.Debug("git status unavailable",
			slog.String("path", info.FilePath),
			slog.String("error", err.Error()),
		)
		status = GitStatusUnchanged
	}

	node := Node{
		Key:            key,
		DisplayString:  DisplayStringFor(info),
		SourceFilePath: info.FilePath,
		GitStatus:      status,
	}
	if err := st.graph.AddNode(node); err != nil {
		b.recordFailure(st, e, err)
		return false, nil
	}

	st.result.Entities[key] = e
	st.result.Stats.NodesCreated++
	st.created = append(st.created, key)
	return true, nil
}

// describe resolves an entity to its key, memoized per build. ok is false
// for anonymous and unresolvable entities. Failures are recorded only when
// record is set.
func (b *Builder) describe(ctx context.Context, st *buildState, e Entity, record bool) (NodeKey, bool, error) {
	if r, ok := st.resolved[e]; ok {
		return r.key, r.ok, nil
	}

	info, err := b.analyzer.Describe(ctx, e)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NodeKey{}, false, cancelled(ctxErr)
		}
		if record {
			b.recordFailure(st, e, err)
		}
		st.resolved[e] = resolved{}
		return NodeKey{}, false, nil
	}

	if info.Anonymous {
		st.result.Stats.AnonymousSkipped++
		st.resolved[e] = resolved{}
		return NodeKey{}, false, nil
	}

	key := info.Key()
	if err := key.Validate(); err != nil {
		if record {
			b.recordFailure(st, e, err)
		}
		st.resolved[e] = resolved{}
		return NodeKey{}, false, nil
	}

	st.resolved[e] = resolved{info: info, key: key, ok: true}
	return key, true, nil
}

func (b *Builder) recordFailure(st *buildState, e Entity, err error) {
	st.result.ResolutionErrors = append(st.result.ResolutionErrors, ResolutionError{
		EntityID: e.ID,
		Err:      err,
	})
}

// materialize turns pending references into edges once the node set is
// final, then records referenced-by edges for newly created nodes.
func (b *Builder) materialize(ctx context.Context, st *buildState) error {
	for _, p := range st.pending {
		key, ok, err := b.describe(ctx, st, p.ref.Entity, false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b.addEdge(st, p.source, key, p.ref)
	}

	for _, target := range st.created {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		refs, err := b.analyzer.ReferencedBy(ctx, st.result.Entities[target])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(ctxErr)
			}
			b.options.Logger.Debug("referenced-by lookup failed",
				slog.String("node", target.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, ref := range refs {
			source, ok, err := b.describe(ctx, st, ref.Entity, false)
			if err != nil {
				return err
			}
			// Self-references were recorded by the forward pass.
			if !ok || source == target {
				continue
			}
			b.addEdge(st, source, target, ref)
		}
	}
	return nil
}

// addEdge records source -> target unless either endpoint is missing or it
// is a construct reference of a type to itself.
func (b *Builder) addEdge(st *buildState, source, target NodeKey, ref Reference) {
	if source == target && ref.Kind == RefKindConstruct {
		st.result.Stats.ConstructSelfSkipped++
		return
	}
	if !st.graph.HasNode(source) || !st.graph.HasNode(target) {
		return
	}

	added, err := st.graph.AddEdge(Edge{Source: source, Target: target, Site: ref.Site})
	if err != nil {
		if !errors.Is(err, ErrNodeNotFound) {
			b.options.Logger.Warn("failed to add edge",
				slog.String("source", source.String()),
				slog.String("target", target.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if added {
		st.result.Stats.EdgesCreated++
		if source == target {
			st.result.Stats.SelfReferences++
		}
	}
}

func sortedKeys[M ~map[E]NodeKey, E comparable](m M) []NodeKey {
	seen := make(map[NodeKey]bool, len(m))
	out := make([]NodeKey, 0, len(m))
	for _, k := range m {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	slices.SortFunc(out, CompareKeys)
	return out
}

// String summarizes the result for logs.
func (s BuildStats) String() string {
	return fmt.Sprintf("visited=%d nodes=%d edges=%d self=%d", s.EntitiesVisited, s.NodesCreated, s.EdgesCreated, s.SelfReferences)
}
