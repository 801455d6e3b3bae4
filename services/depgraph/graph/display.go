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
	"cmp"
	"context"
	"slices"
	"time"
)

// DisplayNode is a node of a display graph.
type DisplayNode struct {
	Key       NodeKey
	Label     string
	FilePath  string
	GitStatus GitStatus
	IsRoot    bool
}

// DisplayEdge is an edge of a display graph.
//
// DisplayEdge is sealed: its only implementations are SingleEdge and
// MultiEdge. Switch on the concrete type to render it.
type DisplayEdge interface {
	// Endpoints returns the ordered pair the edge connects.
	Endpoints() (source, target NodeKey)

	// Multiplicity returns the number of underlying edges.
	Multiplicity() int

	displayEdge()
}

// SingleEdge is exactly one reference from Source to Target.
type SingleEdge struct {
	Source NodeKey
	Target NodeKey
}

// Endpoints implements DisplayEdge.
func (e SingleEdge) Endpoints() (NodeKey, NodeKey) { return e.Source, e.Target }

// Multiplicity implements DisplayEdge.
func (SingleEdge) Multiplicity() int { return 1 }

func (SingleEdge) displayEdge() {}

// MultiEdge stands for Count >= 2 parallel references from Source to Target.
type MultiEdge struct {
	Source NodeKey
	Target NodeKey
	Count  int
}

// Endpoints implements DisplayEdge.
func (e MultiEdge) Endpoints() (NodeKey, NodeKey) { return e.Source, e.Target }

// Multiplicity implements DisplayEdge.
func (e MultiEdge) Multiplicity() int { return e.Count }

func (MultiEdge) displayEdge() {}

// DisplayGraph is the bounded neighborhood of a root set, ready for layout.
//
// A DisplayGraph shares no state with the graph it was extracted from.
type DisplayGraph struct {
	// Roots are the present, deduplicated roots in key order.
	Roots []NodeKey

	// MissingRoots are requested roots absent from the source graph.
	MissingRoots []NodeKey

	// Depth is the hop limit used for extraction.
	Depth int

	// Nodes are sorted by key.
	Nodes []DisplayNode

	// Edges are sorted by source then target.
	Edges []DisplayEdge
}

// NodeCount returns the number of nodes.
func (d *DisplayGraph) NodeCount() int {
	return len(d.Nodes)
}

// EdgeCount returns the number of underlying edges, counting each
// MultiEdge by its multiplicity.
func (d *DisplayGraph) EdgeCount() int {
	n := 0
	for _, e := range d.Edges {
		n += e.Multiplicity()
	}
	return n
}

// HasNode reports whether key is part of the display graph.
func (d *DisplayGraph) HasNode(key NodeKey) bool {
	_, found := slices.BinarySearchFunc(d.Nodes, key, func(n DisplayNode, k NodeKey) int {
		return CompareKeys(n.Key, k)
	})
	return found
}

type pair struct {
	source NodeKey
	target NodeKey
}

// ExtractDisplaySubgraph returns the depth-bounded neighborhood of roots.
//
// Description:
//
//	With depth 0 the result contains exactly the roots present in g. With
//	depth d > 0 it contains every node within d hops of some root,
//	following edges in both directions. Every edge of g whose endpoints
//	are both selected is included; parallel edges between the same ordered
//	pair collapse into one MultiEdge. Self-loops are kept.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked once per BFS level.
//	g - The source graph. Not modified.
//	roots - Root keys. Duplicates and keys absent from g are tolerated.
//	depth - Hop limit. Must be >= 0.
//
// Outputs:
//
//	*DisplayGraph - Freshly allocated, deterministic result.
//	error - ErrInvalidDepth for a negative depth, ErrCancelled on
//	cancellation.
//
// Thread Safety:
//
//	Safe for concurrent use on a Snapshot.
func ExtractDisplaySubgraph(ctx context.Context, g Reader, roots []NodeKey, depth int) (*DisplayGraph, error) {
	if depth < 0 {
		return nil, ErrInvalidDepth
	}

	ctx, span := startExtractSpan(ctx, len(roots), depth)
	defer span.End()
	start := time.Now()

	dg := &DisplayGraph{
		Roots:        make([]NodeKey, 0, len(roots)),
		MissingRoots: make([]NodeKey, 0),
		Depth:        depth,
	}

	selected := make(map[NodeKey]bool, len(roots))
	isRoot := make(map[NodeKey]bool, len(roots))
	frontier := make([]NodeKey, 0, len(roots))
	missing := make(map[NodeKey]bool)
	for _, r := range roots {
		if !g.HasNode(r) {
			if !missing[r] {
				missing[r] = true
				dg.MissingRoots = append(dg.MissingRoots, r)
			}
			continue
		}
		if isRoot[r] {
			continue
		}
		isRoot[r] = true
		selected[r] = true
		frontier = append(frontier, r)
		dg.Roots = append(dg.Roots, r)
	}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		var next []NodeKey
		for _, k := range frontier {
			for _, e := range g.Outgoing(k) {
				if !selected[e.Target] {
					selected[e.Target] = true
					next = append(next, e.Target)
				}
			}
			for _, e := range g.Incoming(k) {
				if !selected[e.Source] {
					selected[e.Source] = true
					next = append(next, e.Source)
				}
			}
		}
		frontier = next
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	keys := make([]NodeKey, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)

	counts := make(map[pair]int)
	dg.Nodes = make([]DisplayNode, 0, len(keys))
	for _, k := range keys {
		n, _ := g.GetNode(k)
		dg.Nodes = append(dg.Nodes, DisplayNode{
			Key:       k,
			Label:     n.DisplayString,
			FilePath:  n.SourceFilePath,
			GitStatus: n.GitStatus,
			IsRoot:    isRoot[k],
		})
		for _, e := range g.Outgoing(k) {
			if selected[e.Target] {
				counts[pair{source: e.Source, target: e.Target}]++
			}
		}
	}

	pairs := make([]pair, 0, len(counts))
	for p := range counts {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		return cmp.Or(CompareKeys(a.source, b.source), CompareKeys(a.target, b.target))
	})

	dg.Edges = make([]DisplayEdge, 0, len(pairs))
	for _, p := range pairs {
		if c := counts[p]; c > 1 {
			dg.Edges = append(dg.Edges, MultiEdge{Source: p.source, Target: p.target, Count: c})
		} else {
			dg.Edges = append(dg.Edges, SingleEdge{Source: p.source, Target: p.target})
		}
	}

	slices.SortFunc(dg.Roots, CompareKeys)
	span.SetAttributes(nodeCountAttr(len(dg.Nodes)), edgeCountAttr(len(dg.Edges)))
	recordExtractMetrics(ctx, time.Since(start), depth)
	return dg, nil
}
