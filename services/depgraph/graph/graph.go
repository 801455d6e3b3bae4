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
	"fmt"
	"maps"
	"slices"
	"time"
)

// Reader is the read-only view of a graph consumed by extraction and
// statistics. Both *NodeGraph and *Snapshot implement it.
type Reader interface {
	NodeCount() int
	EdgeCount() int
	HasNode(key NodeKey) bool
	GetNode(key NodeKey) (Node, bool)
	Keys() []NodeKey
	Nodes() []Node
	Edges() []Edge
	Outgoing(key NodeKey) []Edge
	Incoming(key NodeKey) []Edge
}

type edgeSet map[Edge]struct{}

// NodeGraph is the complete set of nodes and directed edges.
//
// Invariant: every edge's endpoints exist as nodes in the same graph.
// RemoveNode drops incident edges to keep it that way.
//
// Thread Safety:
//
//	NodeGraph is NOT safe for concurrent use. Use Snapshot() to hand a
//	read-only copy to other goroutines.
type NodeGraph struct {
	nodes map[NodeKey]Node
	edges edgeSet
	out   map[NodeKey]edgeSet
	in    map[NodeKey]edgeSet
}

// NewNodeGraph creates an empty graph.
func NewNodeGraph() *NodeGraph {
	return &NodeGraph{
		nodes: make(map[NodeKey]Node),
		edges: make(edgeSet),
		out:   make(map[NodeKey]edgeSet),
		in:    make(map[NodeKey]edgeSet),
	}
}

// AddNode inserts a node or replaces the value stored for its key.
func (g *NodeGraph) AddNode(n Node) error {
	if err := n.Key.Validate(); err != nil {
		return err
	}
	g.nodes[n.Key] = n
	return nil
}

// RemoveNode removes a node and every edge incident to it.
// Returns the number of edges removed and false if the node did not exist.
func (g *NodeGraph) RemoveNode(key NodeKey) (int, bool) {
	if _, ok := g.nodes[key]; !ok {
		return 0, false
	}

	removed := 0
	for e := range g.out[key] {
		if g.RemoveEdge(e) {
			removed++
		}
	}
	for e := range g.in[key] {
		if g.RemoveEdge(e) {
			removed++
		}
	}

	delete(g.nodes, key)
	delete(g.out, key)
	delete(g.in, key)
	return removed, true
}

// AddEdge inserts an edge. Both endpoints must already be nodes.
// Returns true if the edge was not present before.
func (g *NodeGraph) AddEdge(e Edge) (bool, error) {
	if _, ok := g.nodes[e.Source]; !ok {
		return false, fmt.Errorf("%w: source %s", ErrNodeNotFound, e.Source)
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return false, fmt.Errorf("%w: target %s", ErrNodeNotFound, e.Target)
	}
	if _, ok := g.edges[e]; ok {
		return false, nil
	}

	g.edges[e] = struct{}{}
	g.index(g.out, e.Source, e)
	g.index(g.in, e.Target, e)
	return true, nil
}

func (g *NodeGraph) index(idx map[NodeKey]edgeSet, key NodeKey, e Edge) {
	set, ok := idx[key]
	if !ok {
		set = make(edgeSet)
		idx[key] = set
	}
	set[e] = struct{}{}
}

// RemoveEdge removes an edge. Returns false if it was not present.
func (g *NodeGraph) RemoveEdge(e Edge) bool {
	if _, ok := g.edges[e]; !ok {
		return false
	}
	delete(g.edges, e)
	delete(g.out[e.Source], e)
	delete(g.in[e.Target], e)
	return true
}

// RemoveOutgoing removes every edge whose source is key.
// Returns the number of edges removed.
func (g *NodeGraph) RemoveOutgoing(key NodeKey) int {
	removed := 0
	for e := range g.out[key] {
		if g.RemoveEdge(e) {
			removed++
		}
	}
	return removed
}

// NodeCount returns the number of nodes.
func (g *NodeGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *NodeGraph) EdgeCount() int {
	return len(g.edges)
}

// HasNode reports whether key is a node of the graph.
func (g *NodeGraph) HasNode(key NodeKey) bool {
	_, ok := g.nodes[key]
	return ok
}

// GetNode returns the node stored for key.
func (g *NodeGraph) GetNode(key NodeKey) (Node, bool) {
	n, ok := g.nodes[key]
	return n, ok
}

// Keys returns all node keys in CompareKeys order.
func (g *NodeGraph) Keys() []NodeKey {
	keys := slices.Collect(maps.Keys(g.nodes))
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// Nodes returns all nodes ordered by key.
func (g *NodeGraph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, k := range g.Keys() {
		out = append(out, g.nodes[k])
	}
	return out
}

// Edges returns all edges in CompareEdges order.
func (g *NodeGraph) Edges() []Edge {
	return sortedEdges(g.edges)
}

// Outgoing returns the edges whose source is key.
func (g *NodeGraph) Outgoing(key NodeKey) []Edge {
	return sortedEdges(g.out[key])
}

// Incoming returns the edges whose target is key.
func (g *NodeGraph) Incoming(key NodeKey) []Edge {
	return sortedEdges(g.in[key])
}

func sortedEdges(set edgeSet) []Edge {
	out := slices.Collect(maps.Keys(set))
	slices.SortFunc(out, CompareEdges)
	return out
}

// Clone returns a deep copy of the graph.
func (g *NodeGraph) Clone() *NodeGraph {
	c := &NodeGraph{
		nodes: maps.Clone(g.nodes),
		edges: maps.Clone(g.edges),
		out:   make(map[NodeKey]edgeSet, len(g.out)),
		in:    make(map[NodeKey]edgeSet, len(g.in)),
	}
	for k, set := range g.out {
		c.out[k] = maps.Clone(set)
	}
	for k, set := range g.in {
		c.in[k] = maps.Clone(set)
	}
	return c
}

// Snapshot returns an immutable copy of the graph.
func (g *NodeGraph) Snapshot() *Snapshot {
	return &Snapshot{g: g.Clone(), takenAt: time.Now()}
}

// Snapshot is an immutable, read-only copy of a NodeGraph.
//
// Thread Safety:
//
//	Safe for concurrent use by multiple goroutines.
type Snapshot struct {
	g       *NodeGraph
	takenAt time.Time
}

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

func (s *Snapshot) NodeCount() int                   { return s.g.NodeCount() }
func (s *Snapshot) EdgeCount() int                   { return s.g.EdgeCount() }
func (s *Snapshot) HasNode(key NodeKey) bool         { return s.g.HasNode(key) }
func (s *Snapshot) GetNode(key NodeKey) (Node, bool) { return s.g.GetNode(key) }
func (s *Snapshot) Keys() []NodeKey                  { return s.g.Keys() }
func (s *Snapshot) Nodes() []Node                    { return s.g.Nodes() }
func (s *Snapshot) Edges() []Edge                    { return s.g.Edges() }
func (s *Snapshot) Outgoing(key NodeKey) []Edge      { return s.g.Outgoing(key) }
func (s *Snapshot) Incoming(key NodeKey) []Edge      { return s.g.Incoming(key) }

// Equal reports whether two graphs have identical node and edge sets.
func Equal(a, b Reader) bool {
	if a.NodeCount() != b.NodeCount() || a.EdgeCount() != b.EdgeCount() {
		return false
	}
	for _, n := range a.Nodes() {
		other, ok := b.GetNode(n.Key)
		if !ok || other != n {
			return false
		}
	}
	return slices.Equal(a.Edges(), b.Edges())
}

// Validate checks the endpoint invariant.
func (g *NodeGraph) Validate() error {
	for e := range g.edges {
		if !g.HasNode(e.Source) || !g.HasNode(e.Target) {
			return fmt.Errorf("%w: dangling edge %s -> %s", ErrNodeNotFound, e.Source, e.Target)
		}
	}
	return nil
}
