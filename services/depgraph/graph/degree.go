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
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/stats"
)

// NodeDegree is the in- and out-degree of one node.
type NodeDegree struct {
	Key NodeKey
	In  int
	Out int
}

// Total returns In + Out. A self-loop counts once in each direction.
func (d NodeDegree) Total() int {
	return d.In + d.Out
}

// Degrees returns the degree of every node of g in key order.
func Degrees(g Reader) []NodeDegree {
	keys := g.Keys()
	out := make([]NodeDegree, 0, len(keys))
	for _, k := range keys {
		out = append(out, NodeDegree{
			Key: k,
			In:  len(g.Incoming(k)),
			Out: len(g.Outgoing(k)),
		})
	}
	return out
}

// DegreeStatistics summarizes the total degree distribution of g.
//
// Returns stats.ErrEmptyInput for an empty graph.
func DegreeStatistics(g Reader) (*stats.Result[int], error) {
	return stats.Create(Degrees(g), NodeDegree.Total)
}

// DisplayDegreeStatistics summarizes the degree distribution of a display
// graph, counting a MultiEdge by its multiplicity.
func DisplayDegreeStatistics(d *DisplayGraph) (*stats.Result[int], error) {
	degree := make(map[NodeKey]int, len(d.Nodes))
	for _, e := range d.Edges {
		s, t := e.Endpoints()
		degree[s] += e.Multiplicity()
		degree[t] += e.Multiplicity()
	}
	values := make([]int, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		values = append(values, degree[n.Key])
	}
	return stats.FromValues(values)
}
