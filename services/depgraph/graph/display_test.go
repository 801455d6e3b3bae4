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
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tk(name string) NodeKey {
	return TypeKey("m."+name, name+".go")
}

// graphOf builds a graph from "A->B" style edge specs. Repeating a spec
// adds a parallel edge with a new site.
func graphOf(t testing.TB, nodes []string, edges ...string) *NodeGraph {
	t.Helper()
	g := NewNodeGraph()
	for _, n := range nodes {
		require.NoError(t, g.AddNode(Node{Key: tk(n), DisplayString: n, SourceFilePath: n + ".go"}))
	}
	for i, spec := range edges {
		var from, to string
		_, err := fmt.Sscanf(spec, "%1s->%1s", &from, &to)
		require.NoError(t, err, spec)
		_, err = g.AddEdge(Edge{Source: tk(from), Target: tk(to), Site: Location{FilePath: from + ".go", Line: i + 1}})
		require.NoError(t, err)
	}
	return g
}

func displayKeys(d *DisplayGraph) []NodeKey {
	out := make([]NodeKey, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		out = append(out, n.Key)
	}
	return out
}

func TestExtractDisplaySubgraph_DepthZeroAdjacentRoots(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, "A->B", "B->C")

	d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A"), tk("B")}, 0)
	require.NoError(t, err)

	assert.Equal(t, []NodeKey{tk("A"), tk("B")}, displayKeys(d))
	require.Len(t, d.Edges, 1)
	assert.Equal(t, SingleEdge{Source: tk("A"), Target: tk("B")}, d.Edges[0])
	assert.True(t, d.Nodes[0].IsRoot)
	assert.True(t, d.Nodes[1].IsRoot)
}

func TestExtractDisplaySubgraph_MultiEdge(t *testing.T) {
	g := graphOf(t, []string{"A", "B"}, "A->B", "A->B", "A->B")
	require.Equal(t, 3, g.EdgeCount())

	d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A")}, 1)
	require.NoError(t, err)

	require.Len(t, d.Edges, 1)
	assert.Equal(t, MultiEdge{Source: tk("A"), Target: tk("B"), Count: 3}, d.Edges[0])
	assert.Equal(t, 3, d.EdgeCount())
}

func TestExtractDisplaySubgraph_Symmetric(t *testing.T) {
	g := graphOf(t, []string{"X", "A", "B", "C", "D"}, "X->A", "A->B", "B->C", "D->X")

	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{"A"}},
		{1, []string{"A", "B", "X"}},
		{2, []string{"A", "B", "C", "D", "X"}},
		{10, []string{"A", "B", "C", "D", "X"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("depth %d", tt.depth), func(t *testing.T) {
			d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A")}, tt.depth)
			require.NoError(t, err)

			want := make([]NodeKey, 0, len(tt.want))
			for _, n := range tt.want {
				want = append(want, tk(n))
			}
			assert.Equal(t, want, displayKeys(d))
		})
	}
}

func TestExtractDisplaySubgraph_EdgesBetweenSelectedOnly(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, "A->B", "B->C", "C->A")

	d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A")}, 0)
	require.NoError(t, err)
	assert.Empty(t, d.Edges)

	d, err = ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A")}, 1)
	require.NoError(t, err)
	assert.Len(t, d.Nodes, 3)
	assert.Len(t, d.Edges, 3, "B->C joins once both endpoints are selected")
}

func TestExtractDisplaySubgraph_SelfLoopAndIsolated(t *testing.T) {
	g := graphOf(t, []string{"A", "Lone"}, "A->A")

	d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A"), tk("Lone")}, 2)
	require.NoError(t, err)

	assert.Len(t, d.Nodes, 2)
	require.Len(t, d.Edges, 1)
	s, tgt := d.Edges[0].Endpoints()
	assert.Equal(t, s, tgt)
}

func TestExtractDisplaySubgraph_Errors(t *testing.T) {
	g := graphOf(t, []string{"A"})

	t.Run("negative depth", func(t *testing.T) {
		_, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("A")}, -1)
		assert.ErrorIs(t, err, ErrInvalidDepth)
	})

	t.Run("missing roots", func(t *testing.T) {
		d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("Z"), tk("A"), tk("Z")}, 1)
		require.NoError(t, err)
		assert.Equal(t, []NodeKey{tk("A")}, d.Roots)
		assert.Equal(t, []NodeKey{tk("Z")}, d.MissingRoots)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ExtractDisplaySubgraph(ctx, g, []NodeKey{tk("A")}, 1)
		assert.ErrorIs(t, err, ErrCancelled)
	})
}

func TestExtractDisplaySubgraph_Idempotent(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, "A->B", "A->B", "C->B")
	roots := []NodeKey{tk("B")}

	d1, err := ExtractDisplaySubgraph(context.Background(), g, roots, 1)
	require.NoError(t, err)
	d2, err := ExtractDisplaySubgraph(context.Background(), g.Snapshot(), roots, 1)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// Mutating the source afterwards does not leak into the result.
	g.RemoveNode(tk("C"))
	assert.Len(t, d1.Nodes, 3)
}

func TestExtractDisplaySubgraph_DepthMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	edgeGen := gen.SliceOf(gen.IntRange(0, len(names)*len(names)-1))

	properties.Property("deeper extraction is a superset", prop.ForAll(
		func(codes []int, root int, depth int) bool {
			g := NewNodeGraph()
			for _, n := range names {
				_ = g.AddNode(Node{Key: tk(n)})
			}
			for i, c := range codes {
				from, to := names[c/len(names)], names[c%len(names)]
				_, _ = g.AddEdge(Edge{Source: tk(from), Target: tk(to), Site: Location{Line: i}})
			}

			roots := []NodeKey{tk(names[root])}
			shallow, err := ExtractDisplaySubgraph(context.Background(), g, roots, depth)
			if err != nil {
				return false
			}
			deep, err := ExtractDisplaySubgraph(context.Background(), g, roots, depth+1)
			if err != nil {
				return false
			}
			for _, n := range shallow.Nodes {
				if !deep.HasNode(n.Key) {
					return false
				}
			}
			return deep.EdgeCount() >= shallow.EdgeCount()
		},
		edgeGen,
		gen.IntRange(0, len(names)-1),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestDisplayDegreeStatistics(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, "A->B", "A->B", "B->C")
	d, err := ExtractDisplaySubgraph(context.Background(), g, []NodeKey{tk("B")}, 1)
	require.NoError(t, err)

	res, err := DisplayDegreeStatistics(d)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 1, res.Min)
	assert.Equal(t, 3, res.Max)
}
