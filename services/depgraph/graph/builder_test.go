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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain() *fakeAnalyzer {
	return newFakeAnalyzer().
		decl("A", "a.go").
		decl("B", "b.go").
		decl("C", "c.go").
		ref("A", "B").
		ref("B", "C")
}

func TestBuilder_Build_Chain(t *testing.T) {
	an := chain()
	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Graph.NodeCount())
	assert.Equal(t, 2, res.Graph.EdgeCount())
	assert.Len(t, res.Graph.Outgoing(an.key("A")), 1)
	assert.Len(t, res.Graph.Incoming(an.key("C")), 1)
	assert.Equal(t, []NodeKey{an.key("A")}, res.RootKeyList())
	assert.Equal(t, ent("B"), res.Entities[an.key("B")])
	assert.False(t, res.HasErrors())
	assert.Equal(t, 3, res.Stats.NodesCreated)
	require.NoError(t, res.Graph.Validate())
}

func TestBuilder_Build_ReferencedByDoesNotEnqueue(t *testing.T) {
	an := chain()
	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("B")})
	require.NoError(t, err)

	assert.False(t, res.Graph.HasNode(an.key("A")), "referencers are not pulled in")
	assert.True(t, res.Graph.HasNode(an.key("C")))
	assert.Equal(t, 1, res.Graph.EdgeCount())
}

func TestBuilder_Build_NodeFields(t *testing.T) {
	an := chain()
	b := NewBuilder(an, WithStatusProvider(fakeStatus{"a.go": GitStatusModified, "c.go": GitStatusNew}))
	res, err := b.Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	a, ok := res.Graph.GetNode(an.key("A"))
	require.True(t, ok)
	assert.Equal(t, "type A struct", a.DisplayString)
	assert.Equal(t, "a.go", a.SourceFilePath)
	assert.Equal(t, GitStatusModified, a.GitStatus)

	c, _ := res.Graph.GetNode(an.key("C"))
	assert.Equal(t, GitStatusNew, c.GitStatus)
}

func TestBuilder_Build_StatusErrorDefaultsToUnchanged(t *testing.T) {
	an := newFakeAnalyzer().decl("A", "broken.go")
	res, err := NewBuilder(an, WithStatusProvider(fakeStatus{})).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	n, ok := res.Graph.GetNode(an.key("A"))
	require.True(t, ok)
	assert.Equal(t, GitStatusUnchanged, n.GitStatus)
	assert.False(t, res.HasErrors())
}

func TestBuilder_Build_SelfReferences(t *testing.T) {
	tests := []struct {
		name      string
		kind      RefKind
		wantEdges int
	}{
		{"type use", RefKindType, 1},
		{"method call", RefKindCall, 1},
		{"construction", RefKindConstruct, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an := newFakeAnalyzer().decl("Node", "n.go").refKind("Node", "Node", tt.kind)
			res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("Node")})
			require.NoError(t, err)

			assert.Equal(t, 1, res.Graph.NodeCount())
			assert.Equal(t, tt.wantEdges, res.Graph.EdgeCount())
			if tt.wantEdges == 1 {
				assert.True(t, res.Graph.Edges()[0].IsSelfReference())
				assert.Equal(t, 1, res.Stats.SelfReferences)
			} else {
				assert.Equal(t, 1, res.Stats.ConstructSelfSkipped)
			}
		})
	}
}

func TestBuilder_Build_ParallelEdges(t *testing.T) {
	an := newFakeAnalyzer().decl("A", "a.go").decl("B", "b.go").
		ref("A", "B").ref("A", "B")
	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Graph.EdgeCount())
	edges := res.Graph.Edges()
	assert.NotEqual(t, edges[0].Site, edges[1].Site)
}

func TestBuilder_Build_AnonymousSkipped(t *testing.T) {
	an := newFakeAnalyzer().
		decl("A", "a.go").
		anon("local", "a.go").
		decl("B", "b.go").
		ref("A", "local").
		ref("local", "B")
	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Graph.NodeCount())
	assert.Equal(t, 0, res.Graph.EdgeCount())
	assert.Equal(t, 1, res.Stats.AnonymousSkipped)
	assert.False(t, res.HasErrors())
}

func TestBuilder_Build_ResolutionErrors(t *testing.T) {
	an := chain().ref("A", "Ghost")
	refErr := errors.New("parse failed")
	an.failRefs[ent("B")] = refErr

	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Graph.NodeCount(), "A and B resolve, C is behind the failing branch")
	assert.Equal(t, 1, res.Graph.EdgeCount())
	require.Len(t, res.ResolutionErrors, 2)

	byID := make(map[string]ResolutionError)
	for _, re := range res.ResolutionErrors {
		byID[re.EntityID] = re
	}
	assert.ErrorIs(t, byID["Ghost"], errUnknownEntity)
	assert.ErrorIs(t, byID["Ghost"], ErrResolution)
	assert.ErrorIs(t, byID["B"], refErr)
}

func TestBuilder_Build_DuplicateRoots(t *testing.T) {
	an := chain()
	res, err := NewBuilder(an).Build(context.Background(), []Entity{ent("A"), ent("A"), ent("B")})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Graph.NodeCount())
	assert.Len(t, res.RootKeys, 2)
}

func TestBuilder_Build_OrderIndependent(t *testing.T) {
	an := chain().decl("D", "d.go").ref("D", "A").ref("D", "C")
	b := NewBuilder(an)

	r1, err := b.Build(context.Background(), []Entity{ent("A"), ent("D")})
	require.NoError(t, err)
	r2, err := b.Build(context.Background(), []Entity{ent("D"), ent("A")})
	require.NoError(t, err)

	assert.True(t, Equal(r1.Graph, r2.Graph))
}

func TestBuilder_Build_MaxNodes(t *testing.T) {
	an := chain()
	res, err := NewBuilder(an, WithMaxNodes(2)).Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Graph.NodeCount())
	require.Len(t, res.ResolutionErrors, 1)
	assert.ErrorIs(t, res.ResolutionErrors[0], ErrMaxNodesExceeded)
}

func TestBuilder_Build_Progress(t *testing.T) {
	var calls []BuildProgress
	b := NewBuilder(chain(), WithProgressCallback(func(p BuildProgress) {
		calls = append(calls, p)
	}))
	_, err := b.Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	require.Len(t, calls, 3)
	assert.Equal(t, 3, calls[2].NodesCreated)
}

func TestBuilder_Build_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := NewBuilder(chain()).Build(ctx, []Entity{ent("A")})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("mid build", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		an := chain()
		an.onReference = func(e Entity) {
			if e == ent("B") {
				cancel()
			}
		}
		res, err := NewBuilder(an).Build(ctx, []Entity{ent("A")})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.NotErrorIs(t, err, ErrResolution)
	})
}

func TestBuilder_Extend_ReverseEdges(t *testing.T) {
	an := newFakeAnalyzer().decl("X", "x.go").decl("Y", "y.go")
	b := NewBuilder(an)

	first, err := b.Build(context.Background(), []Entity{ent("X")})
	require.NoError(t, err)
	require.Equal(t, 0, first.Graph.EdgeCount())

	// X gains a reference to Y without being re-expanded.
	an.ref("X", "Y")
	g := first.Graph.Clone()
	res, err := b.Extend(context.Background(), g, []Entity{ent("Y")}, first.Entities, nil)
	require.NoError(t, err)

	assert.Same(t, g, res.Graph)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount(), "referenced-by adds X -> Y because X is a node")
	assert.Equal(t, ent("X"), res.Entities[an.key("X")])
	assert.Equal(t, 0, first.Graph.EdgeCount(), "the original graph is untouched")
}

func TestBuilder_Extend_ForcedReexpansion(t *testing.T) {
	an := chain()
	b := NewBuilder(an)
	first, err := b.Build(context.Background(), []Entity{ent("A")})
	require.NoError(t, err)

	an.decl("D", "d.go").clearRefs("B").ref("B", "D")
	g := first.Graph.Clone()
	g.RemoveOutgoing(an.key("B"))

	res, err := b.Extend(context.Background(), g, []Entity{ent("B")}, first.Entities, map[NodeKey]bool{an.key("B"): true})
	require.NoError(t, err)

	assert.True(t, g.HasNode(an.key("D")))
	out := g.Outgoing(an.key("B"))
	require.Len(t, out, 1)
	assert.Equal(t, an.key("D"), out[0].Target)
	assert.Equal(t, 2, res.Stats.NodesCreated, "B is replaced and D is new")
}
