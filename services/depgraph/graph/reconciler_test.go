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
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scratch(t testing.TB, an Analyzer, roots ...string) *NodeGraph {
	t.Helper()
	entities := make([]Entity, 0, len(roots))
	for _, r := range roots {
		entities = append(entities, ent(r))
	}
	res, err := NewBuilder(an).Build(context.Background(), entities)
	require.NoError(t, err)
	return res.Graph
}

func entities(ids ...string) []Entity {
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, ent(id))
	}
	return out
}

func TestReconciler_SetRoots(t *testing.T) {
	an := chain().decl("D", "d.go").ref("D", "C")
	r := NewReconciler(NewBuilder(an))
	ctx := context.Background()

	res, err := r.SetRoots(ctx, entities("A"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodesAdded)
	assert.Equal(t, 2, res.EdgesAdded)
	assert.Equal(t, entities("A"), res.Roots.Added)
	assert.True(t, Equal(scratch(t, an, "A"), r.Snapshot()))
	assert.Equal(t, []NodeKey{an.key("A")}, r.RootKeys())

	res, err = r.SetRoots(ctx, entities("D"))
	require.NoError(t, err)
	assert.Equal(t, entities("D"), res.Roots.Added)
	assert.Equal(t, entities("A"), res.Roots.Removed)
	assert.Equal(t, 1, res.NodesAdded)
	assert.Equal(t, 2, res.NodesRemoved)
	assert.True(t, Equal(scratch(t, an, "D"), r.Snapshot()))

	res, err = r.SetRoots(ctx, entities("D", "B"))
	require.NoError(t, err)
	assert.True(t, Equal(scratch(t, an, "D", "B"), r.Snapshot()))
	assert.Equal(t, entities("D", "B"), r.Roots())
}

func TestReconciler_SetRoots_Unchanged(t *testing.T) {
	r := NewReconciler(NewBuilder(chain()))
	_, err := r.SetRoots(context.Background(), entities("A", "B"))
	require.NoError(t, err)

	res, err := r.SetRoots(context.Background(), entities("B", "A", "B"))
	require.NoError(t, err)
	assert.False(t, res.Roots.IsDifferent)
	assert.False(t, res.Changed())
}

func TestReconciler_SnapshotIsStable(t *testing.T) {
	an := chain()
	r := NewReconciler(NewBuilder(an))
	_, err := r.SetRoots(context.Background(), entities("A"))
	require.NoError(t, err)

	before := r.Snapshot()
	_, err = r.SetRoots(context.Background(), entities("C"))
	require.NoError(t, err)

	assert.Equal(t, 3, before.NodeCount())
	assert.Equal(t, 1, r.Snapshot().NodeCount())
}

func TestReconciler_CancelledLeavesState(t *testing.T) {
	an := chain()
	r := NewReconciler(NewBuilder(an))
	_, err := r.SetRoots(context.Background(), entities("A"))
	require.NoError(t, err)
	before := r.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	an.onReference = func(Entity) { cancel() }
	an.decl("E", "e.go").ref("E", "A")

	res, err := r.SetRoots(ctx, entities("E"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, Equal(before, r.Snapshot()))
	assert.Equal(t, entities("A"), r.Roots())

	_, err = r.Refresh(ctx, []string{"a.go"})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, Equal(before, r.Snapshot()))
}

func TestReconciler_ConcurrentMutation(t *testing.T) {
	an := chain()
	r := NewReconciler(NewBuilder(an))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	an.onReference = func(Entity) {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.SetRoots(context.Background(), entities("A"))
		done <- err
	}()

	<-started
	_, err := r.SetRoots(context.Background(), entities("B"))
	assert.ErrorIs(t, err, ErrConcurrentMutation)
	_, err = r.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentMutation)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 3, r.Snapshot().NodeCount())
}

func TestReconciler_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("changed references", func(t *testing.T) {
		an := chain()
		r := NewReconciler(NewBuilder(an))
		_, err := r.SetRoots(ctx, entities("A"))
		require.NoError(t, err)

		an.decl("D", "d.go").clearRefs("B").ref("B", "D")
		res, err := r.Refresh(ctx, []string{"b.go"})
		require.NoError(t, err)

		assert.True(t, Equal(scratch(t, an, "A"), r.Snapshot()))
		assert.False(t, r.Snapshot().HasNode(an.key("C")))
		assert.Equal(t, [][]string{{"b.go"}}, an.invalidated)
		assert.True(t, res.Changed())
	})

	t.Run("deleted declaration", func(t *testing.T) {
		an := chain()
		r := NewReconciler(NewBuilder(an))
		_, err := r.SetRoots(ctx, entities("A"))
		require.NoError(t, err)

		an.remove("B")
		res, err := r.Refresh(ctx, []string{"b.go"})
		require.NoError(t, err)

		assert.True(t, Equal(scratch(t, an, "A"), r.Snapshot()))
		assert.Equal(t, 1, r.Snapshot().NodeCount())
		assert.Empty(t, res.ResolutionErrors)
	})

	t.Run("root file changed", func(t *testing.T) {
		an := chain()
		r := NewReconciler(NewBuilder(an))
		_, err := r.SetRoots(ctx, entities("A"))
		require.NoError(t, err)

		an.clearRefs("A").ref("A", "C")
		_, err = r.Refresh(ctx, []string{"a.go"})
		require.NoError(t, err)

		assert.True(t, Equal(scratch(t, an, "A"), r.Snapshot()))
		assert.False(t, r.Snapshot().HasNode(an.key("B")))
	})

	t.Run("references written in another file", func(t *testing.T) {
		an := newFakeAnalyzer().
			decl("X", "a.go").
			decl("W", "a.go").
			decl("Z", "a.go").
			refAt("X", "W", "b.go")
		r := NewReconciler(NewBuilder(an))
		_, err := r.SetRoots(ctx, entities("X"))
		require.NoError(t, err)
		require.True(t, r.Snapshot().HasNode(an.key("W")))

		an.clearRefs("X").refAt("X", "Z", "b.go")
		res, err := r.Refresh(ctx, []string{"b.go"})
		require.NoError(t, err)

		assert.True(t, Equal(scratch(t, an, "X"), r.Snapshot()))
		assert.False(t, r.Snapshot().HasNode(an.key("W")))
		assert.True(t, r.Snapshot().HasNode(an.key("Z")))
		assert.Equal(t, 1, res.NodesAdded)
		assert.Equal(t, 1, res.NodesRemoved)
	})

	t.Run("unrelated file", func(t *testing.T) {
		an := chain()
		r := NewReconciler(NewBuilder(an))
		_, err := r.SetRoots(ctx, entities("A"))
		require.NoError(t, err)

		res, err := r.Refresh(ctx, []string{"zzz.go"})
		require.NoError(t, err)
		assert.False(t, res.Changed())
	})
}

func TestReconciler_Rebuild(t *testing.T) {
	an := chain()
	r := NewReconciler(NewBuilder(an))
	_, err := r.SetRoots(context.Background(), entities("A"))
	require.NoError(t, err)

	an.clearRefs("B")
	res, err := r.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.NodesRemoved)
	assert.Equal(t, 1, res.EdgesRemoved)
	assert.True(t, Equal(scratch(t, an, "A"), r.Snapshot()))
}

func TestReconciler_IncrementalMatchesScratch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	const n = 7
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("T%d", i)
	}
	refsGen := gen.SliceOf(gen.IntRange(0, n*n-1))
	rootsGen := gen.SliceOf(gen.IntRange(0, n-1))

	properties.Property("set roots equals a fresh build", prop.ForAll(
		func(refs []int, oldRoots, newRoots []int) bool {
			an := newFakeAnalyzer()
			for _, id := range ids {
				an.decl(id, id+".go")
			}
			for _, c := range refs {
				an.ref(ids[c/n], ids[c%n])
			}
			pick := func(idx []int) []Entity {
				out := make([]Entity, 0, len(idx))
				for _, i := range idx {
					out = append(out, ent(ids[i]))
				}
				return out
			}

			r := NewReconciler(NewBuilder(an))
			if _, err := r.SetRoots(context.Background(), pick(oldRoots)); err != nil {
				return false
			}
			if _, err := r.SetRoots(context.Background(), pick(newRoots)); err != nil {
				return false
			}
			want, err := NewBuilder(an).Build(context.Background(), pick(newRoots))
			if err != nil {
				return false
			}
			return Equal(want.Graph, r.Snapshot()) && r.Snapshot().g.Validate() == nil
		},
		refsGen, rootsGen, rootsGen,
	))

	properties.TestingRun(t)
}
