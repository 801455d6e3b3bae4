// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// world is a mutable in-memory analyzer. Entity "X" is declared in
// "X.go".
type world struct {
	mu    sync.Mutex
	decls map[string]bool
	refs  map[string][]string

	// block makes RootsForFiles wait for ctx when asked for this file.
	block   string
	blocked chan struct{}
}

func newWorld(ids ...string) *world {
	w := &world{decls: make(map[string]bool), refs: make(map[string][]string), blocked: make(chan struct{}, 1)}
	for _, id := range ids {
		w.decls[id] = true
	}
	return w
}

func (w *world) link(from, to string) *world {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[from] = append(w.refs[from], to)
	return w
}

func (w *world) Describe(ctx context.Context, e graph.Entity) (graph.EntityInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.decls[e.ID] {
		return graph.EntityInfo{}, fmt.Errorf("unknown entity %s", e.ID)
	}
	return graph.EntityInfo{QualifiedName: "shop." + e.ID, FilePath: e.ID + ".go", Declaration: "type " + e.ID + " struct"}, nil
}

func (w *world) References(ctx context.Context, e graph.Entity) ([]graph.Reference, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []graph.Reference
	for i, to := range w.refs[e.ID] {
		out = append(out, graph.Reference{Entity: graph.Entity{ID: to}, Site: graph.Location{FilePath: e.ID + ".go", Line: i + 1, Column: 1}})
	}
	return out, nil
}

func (w *world) ReferencedBy(ctx context.Context, e graph.Entity) ([]graph.Reference, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []graph.Reference
	for from, tos := range w.refs {
		for i, to := range tos {
			if to == e.ID {
				out = append(out, graph.Reference{Entity: graph.Entity{ID: from}, Site: graph.Location{FilePath: from + ".go", Line: i + 1, Column: 1}})
			}
		}
	}
	return out, nil
}

func (w *world) RootsForFiles(ctx context.Context, paths []string) ([]graph.Entity, error) {
	var out []graph.Entity
	for _, p := range paths {
		if p == w.block {
			w.blocked <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		id := strings.TrimSuffix(filepath.Base(p), ".go")
		w.mu.Lock()
		ok := w.decls[id]
		w.mu.Unlock()
		if ok {
			out = append(out, graph.Entity{ID: id})
		}
	}
	return out, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []ViewRecord
	err     error
}

func (r *recordingSink) Save(_ context.Context, rec ViewRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *recordingSink) all() []ViewRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

type countingStatus struct {
	mu sync.Mutex
	n  int
}

func (c *countingStatus) Invalidate() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingStatus) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// start runs a session over w until the test ends.
func start(t *testing.T, w *world, opts ...Option) *Session {
	t.Helper()
	rec := graph.NewReconciler(graph.NewBuilder(w))
	opts = append([]Option{WithRateLimit(rate.Inf, 1)}, opts...)
	s := New(rec, w, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-errc, context.Canceled)
	})
	return s
}

func chainWorld() *world {
	return newWorld("A", "B", "C", "D").link("A", "B").link("B", "C")
}

func TestSession_SetActiveFiles(t *testing.T) {
	s := start(t, chainWorld(), WithID("s1"))
	views, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go", "A.go"}))

	v, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "s1", v.SessionID)
	assert.Equal(t, uint64(1), v.Sequence)
	assert.Equal(t, ReasonRoots, v.Reason)
	assert.Equal(t, []string{"A.go"}, v.ActiveFiles)
	require.NotNil(t, v.Display)
	assert.Equal(t, 3, v.NodeCount)
	assert.Equal(t, 2, v.EdgeCount)
	assert.Equal(t, 3, v.GraphNodes)
	require.NotNil(t, v.Degree)
	assert.Equal(t, 2, v.Degree.Max)

	select {
	case got := <-views:
		assert.Same(t, v, got)
	case <-time.After(time.Second):
		t.Fatal("no view delivered to subscriber")
	}

	assert.Equal(t, []string{"A.go"}, s.Settings().ActiveFiles)
}

func TestSession_Threshold(t *testing.T) {
	s := start(t, chainWorld(), WithThreshold(2))
	ctx := context.Background()

	require.NoError(t, s.SetActiveFiles(ctx, []string{"A.go"}))
	v, _ := s.Latest()
	assert.True(t, v.OverThreshold)
	assert.True(t, v.Withheld())
	assert.False(t, v.Forced)
	assert.Equal(t, 3, v.NodeCount)
	assert.NotNil(t, v.Degree)
	assert.Nil(t, v.Record().Document)

	require.NoError(t, s.SetForce(ctx, true))
	v, _ = s.Latest()
	assert.Equal(t, ReasonForce, v.Reason)
	assert.True(t, v.Forced)
	require.NotNil(t, v.Display)
	assert.Equal(t, 3, v.Display.NodeCount())

	require.NoError(t, s.SetForce(ctx, false))
	require.NoError(t, s.SetDepth(ctx, 1))
	v, _ = s.Latest()
	assert.False(t, v.OverThreshold)
	assert.Equal(t, 2, v.NodeCount)
	assert.NotNil(t, v.Display)
}

func TestSession_SetDepth(t *testing.T) {
	s := start(t, chainWorld())
	ctx := context.Background()

	assert.ErrorIs(t, s.SetDepth(ctx, -1), graph.ErrInvalidDepth)

	require.NoError(t, s.SetActiveFiles(ctx, []string{"A.go", "B.go"}))
	require.NoError(t, s.SetDepth(ctx, 0))
	v, _ := s.Latest()
	assert.Equal(t, 0, v.Depth)
	assert.Equal(t, 2, v.NodeCount)
	assert.Equal(t, 1, v.EdgeCount)
	assert.Equal(t, 0, s.Settings().Depth)
}

func TestSession_SupersededRootSet(t *testing.T) {
	w := chainWorld()
	w.block = "slow.go"
	s := start(t, w)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- s.SetActiveFiles(ctx, []string{"slow.go"}) }()

	select {
	case <-w.blocked:
	case <-time.After(time.Second):
		t.Fatal("first root set never started")
	}

	require.NoError(t, s.SetActiveFiles(ctx, []string{"B.go"}))
	assert.ErrorIs(t, <-first, ErrSuperseded)

	v, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, []string{"B.go"}, v.ActiveFiles)
	assert.Equal(t, uint64(1), v.Sequence)
}

func TestSession_Rebuild(t *testing.T) {
	status := &countingStatus{}
	s := start(t, chainWorld(), WithStatusCache(status))
	ctx := context.Background()

	assert.ErrorIs(t, s.Rebuild(ctx), ErrNoRoots)

	require.NoError(t, s.SetActiveFiles(ctx, []string{"A.go"}))
	require.NoError(t, s.Rebuild(ctx))
	v, _ := s.Latest()
	assert.Equal(t, ReasonRebuild, v.Reason)
	assert.Equal(t, 3, v.GraphNodes)
	assert.Equal(t, 1, status.count())
}

func TestSession_RequestRebuild(t *testing.T) {
	s := start(t, chainWorld())
	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go"}))

	s.RequestRebuild()
	require.Eventually(t, func() bool {
		v, _ := s.Latest()
		return v.Reason == ReasonRebuild
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_FilesChanged(t *testing.T) {
	w := chainWorld()
	status := &countingStatus{}
	s := start(t, w, WithStatusCache(status))
	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go"}))

	w.link("C", "D")
	s.FilesChanged([]string{"C.go"})

	require.Eventually(t, func() bool {
		v, _ := s.Latest()
		return v.Reason == ReasonRefresh && v.GraphNodes == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, status.count(), 1)
	assert.Equal(t, 0, s.Settings().DirtyFiles)
}

func TestSession_ActiveFileChangeUpdatesRoots(t *testing.T) {
	w := newWorld("A", "B")
	s := start(t, w)
	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go", "B.go"}))

	w.mu.Lock()
	delete(w.decls, "B")
	w.mu.Unlock()
	s.OnFileChanges([]FileChange{{Path: "B.go", Op: FileOpRemove, Time: time.Now()}})

	require.Eventually(t, func() bool {
		v, _ := s.Latest()
		return v.Reason == ReasonRefresh && v.NodeCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_Sinks(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	s := start(t, chainWorld(), WithSink(sink), WithID("s2"))
	ctx := context.Background()

	require.NoError(t, s.SetActiveFiles(ctx, []string{"A.go"}))
	require.NoError(t, s.SetDepth(ctx, 1))

	recs := sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, uint64(2), recs[1].Sequence)
	assert.Equal(t, "s2", recs[1].SessionID)
	require.NotNil(t, recs[0].Document)
	assert.Equal(t, 3, recs[0].Document.NodeCount)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
}

func TestSession_Lifecycle(t *testing.T) {
	w := chainWorld()
	s := New(graph.NewReconciler(graph.NewBuilder(w)), w)
	assert.NotEmpty(t, s.ID())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	views, _ := s.Subscribe()
	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go"}))
	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.ErrorIs(t, s.SetDepth(context.Background(), 1), ErrClosed)

	for range views {
	}
	late, _ := s.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestSession_Unsubscribe(t *testing.T) {
	s := start(t, chainWorld())
	views, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()
	_, open := <-views
	assert.False(t, open)
	require.NoError(t, s.SetActiveFiles(context.Background(), []string{"A.go"}))
}

func TestDirtyTracker(t *testing.T) {
	d := NewDirtyTracker()
	d.Mark("b.go", SourceManual)
	d.MarkChanges([]FileChange{{Path: "a.go", Op: FileOpWrite}, {Path: "b.go", Op: FileOpRemove}})
	assert.Equal(t, 2, d.Count())

	entries := d.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a.go", entries[0].Path)
	assert.Equal(t, SourceWatcher, entries[1].Source)

	assert.Equal(t, []string{"a.go", "b.go"}, d.Drain())
	assert.Equal(t, 0, d.Count())
	assert.Empty(t, d.Drain())
}

func TestCoalesce(t *testing.T) {
	now := time.Now()
	got := coalesce([]FileChange{
		{Path: "b.go", Op: FileOpCreate, Time: now},
		{Path: "a.go", Op: FileOpWrite, Time: now},
		{Path: "b.go", Op: FileOpWrite, Time: now.Add(time.Millisecond)},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].Path)
	assert.Equal(t, FileOpWrite, got[1].Op)
	assert.Equal(t, []string{"a.go", "b.go"}, Paths(got))
}

func TestFileWatcher_Relevant(t *testing.T) {
	root := t.TempDir()
	w, err := NewFileWatcher(root, nil, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.relevant(filepath.Join(root, "pkg", "a.go")))
	assert.False(t, w.relevant(filepath.Join(root, "pkg", "a.txt")))
	assert.False(t, w.relevant(filepath.Join(root, "vendor", "x", "a.go")))
	assert.False(t, w.relevant(filepath.Join(root, "a.go.swp")))
}

func TestFileWatcher_Debounces(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))

	batches := make(chan []FileChange, 4)
	opts := DefaultWatcherOptions()
	opts.DebounceWindow = 50 * time.Millisecond
	w, err := NewFileWatcher(root, func(c []FileChange) { batches <- c }, &opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	file := filepath.Join(root, "pkg", "a.go")
	require.NoError(t, os.WriteFile(file, []byte("package pkg\n"), 0o644))
	require.NoError(t, os.WriteFile(file, []byte("package pkg\n\ntype A int\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	select {
	case got := <-batches:
		assert.Equal(t, []string{file}, Paths(got))
	case <-time.After(3 * time.Second):
		t.Fatal("no batch delivered")
	}
}

func TestSession_Normalize(t *testing.T) {
	s := New(nil, nil, WithRoot("/repo"))
	got := s.normalize([]string{"b.go", "/abs/a.go", "./b.go", "pkg/../c.go"})
	assert.Equal(t, []string{"/abs/a.go", "/repo/b.go", "/repo/c.go"}, got)

	assert.Equal(t, []string{"a.go"}, New(nil, nil).normalize([]string{"./a.go", "a.go"}))
}
