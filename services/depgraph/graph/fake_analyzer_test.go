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
	"sync"
)

var errUnknownEntity = errors.New("unknown entity")

// fakeAnalyzer is an in-memory Analyzer. Types are declared with decl and
// references with ref; ReferencedBy is derived from the references.
type fakeAnalyzer struct {
	mu          sync.Mutex
	infos       map[Entity]EntityInfo
	refs        map[Entity][]Reference
	failRefs    map[Entity]error
	onReference func(e Entity)
	invalidated [][]string
	line        int
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		infos:    make(map[Entity]EntityInfo),
		refs:     make(map[Entity][]Reference),
		failRefs: make(map[Entity]error),
	}
}

func ent(id string) Entity { return Entity{ID: id} }

// decl declares a named type in file.
func (f *fakeAnalyzer) decl(id, file string) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[ent(id)] = EntityInfo{
		QualifiedName: "example.com/m." + id,
		FilePath:      file,
		Declaration:   fmt.Sprintf("type %s struct {\n}", id),
	}
	return f
}

// anon declares an anonymous type.
func (f *fakeAnalyzer) anon(id, file string) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[ent(id)] = EntityInfo{QualifiedName: id, FilePath: file, Anonymous: true}
	return f
}

// ref records that from references to, at a fresh site.
func (f *fakeAnalyzer) ref(from, to string) *fakeAnalyzer {
	return f.refKind(from, to, RefKindType)
}

// refAt records that from references to at a site in file, the way a
// method declared away from its receiver type does.
func (f *fakeAnalyzer) refAt(from, to, file string) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.line++
	f.refs[ent(from)] = append(f.refs[ent(from)], Reference{
		Entity: ent(to),
		Site:   Location{FilePath: file, Line: f.line, Column: 1},
		Kind:   RefKindType,
	})
	return f
}

func (f *fakeAnalyzer) refKind(from, to string, kind RefKind) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.line++
	file := f.infos[ent(from)].FilePath
	f.refs[ent(from)] = append(f.refs[ent(from)], Reference{
		Entity: ent(to),
		Site:   Location{FilePath: file, Line: f.line, Column: 1},
		Kind:   kind,
	})
	return f
}

// clearRefs drops every reference from an entity.
func (f *fakeAnalyzer) clearRefs(from string) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refs, ent(from))
	return f
}

// remove deletes a declaration and every reference to or from it.
func (f *fakeAnalyzer) remove(id string) *fakeAnalyzer {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.infos, ent(id))
	delete(f.refs, ent(id))
	for from, refs := range f.refs {
		kept := refs[:0]
		for _, r := range refs {
			if r.Entity != ent(id) {
				kept = append(kept, r)
			}
		}
		f.refs[from] = kept
	}
	return f
}

func (f *fakeAnalyzer) key(id string) NodeKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[ent(id)].Key()
}

func (f *fakeAnalyzer) Describe(ctx context.Context, e Entity) (EntityInfo, error) {
	if err := ctx.Err(); err != nil {
		return EntityInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[e]
	if !ok {
		return EntityInfo{}, fmt.Errorf("%w: %s", errUnknownEntity, e.ID)
	}
	return info, nil
}

func (f *fakeAnalyzer) References(ctx context.Context, e Entity) ([]Reference, error) {
	if f.onReference != nil {
		f.onReference(e)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRefs[e]; err != nil {
		return nil, err
	}
	return append([]Reference(nil), f.refs[e]...), nil
}

func (f *fakeAnalyzer) ReferencedBy(ctx context.Context, e Entity) ([]Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reference
	for from, refs := range f.refs {
		for _, r := range refs {
			if r.Entity == e {
				out = append(out, Reference{Entity: from, Site: r.Site, Kind: r.Kind})
			}
		}
	}
	return out, nil
}

// AffectedBy returns the entities declared in paths or referencing from a
// site in paths.
func (f *fakeAnalyzer) AffectedBy(ctx context.Context, paths []string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	in := make(map[string]bool, len(paths))
	for _, p := range paths {
		in[p] = true
	}
	var out []Entity
	for e, info := range f.infos {
		if in[info.FilePath] {
			out = append(out, e)
		}
	}
	for e, refs := range f.refs {
		for _, r := range refs {
			if in[r.Site.FilePath] {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeAnalyzer) Invalidate(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, paths)
	return nil
}

// fakeStatus reports fixed statuses per file.
type fakeStatus map[string]GitStatus

func (s fakeStatus) Status(_ context.Context, path string) (GitStatus, error) {
	if path == "broken.go" {
		return GitStatusUnchanged, errors.New("git unavailable")
	}
	return s[path], nil
}
