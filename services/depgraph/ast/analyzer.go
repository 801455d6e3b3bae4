// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// DefaultMaxFileSize is the largest source file the analyzer parses (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// localSep separates the owning type from a local type in entity IDs.
const localSep = "#"

// reverseKey is the singleflight key of the reverse index build. It
// cannot collide with a package directory.
const reverseKey = "\x00reverse"

// GoAnalyzerOption configures a GoAnalyzer.
type GoAnalyzerOption func(*GoAnalyzer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GoAnalyzerOption {
	return func(a *GoAnalyzer) {
		a.logger = logger
	}
}

// WithMaxFileSize sets the largest file the analyzer will parse.
func WithMaxFileSize(bytes int64) GoAnalyzerOption {
	return func(a *GoAnalyzer) {
		if bytes > 0 {
			a.maxFileSize = bytes
		}
	}
}

// WithParseWorkers bounds the number of files parsed concurrently.
func WithParseWorkers(n int) GoAnalyzerOption {
	return func(a *GoAnalyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

// pkgIndex holds the parsed declarations of one package directory.
type pkgIndex struct {
	importPath string
	dir        string
	types      map[string]*typeDecl
	order      []*typeDecl
	locals     map[string]localDecl

	// receivers maps a file to the receiver types of the methods it
	// declares, in source order.
	receivers map[string][]string

	// gen is the invalidation generation the parse started in.
	gen uint64
}

// reverseIndex maps an entity to the references pointing at it.
type reverseIndex struct {
	refs map[graph.Entity][]graph.Reference
	gen  uint64
}

// GoAnalyzer answers graph.Analyzer queries for one Go module.
//
// Description:
//
//	Entities are package-level type declarations, identified by
//	"importpath.Name". Packages are parsed on first use and cached until
//	invalidated. Types from the standard library and other modules are not
//	entities; references to them are dropped.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent loads of the same package are
//	deduplicated.
type GoAnalyzer struct {
	root        string
	modulePath  string
	logger      *slog.Logger
	maxFileSize int64
	workers     int

	mu      sync.RWMutex
	pkgs    map[string]*pkgIndex
	reverse *reverseIndex

	// gen is bumped by every invalidation. Parses that started in an older
	// generation are not cached.
	gen uint64

	loads singleflight.Group
}

var (
	_ graph.Analyzer         = (*GoAnalyzer)(nil)
	_ graph.Invalidator      = (*GoAnalyzer)(nil)
	_ graph.AffectedResolver = (*GoAnalyzer)(nil)
)

// NewGoAnalyzer creates an analyzer for the module rooted at root.
//
// Inputs:
//
//	root - Directory containing go.mod.
//	opts - Optional configuration.
//
// Outputs:
//
//	*GoAnalyzer - The analyzer. No packages are parsed yet.
//	error - ErrNoModule if root has no go.mod, or a go.mod parse error.
func NewGoAnalyzer(root string, opts ...GoAnalyzerOption) (*GoAnalyzer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	content, err := os.ReadFile(filepath.Join(abs, "go.mod"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoModule, abs)
		}
		return nil, fmt.Errorf("reading go.mod: %w", err)
	}
	mf, err := modfile.Parse("go.mod", content, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod: %w", err)
	}
	if mf.Module == nil || mf.Module.Mod.Path == "" {
		return nil, fmt.Errorf("%w: go.mod in %s has no module directive", ErrNoModule, abs)
	}

	a := &GoAnalyzer{
		root:        abs,
		modulePath:  mf.Module.Mod.Path,
		logger:      slog.Default(),
		maxFileSize: DefaultMaxFileSize,
		workers:     runtime.GOMAXPROCS(0),
		pkgs:        make(map[string]*pkgIndex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Root returns the absolute module root.
func (a *GoAnalyzer) Root() string {
	return a.root
}

// ModulePath returns the module path from go.mod.
func (a *GoAnalyzer) ModulePath() string {
	return a.modulePath
}

// Describe returns the identity and declaration of a type entity.
func (a *GoAnalyzer) Describe(ctx context.Context, e graph.Entity) (graph.EntityInfo, error) {
	importPath, name, local, err := splitID(e.ID)
	if err != nil {
		return graph.EntityInfo{}, err
	}
	pkg, err := a.load(ctx, importPath)
	if err != nil {
		return graph.EntityInfo{}, err
	}

	if local {
		ld, ok := pkg.locals[e.ID]
		if !ok {
			return graph.EntityInfo{}, fmt.Errorf("%w: %s", ErrUnknownEntity, e.ID)
		}
		return graph.EntityInfo{QualifiedName: e.ID, FilePath: ld.file, Declaration: ld.decl, Anonymous: true}, nil
	}

	td, ok := pkg.types[name]
	if !ok {
		return graph.EntityInfo{}, fmt.Errorf("%w: %s", ErrUnknownEntity, e.ID)
	}
	return graph.EntityInfo{QualifiedName: e.ID, FilePath: td.file, Declaration: td.decl}, nil
}

// References returns the entities a type references, in source order.
// Local types have no references of their own.
func (a *GoAnalyzer) References(ctx context.Context, e graph.Entity) ([]graph.Reference, error) {
	importPath, name, local, err := splitID(e.ID)
	if err != nil {
		return nil, err
	}
	if local {
		return nil, nil
	}
	pkg, err := a.load(ctx, importPath)
	if err != nil {
		return nil, err
	}
	td, ok := pkg.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, e.ID)
	}
	return a.resolve(ctx, td.refs)
}

// ReferencedBy returns every module type that references e.
//
// The first call parses the whole module to build a reverse index, which
// is kept until the next Invalidate.
func (a *GoAnalyzer) ReferencedBy(ctx context.Context, e graph.Entity) ([]graph.Reference, error) {
	for {
		a.mu.RLock()
		rev, gen := a.reverse, a.gen
		a.mu.RUnlock()
		if rev != nil {
			return slices.Clone(rev.refs[e]), nil
		}

		v, err, _ := a.loads.Do(reverseKey, func() (any, error) {
			return a.buildReverse(ctx)
		})
		if err != nil {
			return nil, err
		}
		rev = v.(*reverseIndex)
		if rev.gen >= gen {
			return slices.Clone(rev.refs[e]), nil
		}

		// Joined a build that started before an invalidation.
		a.loads.Forget(reverseKey)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Invalidate drops cached packages containing any of paths. Parses of
// those packages already in flight are not cached.
func (a *GoAnalyzer) Invalidate(_ context.Context, paths []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	for _, p := range paths {
		dir := filepath.Dir(a.abs(p))
		delete(a.pkgs, dir)
		a.loads.Forget(dir)
	}
	a.reverse = nil
	a.loads.Forget(reverseKey)

	a.logger.Debug("analyzer cache invalidated", slog.Int("files", len(paths)))
	return nil
}

// InvalidateAll drops every cached package. It is called when the
// checked-out revision changes.
func (a *GoAnalyzer) InvalidateAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	for dir := range a.pkgs {
		a.loads.Forget(dir)
	}
	clear(a.pkgs)
	a.reverse = nil
	a.loads.Forget(reverseKey)
	a.logger.Debug("analyzer cache cleared")
	return nil
}

// RootsForFiles returns the types declared in the given files, in file
// then declaration order. Non-Go files and files outside the module are
// ignored.
func (a *GoAnalyzer) RootsForFiles(ctx context.Context, paths []string) ([]graph.Entity, error) {
	var out []graph.Entity
	for _, p := range paths {
		abs := a.abs(p)
		if !isSourceFile(abs) {
			continue
		}
		importPath, ok := a.importPathFor(filepath.Dir(abs))
		if !ok {
			continue
		}
		pkg, err := a.load(ctx, importPath)
		if err != nil {
			return nil, err
		}
		for _, td := range pkg.order {
			if td.file == abs {
				out = append(out, graph.Entity{ID: importPath + "." + td.name})
			}
		}
	}
	return out, nil
}

// AffectedBy returns the types whose references are written in paths: the
// types declared in them, then the receiver types of the methods declared
// in them. A method's references count toward its receiver, which is
// usually declared in another file of the package.
//
// The answer reflects the cached package when there is one, so calling it
// before and after Invalidate covers both versions of an edited file.
func (a *GoAnalyzer) AffectedBy(ctx context.Context, paths []string) ([]graph.Entity, error) {
	seen := make(map[graph.Entity]bool)
	var out []graph.Entity
	add := func(e graph.Entity) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}

	for _, p := range paths {
		abs := a.abs(p)
		if !isSourceFile(abs) {
			continue
		}
		importPath, ok := a.importPathFor(filepath.Dir(abs))
		if !ok {
			continue
		}
		pkg, err := a.load(ctx, importPath)
		if err != nil {
			return nil, err
		}
		for _, td := range pkg.order {
			if td.file == abs {
				add(graph.Entity{ID: importPath + "." + td.name})
			}
		}
		for _, recv := range pkg.receivers[abs] {
			if _, ok := pkg.types[recv]; ok {
				add(graph.Entity{ID: importPath + "." + recv})
			}
		}
	}
	return out, nil
}

// Packages returns the import paths of every package in the module.
func (a *GoAnalyzer) Packages(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != a.root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if p != a.root {
			if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
				return filepath.SkipDir
			}
		}
		if hasSource(p) {
			ip, _ := a.importPathFor(p)
			out = append(out, ip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *GoAnalyzer) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(a.root, p)
}

func (a *GoAnalyzer) importPathFor(dir string) (string, bool) {
	rel, err := filepath.Rel(a.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return a.modulePath, true
	}
	return a.modulePath + "/" + filepath.ToSlash(rel), true
}

func (a *GoAnalyzer) dirFor(importPath string) (string, bool) {
	if importPath == a.modulePath {
		return a.root, true
	}
	rest, ok := strings.CutPrefix(importPath, a.modulePath+"/")
	if !ok {
		return "", false
	}
	return filepath.Join(a.root, filepath.FromSlash(rest)), true
}

// load returns the index for a package, parsing it on first use.
func (a *GoAnalyzer) load(ctx context.Context, importPath string) (*pkgIndex, error) {
	dir, ok := a.dirFor(importPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExternalPackage, importPath)
	}

	for {
		a.mu.RLock()
		pkg, ok := a.pkgs[dir]
		gen := a.gen
		a.mu.RUnlock()
		if ok {
			return pkg, nil
		}

		v, err, _ := a.loads.Do(dir, func() (any, error) {
			return a.parsePackage(ctx, importPath, dir)
		})
		if err != nil {
			return nil, err
		}
		pkg = v.(*pkgIndex)
		if pkg.gen >= gen {
			return pkg, nil
		}

		// Joined a parse that started before an invalidation.
		a.loads.Forget(dir)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// parsePackage parses every non-test Go file in dir concurrently.
func (a *GoAnalyzer) parsePackage(ctx context.Context, importPath, dir string) (*pkgIndex, error) {
	ctx, span := startLoadSpan(ctx, importPath)
	defer span.End()
	start := time.Now()

	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading package %s: %w", importPath, err)
	}

	var files []string
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if !entry.IsDir() && isSourceFile(p) {
			files = append(files, p)
		}
	}

	results := make([]*fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, f := range files {
		g.Go(func() error {
			res, err := parseFile(gctx, f, importPath, a.maxFileSize)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				a.logger.Warn("skipping unparsable file",
					slog.String("file", f),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		recordLoadMetrics(ctx, time.Since(start), len(files), false)
		return nil, err
	}

	pkg := &pkgIndex{
		importPath: importPath,
		dir:        dir,
		types:      make(map[string]*typeDecl),
		locals:     make(map[string]localDecl),
		receivers:  make(map[string][]string),
		gen:        gen,
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, td := range res.types {
			pkg.types[td.name] = td
			pkg.order = append(pkg.order, td)
		}
		for _, ld := range res.locals {
			pkg.locals[ld.id] = ld
		}
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, md := range res.methods {
			pkg.receivers[res.path] = append(pkg.receivers[res.path], md.receiver)
			if td, ok := pkg.types[md.receiver]; ok {
				td.refs = append(td.refs, md.refs...)
			}
		}
	}

	a.storePackage(pkg)

	setLoadSpanResult(span, len(files), len(pkg.order))
	recordLoadMetrics(ctx, time.Since(start), len(files), true)
	a.logger.Debug("package indexed",
		slog.String("package", importPath),
		slog.Int("files", len(files)),
		slog.Int("types", len(pkg.order)),
		slog.Duration("duration", time.Since(start)),
	)
	return pkg, nil
}

// resolve maps raw references to entities, dropping names that are not
// module types (builtins, type parameters, external packages).
func (a *GoAnalyzer) resolve(ctx context.Context, refs []rawRef) ([]graph.Reference, error) {
	out := make([]graph.Reference, 0, len(refs))
	for _, r := range refs {
		if r.local != "" {
			out = append(out, graph.Reference{Entity: graph.Entity{ID: r.local}, Site: r.site, Kind: r.kind})
			continue
		}
		pkg, err := a.load(ctx, r.pkg)
		if err != nil {
			if errors.Is(err, ErrExternalPackage) {
				continue
			}
			return nil, err
		}
		if _, ok := pkg.types[r.name]; !ok {
			continue
		}
		out = append(out, graph.Reference{
			Entity: graph.Entity{ID: r.pkg + "." + r.name},
			Site:   r.site,
			Kind:   r.kind,
		})
	}
	return out, nil
}

func (a *GoAnalyzer) buildReverse(ctx context.Context) (*reverseIndex, error) {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()

	pkgs, err := a.Packages(ctx)
	if err != nil {
		return nil, err
	}

	rev := make(map[graph.Entity][]graph.Reference)
	for _, ip := range pkgs {
		pkg, err := a.load(ctx, ip)
		if err != nil {
			return nil, err
		}
		for _, td := range pkg.order {
			refs, err := a.resolve(ctx, td.refs)
			if err != nil {
				return nil, err
			}
			source := graph.Entity{ID: ip + "." + td.name}
			for _, r := range refs {
				rev[r.Entity] = append(rev[r.Entity], graph.Reference{Entity: source, Site: r.Site, Kind: r.Kind})
			}
		}
	}

	idx := &reverseIndex{refs: rev, gen: gen}
	a.storeReverse(idx)
	return idx, nil
}

// storePackage caches pkg unless an invalidation happened since its parse
// started. It reports whether pkg was cached.
func (a *GoAnalyzer) storePackage(pkg *pkgIndex) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pkg.gen != a.gen {
		return false
	}
	a.pkgs[pkg.dir] = pkg
	return true
}

// storeReverse is storePackage for the reverse index.
func (a *GoAnalyzer) storeReverse(idx *reverseIndex) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx.gen != a.gen {
		return false
	}
	a.reverse = idx
	return true
}

// splitID splits "importpath.Name" or a local-type ID.
func splitID(id string) (importPath, name string, local bool, err error) {
	base := id
	if i := strings.Index(id, localSep); i >= 0 {
		base = id[:i]
		local = true
	}
	slash := strings.LastIndex(base, "/")
	dot := strings.LastIndex(base, ".")
	if dot <= slash || dot == len(base)-1 {
		return "", "", false, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return base[:dot], base[dot+1:], local, nil
}

func isSourceFile(p string) bool {
	return strings.HasSuffix(p, ".go") && !strings.HasSuffix(p, "_test.go")
}

func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

func hasSource(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && isSourceFile(e.Name()) {
			return true
		}
	}
	return false
}
