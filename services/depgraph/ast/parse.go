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
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// rawRef is a reference as written in source, resolved lazily against
// package indexes.
type rawRef struct {
	// pkg is the import path of the package expected to declare name.
	pkg  string
	name string

	// local is set for references to function-local types.
	local string

	site graph.Location
	kind graph.RefKind
}

// typeDecl is a package-level type declaration.
type typeDecl struct {
	name string
	file string
	decl string
	refs []rawRef
}

// localDecl is a type declared inside a method body.
type localDecl struct {
	id   string
	file string
	decl string
}

// methodDecl holds the references of one method, attributed to its receiver.
type methodDecl struct {
	receiver string
	refs     []rawRef
}

// fileResult is everything extracted from one file.
type fileResult struct {
	path    string
	pkgName string
	types   []*typeDecl
	methods []methodDecl
	locals  []localDecl
}

var majorVersion = regexp.MustCompile(`^v[0-9]+$`)

// importName returns the package name an import path is referred to by
// when it has no alias.
func importName(importPath string) string {
	base := path.Base(importPath)
	if majorVersion.MatchString(base) {
		if parent := path.Dir(importPath); parent != "." {
			base = path.Base(parent)
		}
	}
	if i := strings.Index(base, ".v"); i > 0 {
		base = base[:i]
	}
	return base
}

// fileParser extracts declarations and references from one parsed file.
type fileParser struct {
	content    []byte
	path       string
	importPath string
	imports    map[string]string
}

// parseFile parses a Go source file.
//
// Description:
//
//	Extracts package-level type declarations, the references written in
//	them, and the references written in method signatures and bodies.
//	Free functions are not attributed to any type.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before and after parsing.
//	filePath - Absolute path of the file.
//	importPath - Import path of the file's package.
//	maxSize - Files larger than this are rejected with ErrFileTooLarge.
//
// Outputs:
//
//	*fileResult - Extracted declarations. Never nil on success.
//	error - Read, size, parse or context errors.
func parseFile(ctx context.Context, filePath, importPath string, maxSize int64) (*fileResult, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	return parseSource(ctx, content, filePath, importPath, maxSize)
}

func parseSource(ctx context.Context, content []byte, filePath, importPath string, maxSize int64) (*fileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, filePath, len(content))
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := tree.RootNode()
	fp := &fileParser{
		content:    content,
		path:       filePath,
		importPath: importPath,
		imports:    make(map[string]string),
	}
	res := &fileResult{path: filePath}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "package_clause":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if n := child.NamedChild(j); n.Type() == "package_identifier" {
					res.pkgName = fp.text(n)
				}
			}
		case "import_declaration":
			fp.collectImports(child)
		}
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "type_declaration":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				spec := child.NamedChild(j)
				if spec.Type() == "type_spec" || spec.Type() == "type_alias" {
					if td := fp.typeSpec(spec); td != nil {
						res.types = append(res.types, td)
					}
				}
			}
		case "method_declaration":
			if md, locals := fp.method(child); md.receiver != "" {
				res.methods = append(res.methods, md)
				res.locals = append(res.locals, locals...)
			}
		}
	}
	return res, nil
}

func (fp *fileParser) text(n *sitter.Node) string {
	return string(fp.content[n.StartByte():n.EndByte()])
}

func (fp *fileParser) site(n *sitter.Node) graph.Location {
	p := n.StartPoint()
	return graph.Location{FilePath: fp.path, Line: int(p.Row) + 1, Column: int(p.Column) + 1}
}

func (fp *fileParser) collectImports(decl *sitter.Node) {
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		switch n.Type() {
		case "import_spec":
			var alias, p string
			if a := n.ChildByFieldName("name"); a != nil {
				alias = fp.text(a)
			}
			if pn := n.ChildByFieldName("path"); pn != nil {
				p = strings.Trim(fp.text(pn), "\"`")
			}
			if p == "" || alias == "_" || alias == "." {
				return
			}
			if alias == "" {
				alias = importName(p)
			}
			fp.imports[alias] = p
		default:
			for i := 0; i < int(n.NamedChildCount()); i++ {
				visit(n.NamedChild(i))
			}
		}
	}
	visit(decl)
}

// typeSpec extracts one package-level type_spec or type_alias.
func (fp *fileParser) typeSpec(spec *sitter.Node) *typeDecl {
	nameNode := spec.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}

	w := fp.newWalker()
	tparams := spec.ChildByFieldName("type_parameters")
	w.declareTypeParams(tparams)
	w.walkTypeParams(tparams)
	if t := spec.ChildByFieldName("type"); t != nil {
		w.walk(t, graph.RefKindType)
	}

	return &typeDecl{
		name: fp.text(nameNode),
		file: fp.path,
		decl: "type " + fp.text(spec),
		refs: w.refs,
	}
}

// method extracts the references of a method declaration.
func (fp *fileParser) method(decl *sitter.Node) (methodDecl, []localDecl) {
	w := fp.newWalker()

	recvName, recvType := w.receiver(decl.ChildByFieldName("receiver"))
	if recvType == "" {
		return methodDecl{}, nil
	}
	w.recvName = recvName
	w.recvType = recvType

	if p := decl.ChildByFieldName("parameters"); p != nil {
		w.walk(p, graph.RefKindType)
	}
	if r := decl.ChildByFieldName("result"); r != nil {
		w.walk(r, graph.RefKindType)
	}

	var locals []localDecl
	if body := decl.ChildByFieldName("body"); body != nil {
		locals = w.declareLocals(body, recvType)
		w.walk(body, graph.RefKindType)
	}
	return methodDecl{receiver: recvType, refs: w.refs}, locals
}

// walker collects references from a subtree with Go's type scoping.
type walker struct {
	fp         *fileParser
	typeParams map[string]bool
	locals     map[string]string
	recvName   string
	recvType   string
	refs       []rawRef
}

func (fp *fileParser) newWalker() *walker {
	return &walker{
		fp:         fp,
		typeParams: make(map[string]bool),
		locals:     make(map[string]string),
	}
}

func (w *walker) declareTypeParams(list *sitter.Node) {
	if list == nil {
		return
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if n := decl.NamedChild(j); n.Type() == "identifier" {
				w.typeParams[w.fp.text(n)] = true
			}
		}
	}
}

// walkTypeParams walks type-parameter constraints.
func (w *walker) walkTypeParams(list *sitter.Node) {
	if list == nil {
		return
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if n := decl.NamedChild(j); n.Type() != "identifier" {
				w.walk(n, graph.RefKindType)
			}
		}
	}
}

// receiver returns the receiver variable and base type name, declaring
// the receiver's type parameters.
func (w *walker) receiver(list *sitter.Node) (string, string) {
	if list == nil {
		return "", ""
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		param := list.NamedChild(i)
		if param.Type() != "parameter_declaration" {
			continue
		}
		var name string
		if n := param.ChildByFieldName("name"); n != nil {
			name = w.fp.text(n)
		}
		t := param.ChildByFieldName("type")
		for t != nil && (t.Type() == "pointer_type" || t.Type() == "parenthesized_type") {
			t = t.NamedChild(0)
		}
		if t == nil {
			return "", ""
		}
		switch t.Type() {
		case "type_identifier":
			return name, w.fp.text(t)
		case "generic_type":
			base := t.ChildByFieldName("type")
			if args := t.ChildByFieldName("type_arguments"); args != nil {
				for j := 0; j < int(args.NamedChildCount()); j++ {
					arg := args.NamedChild(j)
					if arg.Type() == "type_elem" && arg.NamedChildCount() > 0 {
						arg = arg.NamedChild(0)
					}
					w.typeParams[w.fp.text(arg)] = true
				}
			}
			if base != nil {
				return name, w.fp.text(base)
			}
		}
	}
	return "", ""
}

// declareLocals registers types declared inside body. They shadow
// package-level names for the rest of the method.
func (w *walker) declareLocals(body *sitter.Node, owner string) []localDecl {
	var locals []localDecl
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "type_spec" || n.Type() == "type_alias" {
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				name := w.fp.text(nameNode)
				site := w.fp.site(nameNode)
				id := fmt.Sprintf("%s.%s%s%s.%d.%d", w.fp.importPath, owner, localSep, name, site.Line, site.Column)
				w.locals[name] = id
				locals = append(locals, localDecl{id: id, file: w.fp.path, decl: "type " + w.fp.text(n)})
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(body)
	return locals
}

func (w *walker) add(n *sitter.Node, r rawRef) {
	r.site = w.fp.site(n)
	w.refs = append(w.refs, r)
}

// walk collects references in n. kind applies to the types named directly
// by n; nested positions reset it where Go syntax does.
func (w *walker) walk(n *sitter.Node, kind graph.RefKind) {
	if n == nil {
		return
	}

	switch n.Type() {
	case "type_identifier":
		name := w.fp.text(n)
		if w.typeParams[name] {
			return
		}
		if id, ok := w.locals[name]; ok {
			w.add(n, rawRef{local: id, kind: kind})
			return
		}
		w.add(n, rawRef{pkg: w.fp.importPath, name: name, kind: kind})
		return

	case "qualified_type":
		pkgNode := n.ChildByFieldName("package")
		nameNode := n.ChildByFieldName("name")
		if pkgNode == nil || nameNode == nil {
			return
		}
		if p, ok := w.fp.imports[w.fp.text(pkgNode)]; ok {
			w.add(n, rawRef{pkg: p, name: w.fp.text(nameNode), kind: kind})
		}
		return

	case "generic_type":
		w.walk(n.ChildByFieldName("type"), kind)
		w.walk(n.ChildByFieldName("type_arguments"), graph.RefKindType)
		return

	case "composite_literal":
		w.walk(n.ChildByFieldName("type"), graph.RefKindConstruct)
		w.walk(n.ChildByFieldName("body"), graph.RefKindType)
		return

	case "type_spec", "type_alias":
		// Local declaration: its name is not a use.
		w.walk(n.ChildByFieldName("type_parameters"), graph.RefKindType)
		w.walk(n.ChildByFieldName("type"), graph.RefKindType)
		return

	case "call_expression":
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "selector_expression" && w.recvName != "" {
			if op := fn.ChildByFieldName("operand"); op != nil && op.Type() == "identifier" && w.fp.text(op) == w.recvName {
				w.add(n, rawRef{pkg: w.fp.importPath, name: w.recvType, kind: graph.RefKindCall})
			}
		}
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i), graph.RefKindType)
	}
}
