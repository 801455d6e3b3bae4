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
	"fmt"
	"strings"
)

// GitStatus is the version-control state of a node's source file.
//
// GitStatus is a flag set. The zero value means unchanged.
type GitStatus uint8

const (
	// GitStatusUnchanged indicates the file matches HEAD.
	GitStatusUnchanged GitStatus = 0

	// GitStatusModified indicates the file has uncommitted modifications.
	GitStatusModified GitStatus = 1 << 0

	// GitStatusNew indicates the file is untracked or newly added.
	GitStatusNew GitStatus = 1 << 1
)

// Has reports whether all flags in f are set.
func (s GitStatus) Has(f GitStatus) bool {
	return s&f == f
}

// String returns the string representation of the GitStatus.
func (s GitStatus) String() string {
	if s == GitStatusUnchanged {
		return "unchanged"
	}
	parts := make([]string, 0, 2)
	if s.Has(GitStatusNew) {
		parts = append(parts, "new")
	}
	if s.Has(GitStatusModified) {
		parts = append(parts, "modified")
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Node is a vertex of the dependency graph.
//
// Nodes are values owned by a NodeGraph. Updating a node means replacing
// the value stored for its key with AddNode.
type Node struct {
	// Key is the node identity.
	Key NodeKey

	// DisplayString is the label derived from the declaration.
	DisplayString string

	// SourceFilePath is the file declaring the entity. May be empty.
	SourceFilePath string

	// GitStatus is the version-control state of SourceFilePath.
	GitStatus GitStatus
}

// Location is a reference site in source code.
type Location struct {
	// FilePath is the file containing the reference.
	FilePath string

	// Line is the 1-based line number.
	Line int

	// Column is the 1-based column number.
	Column int
}

// String returns file:line:column.
func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.FilePath, l.Line, l.Column)
}

func compareLocations(a, b Location) int {
	if c := cmp.Compare(a.FilePath, b.FilePath); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Line, b.Line); c != 0 {
		return c
	}
	return cmp.Compare(a.Column, b.Column)
}

// Edge is a directed dependency: Source references Target at Site.
//
// Multiple edges between the same pair of nodes are allowed when they come
// from different reference sites. For example, if type A mentions type B in
// two fields there are two edges A -> B with different Sites. Edges are
// comparable values; adding the same edge twice stores it once.
type Edge struct {
	// Source is the referencing node.
	Source NodeKey

	// Target is the referenced node.
	Target NodeKey

	// Site is where the reference is expressed in code.
	Site Location
}

// IsSelfReference reports whether the edge starts and ends at the same node.
func (e Edge) IsSelfReference() bool {
	return e.Source == e.Target
}

// CompareEdges orders edges by source, target and site.
func CompareEdges(a, b Edge) int {
	if c := CompareKeys(a.Source, b.Source); c != 0 {
		return c
	}
	if c := CompareKeys(a.Target, b.Target); c != 0 {
		return c
	}
	return compareLocations(a.Site, b.Site)
}

// DisplayStringFor derives a node label from a declaration.
//
// Only the declaration header is kept: the first line, with any opening
// brace and trailing whitespace removed, and collapsed internal whitespace.
// When the declaration is empty the qualified name's last segment is used.
func DisplayStringFor(info EntityInfo) string {
	decl := info.Declaration
	if i := strings.IndexByte(decl, '\n'); i >= 0 {
		decl = decl[:i]
	}
	decl = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(decl), "{"))
	decl = strings.Join(strings.Fields(decl), " ")
	if decl != "" {
		return decl
	}

	name := info.QualifiedName
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
