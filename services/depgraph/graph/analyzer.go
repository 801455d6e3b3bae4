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

import "context"

// Entity is an opaque handle to a source entity issued by an Analyzer.
//
// The ID is stable for as long as the analyzer considers the entity to be
// the same declaration. Entities are comparable and may be diffed directly.
type Entity struct {
	ID string
}

// EntityInfo is what an Analyzer knows about an entity.
type EntityInfo struct {
	// QualifiedName is the fully-qualified name (e.g. "example.com/m/pkg.Type").
	QualifiedName string

	// FilePath is the file the entity is declared in.
	FilePath string

	// Declaration is the declaration source text, used for display strings.
	Declaration string

	// Anonymous is true for local or inline types. Anonymous entities are
	// never registered as nodes.
	Anonymous bool
}

// Key returns the type-level node key for the entity.
func (i EntityInfo) Key() NodeKey {
	return TypeKey(i.QualifiedName, i.FilePath)
}

// RefKind classifies how one entity references another.
type RefKind int

const (
	// RefKindType is a use of a type in a declaration or expression.
	RefKindType RefKind = iota

	// RefKindCall is a method or function invocation.
	RefKindCall

	// RefKindConstruct is a constructor invocation or composite literal.
	// A construct reference to the referencing entity itself is not a
	// self-reference.
	RefKindConstruct
)

// String returns the string representation of the RefKind.
func (k RefKind) String() string {
	switch k {
	case RefKindType:
		return "type"
	case RefKindCall:
		return "call"
	case RefKindConstruct:
		return "construct"
	default:
		return "unknown"
	}
}

// Reference is one reference site between two entities.
//
// For References, Entity is the referenced entity. For ReferencedBy,
// Entity is the referencing entity. Site is always where the reference is
// written.
type Reference struct {
	Entity Entity
	Site   Location
	Kind   RefKind
}

// Analyzer is the semantic-analysis oracle consumed by the Builder.
//
// Implementations must be consistent for the duration of one Build or
// reconciliation call. All methods must honor ctx cancellation.
type Analyzer interface {
	// Describe returns the identity and declaration of an entity.
	Describe(ctx context.Context, e Entity) (EntityInfo, error)

	// References returns every entity e references, including through
	// generic arguments, array, slice, map and tuple element types.
	References(ctx context.Context, e Entity) ([]Reference, error)

	// ReferencedBy returns every entity that references e.
	ReferencedBy(ctx context.Context, e Entity) ([]Reference, error)
}

// Invalidator is implemented by analyzers that cache per-file results.
// The Reconciler calls Invalidate before refreshing changed files.
type Invalidator interface {
	Invalidate(ctx context.Context, paths []string) error
}

// AffectedResolver is implemented by analyzers whose entities collect
// references from files other than their declaring file, such as Go types
// whose methods live elsewhere in the package.
//
// AffectedBy returns every entity whose references are written in paths.
// The Reconciler calls it before and after Invalidate so that entities
// affected by either version of a file are re-expanded.
type AffectedResolver interface {
	AffectedBy(ctx context.Context, paths []string) ([]Entity, error)
}

// StatusProvider is the version-control status oracle.
type StatusProvider interface {
	Status(ctx context.Context, path string) (GitStatus, error)
}

// noStatus reports every file as unchanged.
type noStatus struct{}

func (noStatus) Status(context.Context, string) (GitStatus, error) {
	return GitStatusUnchanged, nil
}
