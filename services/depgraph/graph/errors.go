// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the dependency graph engine.
//
// The package models code entities (types and, in the future, their
// members) as nodes keyed by NodeKey, and "Source references Target"
// relationships as directed edges. On top of the model it provides:
//   - Builder: breadth-first closure from a set of root entities, driven by
//     an external Analyzer oracle.
//   - ExtractDisplaySubgraph: a bounded, edge-aggregated view for renderers.
//   - Diff and Reconciler: incremental updates of a graph when the root set
//     or the underlying files change.
//
// # Ownership Model
//
// A NodeGraph owns its nodes and edges. Nodes and edges are values; callers
// never hold pointers into graph internals. Readers work against a Snapshot
// or any Reader, never against the live graph being mutated.
//
// # Thread Safety
//
// NodeGraph is NOT safe for concurrent mutation. The Reconciler serializes
// mutations and hands out immutable snapshots, which may be read from any
// number of goroutines.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when an edge references a non-existent node.
	// Both source and target nodes must exist before an edge can be created.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidKey is returned for keys with an unknown kind or missing
	// identifying fields.
	ErrInvalidKey = errors.New("invalid node key")

	// ErrCancelled is returned when a build or reconciliation is cancelled
	// via context. The graph observed by callers is unchanged.
	ErrCancelled = errors.New("operation cancelled")

	// ErrResolution marks a failure to resolve a single entity through the
	// analyzer. Resolution failures are accumulated, never fatal.
	ErrResolution = errors.New("entity resolution failed")

	// ErrInvalidDepth is returned for a negative extension depth.
	ErrInvalidDepth = errors.New("extension depth must be non-negative")

	// ErrMaxNodesExceeded is returned when the builder reaches its
	// configured node cap.
	ErrMaxNodesExceeded = errors.New("maximum node count exceeded")

	// ErrConcurrentMutation is returned when a second mutation of the same
	// graph is attempted while one is in flight.
	ErrConcurrentMutation = errors.New("graph mutation already in progress")
)

// ResolutionError records an entity that could not be resolved during a
// build. The entity's branch is skipped; the rest of the graph builds.
type ResolutionError struct {
	// EntityID is the analyzer identity of the entity.
	EntityID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e ResolutionError) Error() string {
	return fmt.Sprintf("entity %s: %v", e.EntityID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e ResolutionError) Unwrap() error {
	return e.Err
}

// Is reports ErrResolution as a match so callers can classify failures
// without knowing the cause.
func (e ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// cancelled wraps a context error so it matches both ErrCancelled and the
// original context error.
func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
