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

// BuildStats contains statistics about a build operation.
type BuildStats struct {
	// EntitiesVisited is the number of queue entries dequeued.
	EntitiesVisited int

	// NodesCreated is the number of nodes added or replaced.
	NodesCreated int

	// EdgesCreated is the number of edges added.
	EdgesCreated int

	// SelfReferences is the number of X -> X edges added.
	SelfReferences int

	// ConstructSelfSkipped counts construct references from a type to
	// itself, which are not recorded as self-references.
	ConstructSelfSkipped int

	// AnonymousSkipped counts anonymous entities that were not registered.
	AnonymousSkipped int

	// DurationMicro is the total build time in microseconds.
	DurationMicro int64
}

// BuildResult contains the result of a build or extension.
//
// Builds are resilient: an entity that fails to resolve is reported in
// ResolutionErrors and its branch is skipped. Cancellation is not reported
// here; a cancelled build returns no result at all.
type BuildResult struct {
	// Graph is the constructed (or extended) graph.
	Graph *NodeGraph

	// Entities maps every node key to the entity it was built from.
	Entities map[NodeKey]Entity

	// RootKeys maps each resolved root entity to its node key.
	RootKeys map[Entity]NodeKey

	// ResolutionErrors contains per-entity failures.
	ResolutionErrors []ResolutionError

	// Stats contains build statistics.
	Stats BuildStats
}

// HasErrors returns true if any entity failed to resolve.
func (r *BuildResult) HasErrors() bool {
	return len(r.ResolutionErrors) > 0
}

// RootKeyList returns the distinct root keys in CompareKeys order.
func (r *BuildResult) RootKeyList() []NodeKey {
	return sortedKeys(r.RootKeys)
}
