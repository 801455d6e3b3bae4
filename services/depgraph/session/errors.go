// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives a dependency graph from editor activity.
//
// A Session owns one graph.Reconciler and is its only writer. Callers
// submit commands (set the active files, change depth, force an
// over-threshold view, rebuild) and file change notifications; a single
// loop applies them in order and publishes a View after every change.
// Setting the active files again cancels a root-set that is still in
// flight.
package session

import "errors"

var (
	// ErrNoRoots is returned by Rebuild when no root entities are set.
	ErrNoRoots = errors.New("no root entities")

	// ErrSuperseded is returned to a SetActiveFiles caller whose request
	// was replaced by a newer one before it completed.
	ErrSuperseded = errors.New("superseded by a newer root set")

	// ErrClosed is returned for commands submitted after Run returned.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session already running")
)
