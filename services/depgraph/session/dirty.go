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
	"slices"
	"sync"
	"time"
)

// Dirty sources.
const (
	SourceWatcher = "watcher"
	SourceManual  = "manual"
	SourceRetry   = "retry"
)

// DirtyEntry records why and when a file needs refreshing.
type DirtyEntry struct {
	Path     string
	MarkedAt time.Time
	Source   string
}

// DirtyTracker collects files whose entities must be refreshed.
//
// Description:
//
//	Files are marked from the watcher, from explicit FilesChanged calls,
//	and again when a refresh fails. Drain hands the whole set to the
//	session loop at once. Removed files are tracked like any other
//	change because their declarations must leave the graph.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type DirtyTracker struct {
	mu    sync.Mutex
	dirty map[string]DirtyEntry
}

// NewDirtyTracker creates an empty tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{dirty: make(map[string]DirtyEntry)}
}

// Mark records path as dirty. A later mark replaces the earlier entry.
func (d *DirtyTracker) Mark(path, source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty[path] = DirtyEntry{Path: path, MarkedAt: time.Now(), Source: source}
}

// MarkChanges records every path of a watcher batch.
func (d *DirtyTracker) MarkChanges(changes []FileChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range changes {
		d.dirty[c.Path] = DirtyEntry{Path: c.Path, MarkedAt: c.Time, Source: SourceWatcher}
	}
}

// Count returns the number of dirty files.
func (d *DirtyTracker) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dirty)
}

// Entries returns the dirty entries sorted by path.
func (d *DirtyTracker) Entries() []DirtyEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirtyEntry, 0, len(d.dirty))
	for _, e := range d.dirty {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b DirtyEntry) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return out
}

// Drain returns the sorted dirty paths and clears the tracker.
func (d *DirtyTracker) Drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.dirty))
	for p := range d.dirty {
		out = append(out, p)
	}
	clear(d.dirty)
	slices.Sort(out)
	return out
}
