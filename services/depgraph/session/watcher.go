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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileOp is the kind of a file system change.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
	FileOpRename
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileChange is a debounced change to one source file.
type FileChange struct {
	// Path is the absolute path to the changed file.
	Path string

	// Op is the last operation seen for Path inside the debounce window.
	Op FileOp

	// Time is when the last operation was detected.
	Time time.Time
}

// FileChangeHandler receives each debounced batch. Batches are sorted by
// path and hold one entry per path.
type FileChangeHandler func(changes []FileChange)

// WatcherOptions configures a FileWatcher.
type WatcherOptions struct {
	// DebounceWindow is how long the watcher waits for quiet before
	// flushing a batch.
	// Default: 200ms
	DebounceWindow time.Duration

	// Extensions limits reported files by suffix. Empty reports all files.
	// Default: [".go"]
	Extensions []string

	// IgnorePatterns are base-name globs for files and directories to skip.
	IgnorePatterns []string

	// BufferSize is the capacity of the internal change queue.
	// Default: 1024
	BufferSize int

	// Logger receives watch errors and dropped-event warnings.
	Logger *slog.Logger
}

// DefaultWatcherOptions returns defaults suited to Go source trees.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 200 * time.Millisecond,
		Extensions:     []string{".go"},
		IgnorePatterns: []string{".git", "vendor", "testdata", "node_modules", ".idea", "*.swp", "*~"},
		BufferSize:     1024,
	}
}

// FileWatcher watches a source tree and reports debounced batches of
// changed files.
//
// # Description
//
// Every directory below root is watched except ignored ones. Directories
// created later are added as they appear. Changes are collected until the
// debounce window passes without a new event and are then delivered to the
// handler as one batch, so a save that touches a file several times is
// reported once.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	handler FileChangeHandler
	opts    WatcherOptions
	logger  *slog.Logger

	changes  chan FileChange
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewFileWatcher creates a watcher for root. A nil opts uses
// DefaultWatcherOptions. Call Start to begin watching.
func NewFileWatcher(root string, handler FileChangeHandler, opts *WatcherOptions) (*FileWatcher, error) {
	o := DefaultWatcherOptions()
	if opts != nil {
		o = *opts
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultWatcherOptions().BufferSize
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		root:    root,
		watcher: fw,
		handler: handler,
		opts:    o,
		logger:  logger.With(slog.String("component", "file_watcher")),
		changes: make(chan FileChange, o.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the tree and starts the event and debounce goroutines.
// Both exit when ctx is cancelled or Stop is called. Starting a running
// watcher is a no-op.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.watching = true

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching source tree", slog.String("root", w.root))
	return nil
}

// Stop stops the watcher and waits for its goroutines. A pending batch is
// flushed to the handler before Stop returns.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("closing watcher", slog.String("error", err.Error()))
		}
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether Start succeeded and Stop was not called.
func (w *FileWatcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *FileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// ignored reports whether the base name of path matches an ignore pattern.
func (w *FileWatcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// relevant reports whether a changed file should be reported.
func (w *FileWatcher) relevant(path string) bool {
	if w.ignored(path) {
		return false
	}
	if rel, err := filepath.Rel(w.root, path); err == nil {
		for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if part != "." && w.ignored(part) {
				return false
			}
		}
	}
	if len(w.opts.Extensions) == 0 {
		return true
	}
	for _, ext := range w.opts.Extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.ignored(event.Name) {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("watching new directory",
						slog.String("path", event.Name),
						slog.String("error", err.Error()))
				}
			}
			return
		}
	}
	if !w.relevant(event.Name) {
		return
	}

	change := FileChange{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}
	select {
	case w.changes <- change:
	default:
		w.logger.Warn("change buffer full, dropping event", slog.String("path", event.Name))
	}
}

func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpWrite
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []FileChange
	timer := time.NewTimer(w.opts.DebounceWindow)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(coalesce(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			timer.Reset(w.opts.DebounceWindow)
		case <-timer.C:
			flush()
		}
	}
}

// coalesce keeps the last change per path and sorts by path.
func coalesce(batch []FileChange) []FileChange {
	last := make(map[string]FileChange, len(batch))
	for _, c := range batch {
		last[c.Path] = c
	}
	out := make([]FileChange, 0, len(last))
	for _, c := range last {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b FileChange) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Paths returns the paths of a batch.
func Paths(changes []FileChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}
