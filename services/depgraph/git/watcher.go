// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CacheInvalidator is implemented by caches that depend on the checked-out
// revision.
type CacheInvalidator interface {
	InvalidateAll() error
}

// HeadWatcher watches the repository HEAD and branch refs.
//
// # Description
//
// Detects checkouts, commits and resets made outside the process. Each
// change invalidates the registered caches, then calls the callback.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type HeadWatcher struct {
	gitDir   string
	caches   []CacheInvalidator
	watcher  *fsnotify.Watcher
	callback func()
	logger   *slog.Logger
}

// NewHeadWatcher creates a watcher for git HEAD changes.
//
// # Inputs
//
//   - gitDir: Path to the git directory (see FindGitDir).
//   - callback: Called after every HEAD change. May be nil.
//   - caches: Caches to invalidate on change.
//
// # Outputs
//
//   - *HeadWatcher: Ready-to-start watcher.
//   - error: Non-nil if watcher creation fails.
func NewHeadWatcher(gitDir string, callback func(), caches ...CacheInvalidator) (*HeadWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &HeadWatcher{
		gitDir:   gitDir,
		caches:   caches,
		watcher:  watcher,
		callback: callback,
		logger:   slog.Default(),
	}, nil
}

// Start watches until ctx is cancelled. Run it in a goroutine.
//
// # Example
//
//	watcher, _ := git.NewHeadWatcher(gitDir, onHeadChange, statusProvider)
//	go watcher.Start(ctx)
func (w *HeadWatcher) Start(ctx context.Context) {
	headPath := filepath.Join(w.gitDir, "HEAD")
	if err := w.watcher.Add(headPath); err != nil {
		w.logger.Warn("failed to watch git HEAD",
			slog.String("path", headPath),
			slog.String("error", err.Error()),
		)
	}

	for _, extra := range []string{filepath.Join(w.gitDir, "refs", "heads"), filepath.Join(w.gitDir, "packed-refs")} {
		if _, err := os.Stat(extra); err != nil {
			continue
		}
		if err := w.watcher.Add(extra); err != nil {
			w.logger.Debug("failed to watch git refs",
				slog.String("path", extra),
				slog.String("error", err.Error()),
			)
		}
	}

	w.logger.Debug("watching git HEAD", slog.String("git_dir", w.gitDir))

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("git HEAD watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return
		}
	}
}

func (w *HeadWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.logger.Info("git HEAD changed", slog.String("path", event.Name))

	for _, c := range w.caches {
		if err := c.InvalidateAll(); err != nil {
			w.logger.Warn("cache invalidation after HEAD change failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if w.callback != nil {
		w.callback()
	}
}

// Stop releases the watcher. Safe to call multiple times.
func (w *HeadWatcher) Stop() error {
	return w.watcher.Close()
}

// FindGitDir walks up from dir to the nearest .git and returns the git
// directory, following worktree indirection.
func FindGitDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, ".git")
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return candidate, nil
			}
			return resolveWorktreeGitDir(candidate)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		abs = parent
	}
}

// resolveWorktreeGitDir reads a worktree's ".git" file, which has the form
// "gitdir: /path/to/repo/.git/worktrees/name".
func resolveWorktreeGitDir(gitFile string) (string, error) {
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(content))
	target, ok := strings.CutPrefix(line, "gitdir: ")
	if !ok {
		return "", fmt.Errorf("%w: unexpected .git file %s", os.ErrInvalid, gitFile)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(gitFile), target)
	}
	return target, nil
}
