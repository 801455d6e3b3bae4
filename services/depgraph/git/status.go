// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package git supplies version-control status to the dependency graph.
//
// # Description
//
// StatusProvider answers per-file status queries from one cached
// `git status` run. HeadWatcher notices branch switches and commits made
// outside the process so callers can drop cached state.
//
// # Thread Safety
//
// StatusProvider and HeadWatcher are safe for concurrent use.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 10 * time.Second

// ErrNotRepository is returned when the root is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Runner executes git with args in dir and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner runs the git binary.
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// StatusOption configures a StatusProvider.
type StatusOption func(*StatusProvider)

// WithRunner replaces the git runner.
func WithRunner(r Runner) StatusOption {
	return func(p *StatusProvider) {
		p.run = r
	}
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) StatusOption {
	return func(p *StatusProvider) {
		p.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StatusOption {
	return func(p *StatusProvider) {
		p.logger = logger
	}
}

// StatusProvider implements graph.StatusProvider over `git status`.
//
// # Description
//
// The first query runs `git status --porcelain=v1 -z` once and caches the
// result. Untracked and added files are new; any other index or work-tree
// change is a modification. Files without an entry are unchanged. The
// cache, including a failed lookup, is kept until Invalidate.
type StatusProvider struct {
	root    string
	run     Runner
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	loaded   bool
	toplevel string
	statuses map[string]graph.GitStatus
	err      error
}

var _ graph.StatusProvider = (*StatusProvider)(nil)

// NewStatusProvider creates a provider for the work tree containing root.
func NewStatusProvider(root string, opts ...StatusOption) *StatusProvider {
	p := &StatusProvider{
		root:    root,
		run:     ExecRunner,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the status of the file at path.
func (p *StatusProvider) Status(ctx context.Context, path string) (graph.GitStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		if err := p.load(ctx); err != nil {
			if ctx.Err() != nil {
				return graph.GitStatusUnchanged, err
			}
			p.err = err
		}
		p.loaded = true
	}
	if p.err != nil {
		return graph.GitStatusUnchanged, p.err
	}

	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(p.toplevel, path)
		if err != nil {
			return graph.GitStatusUnchanged, nil
		}
		rel = r
	}
	return p.statuses[filepath.ToSlash(rel)], nil
}

// Invalidate drops the cached status so the next query runs git again.
func (p *StatusProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.statuses = nil
	p.err = nil
}

// InvalidateAll implements CacheInvalidator.
func (p *StatusProvider) InvalidateAll() error {
	p.Invalidate()
	return nil
}

func (p *StatusProvider) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	top, err := p.run(ctx, p.root, "rev-parse", "--show-toplevel")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRepository, err)
	}
	p.toplevel = strings.TrimSpace(string(top))

	out, err := p.run(ctx, p.toplevel, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	p.statuses = ParsePorcelainZ(out)

	p.logger.Debug("git status loaded",
		slog.String("toplevel", p.toplevel),
		slog.Int("changed_files", len(p.statuses)),
	)
	return nil
}

// ParsePorcelainZ parses `git status --porcelain=v1 -z` output into
// statuses keyed by slash-separated path relative to the work-tree root.
func ParsePorcelainZ(out []byte) map[string]graph.GitStatus {
	statuses := make(map[string]graph.GitStatus)
	fields := strings.Split(string(out), "\x00")

	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		x, y, file := entry[0], entry[1], entry[3:]

		// Renames and copies carry the original path in the next field.
		if x == 'R' || x == 'C' {
			i++
		}

		switch {
		case x == '?' && y == '?':
			statuses[file] = graph.GitStatusNew
		case x == '!' && y == '!':
			// ignored
		case x == 'A':
			statuses[file] = graph.GitStatusNew
			if y != ' ' {
				statuses[file] |= graph.GitStatusModified
			}
		default:
			statuses[file] = graph.GitStatusModified
		}
	}
	return statuses
}
