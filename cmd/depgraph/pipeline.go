// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/ast"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/config"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/git"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// errNoTypes is returned when none of the given files declares a type.
var errNoTypes = errors.New("no type declarations found in the given files")

// outcome is the result of a one-shot build.
type outcome struct {
	Build   *graph.BuildResult
	Display *graph.DisplayGraph
}

// pipeline wires the analyzer and builder for one-shot commands.
type pipeline struct {
	analyzer *ast.GoAnalyzer
	builder  *graph.Builder
	logger   *slog.Logger
}

// newPipeline constructs the analyzer and builder from cfg. Git status is
// attached when withGit is set.
func newPipeline(cfg *config.Config, logger *slog.Logger, withGit bool) (*pipeline, error) {
	analyzer, err := ast.NewGoAnalyzer(cfg.Project.Root,
		ast.WithLogger(logger),
		ast.WithMaxFileSize(cfg.Analyzer.MaxFileSize),
		ast.WithParseWorkers(cfg.Analyzer.ParseWorkers),
	)
	if err != nil {
		return nil, err
	}
	opts := []graph.BuilderOption{
		graph.WithLogger(logger),
		graph.WithMaxNodes(cfg.Graph.MaxNodes),
	}
	if withGit {
		opts = append(opts, graph.WithStatusProvider(git.NewStatusProvider(cfg.Project.Root,
			git.WithTimeout(cfg.Session.GitTimeout),
			git.WithLogger(logger),
		)))
	}
	return &pipeline{
		analyzer: analyzer,
		builder:  graph.NewBuilder(analyzer, opts...),
		logger:   logger,
	}, nil
}

// run builds the graph rooted at the types declared in files and extracts
// the display subgraph at depth. Relative paths are resolved against the
// working directory.
func (p *pipeline) run(ctx context.Context, files []string, depth int) (*outcome, error) {
	abs := make([]string, 0, len(files))
	for _, f := range files {
		a, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", f, err)
		}
		abs = append(abs, a)
	}

	roots, err := p.analyzer.RootsForFiles(ctx, abs)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, errNoTypes
	}

	res, err := p.builder.Build(ctx, roots)
	if err != nil {
		return nil, err
	}
	for _, re := range res.ResolutionErrors {
		p.logger.Warn("unresolved entity", slog.String("entity", re.EntityID), slog.String("error", re.Error()))
	}

	display, err := graph.ExtractDisplaySubgraph(ctx, res.Graph, res.RootKeyList(), depth)
	if err != nil {
		return nil, err
	}
	return &outcome{Build: res, Display: display}, nil
}
