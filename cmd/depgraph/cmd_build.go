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
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/config"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/storage/gcs"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	buildFormat    string
	buildDepth     int
	buildForce     bool
	buildOutput    string
	buildUpload    bool
	buildName      string
	buildNoGit     bool
	buildDirection string

	statsFull bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var buildCmd = &cobra.Command{
	Use:   "build FILE...",
	Short: "Render the dependency graph around the types in FILE",
	Long: `Build the type dependency graph rooted at every type declared in the
given files and render the neighborhood within --depth hops.

Graphs larger than threshold.max_nodes are not rendered unless --force is
given or the prompt is confirmed.

Examples:
  depgraph build order.go
  depgraph build order.go invoice.go --depth 1 --format dot -o orders.dot
  depgraph build order.go --upload --name orders`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd, args)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats FILE...",
	Short: "Print degree statistics for the graph around FILE",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd, args)
	},
}

func init() {
	addBuildFlags(buildCmd)
	addBuildFlags(diffCmd)

	statsCmd.Flags().IntVar(&buildDepth, "depth", -1, "Display depth (default graph.depth)")
	statsCmd.Flags().BoolVar(&statsFull, "full", false, "Use the whole built graph instead of the display subgraph")
	statsCmd.Flags().BoolVar(&buildNoGit, "no-git", false, "Skip git status lookups")
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&buildFormat, "format", "f", "mermaid", "Output format: mermaid, dot, json")
	cmd.Flags().IntVar(&buildDepth, "depth", -1, "Display depth (default graph.depth)")
	cmd.Flags().BoolVar(&buildForce, "force", false, "Render even above the node threshold")
	cmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Write to file instead of stdout")
	cmd.Flags().BoolVar(&buildUpload, "upload", false, "Upload to the configured GCS bucket")
	cmd.Flags().StringVar(&buildName, "name", "", "Object name for --upload (default derived from the first file)")
	cmd.Flags().BoolVar(&buildNoGit, "no-git", false, "Skip git status lookups")
	cmd.Flags().StringVar(&buildDirection, "direction", "LR", "Layout direction: LR, TB, RL, BT")
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func resolveDepth(cfg *config.Config, flag int) int {
	if flag >= 0 {
		return flag
	}
	return cfg.Graph.Depth
}

func runBuild(cmd *cobra.Command, files []string) error {
	format, err := visualization.ParseFormat(buildFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	p, err := newPipeline(cfg, logger, !buildNoGit)
	if err != nil {
		return err
	}
	out, err := p.run(ctx, files, resolveDepth(cfg, buildDepth))
	if err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()
	fmt.Fprintln(stderr, renderSummary(out))

	if err := checkThreshold(out.Display, cfg.Threshold.MaxNodes, buildForce); err != nil {
		return err
	}

	opts := visualization.DefaultOptions()
	opts.Direction = buildDirection
	data, err := visualization.NewRenderer(&opts).Render(out.Display, format)
	if err != nil {
		return err
	}
	if err := writeOutput(cmd.OutOrStdout(), buildOutput, data); err != nil {
		return err
	}
	if buildOutput != "" {
		fmt.Fprintln(stderr, styles.Success.Render("Wrote "+buildOutput))
	}

	if buildUpload {
		return upload(ctx, cfg, logger, stderr, out.Display, uploadName(buildName, files))
	}
	return nil
}

// checkThreshold refuses graphs above maxNodes unless forced or confirmed
// interactively.
func checkThreshold(d *graph.DisplayGraph, maxNodes int, force bool) error {
	if force || maxNodes <= 0 || d.NodeCount() <= maxNodes {
		return nil
	}
	if !interactive() {
		return fmt.Errorf("graph has %d nodes, above the threshold of %d; use --force to render it",
			d.NodeCount(), maxNodes)
	}
	ok, err := confirmLarge(d.NodeCount(), maxNodes)
	if err != nil {
		return err
	}
	if !ok {
		return errDeclined
	}
	return nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// uploadName returns name, or one derived from the first file and the
// current time.
func uploadName(name string, files []string) string {
	if name != "" {
		return name
	}
	base := strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))
	return fmt.Sprintf("%s-%s", base, time.Now().UTC().Format("20060102T150405Z"))
}

func upload(ctx context.Context, cfg *config.Config, logger *slog.Logger, w io.Writer, d *graph.DisplayGraph, name string) error {
	if !cfg.Export.Enabled() {
		return fmt.Errorf("--upload requires export.bucket to be configured")
	}
	exp, err := gcs.NewExporter(ctx, gcs.Config{
		Bucket:          cfg.Export.Bucket,
		Prefix:          cfg.Export.Prefix,
		CredentialsFile: cfg.Export.CredentialsFile,
		Formats:         cfg.Export.OutputFormats(),
	}, logger)
	if err != nil {
		return err
	}
	defer exp.Close()

	objects, err := exp.Export(ctx, name, d)
	if err != nil {
		return err
	}
	for _, o := range objects {
		fmt.Fprintln(w, styles.Success.Render("Uploaded ")+exp.URL(o))
	}
	return nil
}

func runStats(cmd *cobra.Command, files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	p, err := newPipeline(cfg, logger, !buildNoGit)
	if err != nil {
		return err
	}
	out, err := p.run(ctx, files, resolveDepth(cfg, buildDepth))
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Degree statistics (depth %d)", out.Display.Depth)
	r, err := graph.DisplayDegreeStatistics(out.Display)
	if statsFull {
		title = "Degree statistics (full graph)"
		r, err = graph.DegreeStatistics(out.Build.Graph)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStats(title, r, 40))
	return nil
}
