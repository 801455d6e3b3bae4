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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/config"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	configPath string
	rootDir    string
	logLevel   string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "depgraph",
	Short: "Type dependency graphs for Go modules",
	Long: `depgraph builds the type dependency graph around a set of Go source
files and renders the neighborhood of their types.

Subcommands:
  build    - Render the graph around files as Mermaid, DOT or JSON
  stats    - Print degree statistics for the graph around files
  diff     - Render the graph around the files touched by a patch
  serve    - Run a live session with an HTTP and WebSocket API
  history  - Inspect stored session views

Examples:
  depgraph build internal/orders/order.go --depth 3
  depgraph diff change.patch --format dot -o change.dot
  depgraph serve --root ~/src/shop`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.aleutian/depgraph.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "",
		"Module root to analyze (overrides project.root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadConfig reads the config file, applies environment and flag
// overrides, and validates the result.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.Project.Root = rootDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	abs, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	cfg.Project.Root = abs
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the default.
// Logs go to stderr so rendered graphs can be piped from stdout. The
// returned func closes the log file, if any.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	lg, err := cfg.Log.Open(os.Stderr)
	if err != nil {
		logger := cfg.Log.Logger(os.Stderr)
		logger.Warn("file logging disabled", slog.String("error", err.Error()))
		slog.SetDefault(logger)
		return logger, func() {}
	}
	slog.SetDefault(lg.Logger)
	return lg.Logger, func() { _ = lg.Close() }
}
