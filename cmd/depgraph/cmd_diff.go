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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

var diffStrip int

var diffCmd = &cobra.Command{
	Use:   "diff PATCH",
	Short: "Render the dependency graph around the files a patch touches",
	Long: `Parse a unified diff and render the dependency graph rooted at the
types declared in every Go file the patch adds or modifies. Paths in the
patch are resolved against the module root after stripping --strip leading
components. Use - to read the patch from stdin.

Examples:
  git diff main | depgraph diff -
  depgraph diff change.patch --format dot -o change.dot`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiff(cmd, args[0])
	},
}

func init() {
	diffCmd.Flags().IntVarP(&diffStrip, "strip", "p", 1, "Leading path components to strip from patch paths")
}

func readPatch(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

// changedGoFiles returns the Go files that exist after the patch is
// applied, with strip leading components removed, sorted and
// deduplicated. Deleted files are skipped.
func changedGoFiles(patch []byte, strip int) ([]string, error) {
	fds, err := diff.ParseMultiFileDiff(patch)
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	var out []string
	for _, fd := range fds {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			continue
		}
		name = stripComponents(name, strip)
		if name == "" || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		out = append(out, filepath.FromSlash(name))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func stripComponents(p string, n int) string {
	for range n {
		i := strings.IndexByte(p, '/')
		if i < 0 {
			return ""
		}
		p = p[i+1:]
	}
	return p
}

func runDiff(cmd *cobra.Command, patchFile string) error {
	if _, err := visualization.ParseFormat(buildFormat); err != nil {
		return err
	}
	patch, err := readPatch(cmd, patchFile)
	if err != nil {
		return err
	}
	files, err := changedGoFiles(patch, diffStrip)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("patch touches no Go source files")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	abs := make([]string, len(files))
	for i, f := range files {
		abs[i] = filepath.Join(cfg.Project.Root, f)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), styles.Muted.Render(fmt.Sprintf("%d changed Go files", len(abs))))
	if buildName == "" {
		buildName = uploadName("", []string{"diff"})
	}
	return runBuild(cmd, abs)
}
