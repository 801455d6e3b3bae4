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
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/stats"
)

var (
	colorTeal    = lipgloss.Color("#20B9B4")
	colorBright  = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorSlate   = lipgloss.Color("#2C4A54")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Bar     lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorBright),
	Label:   lipgloss.NewStyle().Foreground(colorTeal).Width(14),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Success: lipgloss.NewStyle().Foreground(colorBright),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
	Bar:     lipgloss.NewStyle().Foreground(colorTeal),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTeal).
		Padding(0, 1),
}

// errDeclined is returned when the user declines to render an oversized
// graph.
var errDeclined = errors.New("rendering declined")

// interactive reports whether both stdin and stderr are terminals.
func interactive() bool {
	in, errOut := os.Stdin.Fd(), os.Stderr.Fd()
	return (isatty.IsTerminal(in) || isatty.IsCygwinTerminal(in)) &&
		(isatty.IsTerminal(errOut) || isatty.IsCygwinTerminal(errOut))
}

// confirmLarge asks whether to render a graph above the node threshold.
func confirmLarge(nodes, threshold int) (bool, error) {
	ok := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("The graph has %d nodes (threshold %d). Render it anyway?", nodes, threshold)).
		Affirmative("Render").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func row(label string, value any) string {
	return styles.Label.Render(label) + fmt.Sprint(value)
}

// renderSummary formats the build summary shown on stderr.
func renderSummary(o *outcome) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("Dependency graph") + "\n")
	b.WriteString(row("Roots", len(o.Display.Roots)) + "\n")
	if len(o.Display.MissingRoots) > 0 {
		b.WriteString(row("Missing", styles.Warning.Render(fmt.Sprint(len(o.Display.MissingRoots)))) + "\n")
	}
	b.WriteString(row("Depth", o.Display.Depth) + "\n")
	b.WriteString(row("Shown", fmt.Sprintf("%d nodes, %d edges", o.Display.NodeCount(), o.Display.EdgeCount())) + "\n")
	b.WriteString(row("Graph", fmt.Sprintf("%d nodes, %d edges", o.Build.Graph.NodeCount(), o.Build.Graph.EdgeCount())) + "\n")
	if n := len(o.Build.ResolutionErrors); n > 0 {
		b.WriteString(row("Unresolved", styles.Warning.Render(fmt.Sprint(n))) + "\n")
	}
	b.WriteString(styles.Muted.Render(o.Build.Stats.String()))
	return styles.Box.Render(b.String())
}

// renderStats formats degree statistics with a histogram. Bars are
// scaled to width characters.
func renderStats(title string, r *stats.Result[int], width int) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render(title) + "\n")
	b.WriteString(row("Nodes", r.Count) + "\n")
	b.WriteString(row("Min", r.Min) + "\n")
	b.WriteString(row("Max", r.Max) + "\n")
	b.WriteString(row("Mode", r.Mode) + "\n")
	b.WriteString(row("Mean", fmt.Sprintf("%.2f", r.Mean)) + "\n")

	peak := 0
	for _, n := range r.Histogram {
		peak = max(peak, n)
	}
	b.WriteString("\n")
	for k := r.Min; k <= r.Max; k++ {
		n := r.Histogram[k]
		bar := 0
		if peak > 0 {
			bar = n * width / peak
		}
		if n > 0 && bar == 0 {
			bar = 1
		}
		fmt.Fprintf(&b, "%4d %s %s\n", k, styles.Bar.Render(strings.Repeat("█", bar)), styles.Muted.Render(fmt.Sprint(n)))
	}
	return styles.Box.Render(strings.TrimRight(b.String(), "\n"))
}
