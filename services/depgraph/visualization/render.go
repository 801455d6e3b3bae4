// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package visualization renders display graphs as Mermaid flowcharts,
// Graphviz DOT and JSON documents.
//
// All rendering is local and deterministic: the same DisplayGraph always
// produces byte-identical output.
package visualization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// OutputFormat specifies the visualization output format.
type OutputFormat string

const (
	FormatMermaid OutputFormat = "mermaid"
	FormatDOT     OutputFormat = "dot"
	FormatJSON    OutputFormat = "json"
)

// ErrUnsupportedFormat is returned for an unknown OutputFormat.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Formats lists every supported format.
func Formats() []OutputFormat {
	return []OutputFormat{FormatMermaid, FormatDOT, FormatJSON}
}

// ParseFormat converts a user-supplied name into an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatMermaid, FormatDOT, FormatJSON:
		return f, nil
	case "mmd":
		return FormatMermaid, nil
	case "gv", "graphviz":
		return FormatDOT, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type used when serving the format.
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatDOT:
		return "text/vnd.graphviz"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Options configures rendering.
type Options struct {
	// Direction is the flowchart direction (TB, LR, BT, RL).
	// Default: "LR"
	Direction string

	// MaxLabel truncates node labels longer than this many runes.
	// Zero disables truncation.
	MaxLabel int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Direction: "LR", MaxLabel: 60}
}

// Renderer renders display graphs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Renderer struct {
	options Options
}

// NewRenderer creates a renderer. A nil opts uses DefaultOptions.
func NewRenderer(opts *Options) *Renderer {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	o := *opts
	switch o.Direction {
	case "TB", "LR", "BT", "RL":
	default:
		o.Direction = "LR"
	}
	return &Renderer{options: o}
}

// Render creates a visual representation of d.
//
// # Inputs
//
//   - d: The display graph. Must not be nil.
//   - format: The output format.
//
// # Outputs
//
//   - []byte: The rendered document.
//   - error: ErrUnsupportedFormat for an unknown format.
func (r *Renderer) Render(d *graph.DisplayGraph, format OutputFormat) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("display graph is required")
	}
	switch format {
	case FormatMermaid:
		return []byte(r.mermaid(d)), nil
	case FormatDOT:
		return []byte(r.dot(d)), nil
	case FormatJSON:
		return json.MarshalIndent(NewDocument(d), "", "  ")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// nodeIDs assigns short positional identifiers in node order.
func nodeIDs(d *graph.DisplayGraph) map[graph.NodeKey]string {
	ids := make(map[graph.NodeKey]string, len(d.Nodes))
	for i, n := range d.Nodes {
		ids[n.Key] = fmt.Sprintf("n%d", i)
	}
	return ids
}

// mermaid creates a Mermaid flowchart. Multi-edges are dashed and
// labelled with their multiplicity.
func (r *Renderer) mermaid(d *graph.DisplayGraph) string {
	var sb strings.Builder
	ids := nodeIDs(d)

	fmt.Fprintf(&sb, "flowchart %s\n", r.options.Direction)
	for _, n := range d.Nodes {
		fmt.Fprintf(&sb, "    %s[\"%s\"]%s\n", ids[n.Key], escapeMermaidLabel(r.label(n)), mermaidClass(n))
	}

	if len(d.Edges) > 0 {
		sb.WriteString("\n")
	}
	for _, e := range d.Edges {
		src, dst := e.Endpoints()
		switch e := e.(type) {
		case graph.SingleEdge:
			fmt.Fprintf(&sb, "    %s --> %s\n", ids[src], ids[dst])
		case graph.MultiEdge:
			fmt.Fprintf(&sb, "    %s -. \"x%d\" .-> %s\n", ids[src], e.Count, ids[dst])
		}
	}

	sb.WriteString("\n")
	sb.WriteString("    classDef root stroke:#333,stroke-width:3px\n")
	sb.WriteString("    classDef modified fill:#ffd93d,stroke:#333\n")
	sb.WriteString("    classDef new fill:#10ac84,stroke:#333,color:#fff\n")
	return sb.String()
}

func mermaidClass(n graph.DisplayNode) string {
	var classes []string
	if n.IsRoot {
		classes = append(classes, "root")
	}
	switch {
	case n.GitStatus.Has(graph.GitStatusNew):
		classes = append(classes, "new")
	case n.GitStatus.Has(graph.GitStatusModified):
		classes = append(classes, "modified")
	}
	if len(classes) == 0 {
		return ""
	}
	return ":::" + strings.Join(classes, ",")
}

// dot creates a Graphviz DOT digraph.
func (r *Renderer) dot(d *graph.DisplayGraph) string {
	var sb strings.Builder
	ids := nodeIDs(d)

	sb.WriteString("digraph depgraph {\n")
	fmt.Fprintf(&sb, "    rankdir=%s;\n", r.options.Direction)
	sb.WriteString("    node [shape=box, fontname=\"Helvetica\"];\n")

	for _, n := range d.Nodes {
		attrs := []string{fmt.Sprintf("label=\"%s\"", escapeDOTLabel(r.label(n)))}
		if n.IsRoot {
			attrs = append(attrs, "penwidth=3")
		}
		switch {
		case n.GitStatus.Has(graph.GitStatusNew):
			attrs = append(attrs, "style=filled", "fillcolor=\"#10ac84\"")
		case n.GitStatus.Has(graph.GitStatusModified):
			attrs = append(attrs, "style=filled", "fillcolor=\"#ffd93d\"")
		}
		fmt.Fprintf(&sb, "    %s [%s];\n", ids[n.Key], strings.Join(attrs, ", "))
	}

	for _, e := range d.Edges {
		src, dst := e.Endpoints()
		switch e := e.(type) {
		case graph.SingleEdge:
			fmt.Fprintf(&sb, "    %s -> %s;\n", ids[src], ids[dst])
		case graph.MultiEdge:
			fmt.Fprintf(&sb, "    %s -> %s [style=dashed, label=\"x%d\"];\n", ids[src], ids[dst], e.Count)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (r *Renderer) label(n graph.DisplayNode) string {
	return truncateLabel(n.Label, r.options.MaxLabel)
}

func escapeMermaidLabel(s string) string {
	replacer := strings.NewReplacer(
		"\"", "#quot;",
		"<", "&lt;",
		">", "&gt;",
		"\n", " ",
	)
	return replacer.Replace(s)
}

func escapeDOTLabel(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"\n", "\\n",
	)
	return replacer.Replace(s)
}

func truncateLabel(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
