// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visualization

import (
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// Document is the JSON form of a display graph consumed by renderers.
type Document struct {
	Roots        []string  `json:"roots"`
	MissingRoots []string  `json:"missing_roots,omitempty"`
	Depth        int       `json:"depth"`
	NodeCount    int       `json:"node_count"`
	EdgeCount    int       `json:"edge_count"`
	Nodes        []NodeDoc `json:"nodes"`
	Edges        []EdgeDoc `json:"edges"`
}

// NodeDoc is a node of a Document. ID is the node key's string form and
// is referenced by EdgeDoc endpoints.
type NodeDoc struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	File   string `json:"file"`
	Member string `json:"member,omitempty"`
	Label  string `json:"label"`
	Status string `json:"status"`
	Root   bool   `json:"root,omitempty"`
}

// EdgeDoc is an edge of a Document. Multi is set for aggregated
// parallel edges, in which case Count is at least 2.
type EdgeDoc struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Count  int    `json:"count"`
	Multi  bool   `json:"multi,omitempty"`
}

// NewDocument converts a display graph into its JSON form.
func NewDocument(d *graph.DisplayGraph) *Document {
	doc := &Document{
		Roots:        keyStrings(d.Roots),
		MissingRoots: keyStrings(d.MissingRoots),
		Depth:        d.Depth,
		NodeCount:    d.NodeCount(),
		EdgeCount:    d.EdgeCount(),
		Nodes:        make([]NodeDoc, 0, len(d.Nodes)),
		Edges:        make([]EdgeDoc, 0, len(d.Edges)),
	}
	for _, n := range d.Nodes {
		doc.Nodes = append(doc.Nodes, NodeDoc{
			ID:     n.Key.String(),
			Kind:   n.Key.Kind.String(),
			Name:   n.Key.Name,
			File:   n.Key.File,
			Member: n.Key.Member,
			Label:  n.Label,
			Status: n.GitStatus.String(),
			Root:   n.IsRoot,
		})
	}
	for _, e := range d.Edges {
		src, dst := e.Endpoints()
		_, multi := e.(graph.MultiEdge)
		doc.Edges = append(doc.Edges, EdgeDoc{
			Source: src.String(),
			Target: dst.String(),
			Count:  e.Multiplicity(),
			Multi:  multi,
		})
	}
	return doc
}

func keyStrings(keys []graph.NodeKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
