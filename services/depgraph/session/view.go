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
	"time"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/stats"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

// View is one published state of a session.
//
// Display is nil when the display graph exceeds the node threshold and
// the session is not forced; NodeCount and Degree still describe it so a
// client can decide whether to ask for it anyway.
type View struct {
	ID          string
	SessionID   string
	Sequence    uint64
	CreatedAt   time.Time
	Reason      string
	ActiveFiles []string
	Depth       int

	Display *graph.DisplayGraph
	Degree  *stats.Result[int]

	NodeCount  int
	EdgeCount  int
	GraphNodes int
	GraphEdges int

	MaxNodes      int
	OverThreshold bool
	Forced        bool
}

// Withheld reports whether the display graph was held back by the
// threshold.
func (v *View) Withheld() bool {
	return v.Display == nil
}

// DegreeSummary is the persisted part of a degree distribution.
type DegreeSummary struct {
	Count int     `json:"count"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Mode  int     `json:"mode"`
	Mean  float64 `json:"mean"`
}

// ViewRecord is the serialized form of a View, as stored by snapshot
// sinks and pushed to clients.
type ViewRecord struct {
	ID            string                  `json:"id"`
	SessionID     string                  `json:"session_id"`
	Sequence      uint64                  `json:"sequence"`
	CreatedAt     time.Time               `json:"created_at"`
	Reason        string                  `json:"reason"`
	ActiveFiles   []string                `json:"active_files"`
	Depth         int                     `json:"depth"`
	NodeCount     int                     `json:"node_count"`
	EdgeCount     int                     `json:"edge_count"`
	GraphNodes    int                     `json:"graph_nodes"`
	GraphEdges    int                     `json:"graph_edges"`
	MaxNodes      int                     `json:"max_nodes"`
	OverThreshold bool                    `json:"over_threshold"`
	Forced        bool                    `json:"forced"`
	Degree        *DegreeSummary          `json:"degree,omitempty"`
	Document      *visualization.Document `json:"document,omitempty"`
}

// Record converts the view into its serialized form.
func (v *View) Record() ViewRecord {
	rec := ViewRecord{
		ID:            v.ID,
		SessionID:     v.SessionID,
		Sequence:      v.Sequence,
		CreatedAt:     v.CreatedAt,
		Reason:        v.Reason,
		ActiveFiles:   v.ActiveFiles,
		Depth:         v.Depth,
		NodeCount:     v.NodeCount,
		EdgeCount:     v.EdgeCount,
		GraphNodes:    v.GraphNodes,
		GraphEdges:    v.GraphEdges,
		MaxNodes:      v.MaxNodes,
		OverThreshold: v.OverThreshold,
		Forced:        v.Forced,
	}
	if v.Degree != nil {
		rec.Degree = &DegreeSummary{
			Count: v.Degree.Count,
			Min:   v.Degree.Min,
			Max:   v.Degree.Max,
			Mode:  v.Degree.Mode,
			Mean:  v.Degree.Mean,
		}
	}
	if v.Display != nil {
		rec.Document = visualization.NewDocument(v.Display)
	}
	return rec
}
