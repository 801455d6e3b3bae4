// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes a dependency graph session over HTTP.
//
// Renderers poll the current view or receive every published view over a
// WebSocket, and drive the session by posting the active files, the
// display depth, the force flag and rebuild requests.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
)

// Session is the part of session.Session the handlers use.
type Session interface {
	ID() string
	Latest() (*session.View, bool)
	Settings() session.Settings
	SetActiveFiles(ctx context.Context, files []string) error
	SetDepth(ctx context.Context, depth int) error
	SetForce(ctx context.Context, force bool) error
	Rebuild(ctx context.Context) error
	Subscribe() (<-chan *session.View, func())
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional context.
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string           `json:"status"`
	Version  string           `json:"version"`
	Session  session.Settings `json:"session"`
	HasView  bool             `json:"has_view"`
	Sequence uint64           `json:"sequence"`
}

// RootsRequest sets the active files.
type RootsRequest struct {
	Files []string `json:"files"`
}

// DepthRequest sets the display depth.
type DepthRequest struct {
	Depth *int `json:"depth" binding:"required"`
}

// ForceRequest sets the force flag.
type ForceRequest struct {
	Force *bool `json:"force" binding:"required"`
}

// errorStatus maps session and graph errors to HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, graph.ErrInvalidDepth):
		return http.StatusBadRequest, "invalid_depth"
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, session.ErrNoRoots):
		return http.StatusConflict, "no_roots"
	case errors.Is(err, graph.ErrConcurrentMutation):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, graph.ErrCancelled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
