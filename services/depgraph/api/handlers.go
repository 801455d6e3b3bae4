// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handlers serves one session.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	sess         Session
	renderer     *visualization.Renderer
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRenderer sets the renderer used by the view/:format endpoint.
func WithRenderer(r *visualization.Renderer) HandlerOption {
	return func(h *Handlers) {
		if r != nil {
			h.renderer = r
		}
	}
}

// WithPingInterval sets the WebSocket keepalive interval.
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// NewHandlers creates handlers for sess.
func NewHandlers(sess Session, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		sess:         sess,
		renderer:     visualization.NewRenderer(nil),
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// respondLatest writes the current view record.
func (h *Handlers) respondLatest(c *gin.Context) {
	v, ok := h.sess.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no view published yet", Code: "no_view"})
		return
	}
	c.JSON(http.StatusOK, v.Record())
}

// HandleHealth returns service and session status.
//
// GET /v1/depgraph/health
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Session: h.sess.Settings(),
	}
	if v, ok := h.sess.Latest(); ok {
		resp.HasView = true
		resp.Sequence = v.Sequence
	}
	c.JSON(http.StatusOK, resp)
}

// HandleView returns the latest view as a JSON record.
//
// GET /v1/depgraph/view
func (h *Handlers) HandleView(c *gin.Context) {
	h.respondLatest(c)
}

// HandleViewFormat renders the latest display graph.
//
// GET /v1/depgraph/view/:format
//
// Responds 409 with code "over_threshold" when the view was withheld;
// the client may POST /force and retry.
func (h *Handlers) HandleViewFormat(c *gin.Context) {
	format, err := visualization.ParseFormat(c.Param("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "unsupported_format"})
		return
	}
	v, ok := h.sess.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no view published yet", Code: "no_view"})
		return
	}
	if v.Withheld() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "display graph exceeds node threshold",
			Code:    "over_threshold",
			Details: fmt.Sprintf("%d nodes, threshold %d", v.NodeCount, v.MaxNodes),
		})
		return
	}
	data, err := h.renderer.Render(v.Display, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("X-Depgraph-Sequence", fmt.Sprint(v.Sequence))
	c.Data(http.StatusOK, format.ContentType(), data)
}

// HandleSetRoots replaces the active files and returns the new view.
//
// POST /v1/depgraph/roots
func (h *Handlers) HandleSetRoots(c *gin.Context) {
	var req RootsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "bad_request", Details: err.Error()})
		return
	}
	if err := h.sess.SetActiveFiles(c.Request.Context(), req.Files); err != nil {
		h.fail(c, err)
		return
	}
	h.respondLatest(c)
}

// HandleSetDepth changes the display depth.
//
// POST /v1/depgraph/depth
func (h *Handlers) HandleSetDepth(c *gin.Context) {
	var req DepthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "bad_request", Details: err.Error()})
		return
	}
	if err := h.sess.SetDepth(c.Request.Context(), *req.Depth); err != nil {
		h.fail(c, err)
		return
	}
	h.respondLatest(c)
}

// HandleSetForce shows or hides over-threshold display graphs.
//
// POST /v1/depgraph/force
func (h *Handlers) HandleSetForce(c *gin.Context) {
	var req ForceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "bad_request", Details: err.Error()})
		return
	}
	if err := h.sess.SetForce(c.Request.Context(), *req.Force); err != nil {
		h.fail(c, err)
		return
	}
	h.respondLatest(c)
}

// HandleRebuild rebuilds the graph from the current roots.
//
// POST /v1/depgraph/rebuild
func (h *Handlers) HandleRebuild(c *gin.Context) {
	if err := h.sess.Rebuild(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.respondLatest(c)
}

// HandleWebSocket streams view records.
//
// GET /v1/depgraph/ws
//
// The latest view, if any, is sent on connect, followed by every view
// published while the connection is open. Client messages are ignored.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	views, unsubscribe := h.sess.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := ws.WriteJSON(v); err != nil {
			h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	var last uint64
	if v, ok := h.sess.Latest(); ok {
		if !send(v.Record()) {
			return
		}
		last = v.Sequence
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case v, ok := <-views:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if v.Sequence <= last {
				continue
			}
			if !send(v.Record()) {
				return
			}
			last = v.Sequence
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}
