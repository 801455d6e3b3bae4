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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /depgraph endpoints on rg.
//
// Endpoints:
//
//	GET  /depgraph/health        - Service and session status
//	GET  /depgraph/view          - Latest view record (JSON)
//	GET  /depgraph/view/:format  - Latest display graph as mermaid, dot or json
//	POST /depgraph/roots         - Set the active files
//	POST /depgraph/depth         - Set the display depth
//	POST /depgraph/force         - Show over-threshold graphs
//	POST /depgraph/rebuild       - Rebuild from the current roots
//	GET  /depgraph/ws            - WebSocket stream of view records
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	dg := rg.Group("/depgraph")
	{
		dg.GET("/health", h.HandleHealth)
		dg.GET("/view", h.HandleView)
		dg.GET("/view/:format", h.HandleViewFormat)
		dg.POST("/roots", h.HandleSetRoots)
		dg.POST("/depth", h.HandleSetDepth)
		dg.POST("/force", h.HandleSetForce)
		dg.POST("/rebuild", h.HandleRebuild)
		dg.GET("/ws", h.HandleWebSocket)
	}
}

// NewRouter builds the gin engine with tracing, request logging, the v1
// routes and, when metrics is non-nil, GET /metrics.
func NewRouter(h *Handlers, serviceName string, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestLogger(h.logger))

	RegisterRoutes(router.Group("/v1"), h)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
