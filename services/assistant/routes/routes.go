// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/hub"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/persistence"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/session"
)

// Deps carries everything the routes need. Durable may be nil when the
// service runs without disk persistence; the history endpoint then serves
// the in-memory window only.
type Deps struct {
	Dispatcher *hub.Dispatcher
	Sessions   *session.Store
	Durable    *persistence.Store
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", deps.Dispatcher.ServeWS())

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", listSessions(deps.Sessions))
			sessions.GET("/:sessionId/history", getSessionHistory(deps))
		}
		v1.GET("/connections", listConnections(deps.Dispatcher.Hub))
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func listSessions(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := store.List()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(sessions),
			"sessions": sessions,
		})
	}
}

// getSessionHistory serves the rolling window for live sessions and falls
// back to durable storage for sessions the sweeper has already expired.
func getSessionHistory(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		if msgs := deps.Sessions.History(sessionID); msgs != nil {
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			c.JSON(http.StatusOK, gin.H{
				"session_id": sessionID,
				"source":     "window",
				"messages":   msgs,
			})
			return
		}

		if deps.Durable == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		msgs, err := deps.Durable.History(sessionID, limit)
		if err != nil || len(msgs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"source":     "durable",
			"messages":   msgs,
		})
	}
}

func listConnections(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conns := h.Connections()
		c.JSON(http.StatusOK, gin.H{
			"count":       len(conns),
			"connections": conns,
		})
	}
}
