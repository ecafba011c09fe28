// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TalentDesk/services/mockgateway/handlers"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/llm"
)

// SetupRoutes registers every gateway endpoint on the router.
func SetupRoutes(router *gin.Engine, responder llm.Responder, opts handlers.StreamOptions) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": responder.Name()})
	})
	router.GET("/metrics", handlers.MetricsHandler())

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/stream", handlers.HandleStreamChat(responder, opts))
		v1.POST("/chat", handlers.HandleFallbackChat(responder))
		v1.POST("/files", handlers.HandleUpload())
	}
}
