// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/TalentDesk/pkg/transport"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/llm"
)

// HandleFallbackChat serves POST /v1/chat, the non-streaming path
// clients retry on when streaming fails before any content arrived.
func HandleFallbackChat(responder llm.Responder) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleFallbackChat")
		defer span.End()

		var req transport.SendRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
			return
		}
		if req.Message == "" && len(req.AttachmentIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "message or attachment_ids is required"})
			return
		}
		span.SetAttributes(attribute.String("request_id", req.RequestID))

		answer, err := responder.Answer(ctx, req.Message, toHistory(req.ChatHistory))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "responder failed")
			slog.Error("fallback responder failed", "request_id", req.RequestID, "error", err)
			fallbackTurnsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "answer generation failed"})
			return
		}

		fallbackTurnsTotal.WithLabelValues("completed").Inc()
		c.JSON(http.StatusOK, transport.FallbackResponse{
			Response:      answer,
			Provider:      responder.Name(),
			UsedRetrieval: req.UseRetrieval,
		})
	}
}
