// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the mock gateway's HTTP endpoints: the
// streaming chat stream, the non-streaming fallback, and attachment
// uploads.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/TalentDesk/pkg/transport"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/llm"
)

var chatTracer = otel.Tracer("talentdesk.mockgateway.handlers")

// StreamOptions tunes the streaming handler.
type StreamOptions struct {
	// TokenInterval paces content fragments. Zero streams as fast as
	// the connection allows, which tests use.
	TokenInterval time.Duration
}

// toHistory converts the wire history for the responder.
func toHistory(history []transport.HistoryMessage) []llm.HistoryEntry {
	out := make([]llm.HistoryEntry, 0, len(history))
	for _, h := range history {
		out = append(out, llm.HistoryEntry{Role: h.Role, Content: h.Content})
	}
	return out
}

// HandleStreamChat serves POST /v1/chat/stream.
//
// The full answer is produced first, then chopped into word fragments
// and paced onto the wire so clients exercise real incremental
// rendering. Client disconnects stop the stream mid-answer without a
// terminal line, matching what a dropped connection looks like in
// production.
func HandleStreamChat(responder llm.Responder, opts StreamOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleStreamChat")
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
		span.SetAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.Bool("use_retrieval", req.UseRetrieval),
			attribute.Int("history_len", len(req.ChatHistory)),
		)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		writer, err := NewStreamWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}

		answer, err := responder.Answer(ctx, req.Message, toHistory(req.ChatHistory))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "responder failed")
			slog.Error("responder failed", "request_id", req.RequestID, "error", err)
			_ = writer.WriteError("answer generation failed")
			streamTurnsTotal.WithLabelValues("error").Inc()
			return
		}

		if req.UseRetrieval {
			preview := buildPreview(req.Message)
			if err := writer.WritePreview(preview); err != nil {
				streamTurnsTotal.WithLabelValues("client_gone").Inc()
				return
			}
		}

		limiter := rate.NewLimiter(rate.Inf, 1)
		if opts.TokenInterval > 0 {
			limiter = rate.NewLimiter(rate.Every(opts.TokenInterval), 1)
		}

		for _, token := range tokenize(answer) {
			if err := limiter.Wait(ctx); err != nil {
				streamTurnsTotal.WithLabelValues("client_gone").Inc()
				return
			}
			if err := writer.WriteContent(token); err != nil {
				slog.Debug("client went away mid-stream", "request_id", req.RequestID)
				streamTurnsTotal.WithLabelValues("client_gone").Inc()
				return
			}
			streamTokensTotal.Inc()
		}

		if action, ok := actionFor(req.Message); ok {
			if err := writer.WriteAction(action); err != nil {
				streamTurnsTotal.WithLabelValues("client_gone").Inc()
				return
			}
		}

		if err := writer.WriteDone(); err != nil {
			streamTurnsTotal.WithLabelValues("client_gone").Inc()
			return
		}
		streamTurnsTotal.WithLabelValues("completed").Inc()
	}
}

// tokenize splits an answer into word fragments, each carrying its
// leading space so concatenation reproduces the answer exactly.
func tokenize(answer string) []string {
	words := strings.Split(answer, " ")
	tokens := make([]string, 0, len(words))
	for i, w := range words {
		if i == 0 {
			tokens = append(tokens, w)
			continue
		}
		tokens = append(tokens, " "+w)
	}
	return tokens
}

// buildPreview fabricates a retrieval preview for messages the canned
// corpus covers, and an explicit null for ones it does not.
func buildPreview(message string) *string {
	lowered := strings.ToLower(message)
	for keyword, source := range map[string]string{
		"headcount": "headcount_by_department.csv",
		"attrition": "attrition_trailing_12m.csv",
		"hiring":    "open_requisitions.csv",
	} {
		if strings.Contains(lowered, keyword) {
			preview := "matched: " + source
			return &preview
		}
	}
	return nil
}

// actionFor maps answers to dashboard directives.
func actionFor(message string) (string, bool) {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "headcount"):
		return "highlight:headcount-widget", true
	case strings.Contains(lowered, "attrition"):
		return "highlight:attrition-widget", true
	default:
		return "", false
	}
}
