// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the answer backends for the mock gateway: a
// deterministic canned responder for development and tests, and an
// OpenAI passthrough for realistic end-to-end runs.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Responder produces one complete answer for a chat turn. The
// streaming handler chops the answer into tokens; the fallback handler
// returns it whole.
type Responder interface {
	// Answer generates the full response text for the given message.
	Answer(ctx context.Context, message string, history []HistoryEntry) (string, error)

	// Name identifies the backend in the fallback response's provider
	// field.
	Name() string
}

// HistoryEntry mirrors one prior turn as the gateway receives it.
type HistoryEntry struct {
	Role    string
	Content string
}

// NewResponderFromEnv picks a backend: OpenAI when OPENAI_API_KEY is
// set, canned otherwise.
func NewResponderFromEnv() Responder {
	if os.Getenv("OPENAI_API_KEY") != "" {
		r, err := NewOpenAIResponder()
		if err == nil {
			slog.Info("Using OpenAI responder")
			return r
		}
		slog.Warn("OpenAI responder unavailable, using canned answers", "error", err)
	}
	slog.Info("Using canned responder")
	return NewCannedResponder()
}

// =============================================================================
// Canned Responder
// =============================================================================

// CannedResponder answers from a fixed keyword table, deterministic
// across runs so client tests can assert on content.
type CannedResponder struct {
	answers        map[string]string
	fallbackAnswer string
}

// NewCannedResponder creates a responder with the stock HR answers.
func NewCannedResponder() *CannedResponder {
	return &CannedResponder{
		answers: map[string]string{
			"headcount": "Current headcount is 412 across 7 departments. Engineering is the largest at 163, followed by Sales at 98.",
			"attrition": "Trailing 12-month attrition is 11.4%, down from 13.1% the prior year. Voluntary attrition concentrates in the 1-2 year tenure band.",
			"hiring":    "There are 23 open requisitions. Median time to fill is 38 days; the platform team accounts for the longest-open roles.",
			"salary":    "Compensation data requires elevated access. Ask your HR business partner to grant the compensation scope.",
		},
		fallbackAnswer: "I can help with headcount, attrition, hiring pipeline, and org structure questions. What would you like to know?",
	}
}

// Answer implements Responder.
func (r *CannedResponder) Answer(ctx context.Context, message string, history []HistoryEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lowered := strings.ToLower(message)
	for keyword, answer := range r.answers {
		if strings.Contains(lowered, keyword) {
			return answer, nil
		}
	}
	return r.fallbackAnswer, nil
}

// Name implements Responder.
func (r *CannedResponder) Name() string { return "canned" }

// =============================================================================
// OpenAI Responder
// =============================================================================

// OpenAIResponder proxies the turn to the OpenAI chat completion API.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

// NewOpenAIResponder creates a responder from OPENAI_API_KEY and
// OPENAI_MODEL.
func NewOpenAIResponder() (*OpenAIResponder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	return &OpenAIResponder{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Answer implements Responder.
func (r *OpenAIResponder) Answer(ctx context.Context, message string, history []HistoryEntry) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, h := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    h.Role,
			Content: h.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Name implements Responder.
func (r *OpenAIResponder) Name() string { return "openai" }
