// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport owns the network side of the TalentDesk chat
// pipeline: one streaming HTTP exchange per turn, the non-streaming
// fallback path, and the pipeline that composes the two behind a
// single event contract.
package transport

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxMessageContentBytes caps a single message's content.
	// Byte length, not rune count, to bound memory use.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryMessages caps the chat history carried per request.
	MaxHistoryMessages = 100

	// MaxAttachmentsPerTurn caps attachment references per request.
	MaxAttachmentsPerTurn = 16
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for transport datatypes.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length against MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Send Request
// =============================================================================

// HistoryMessage is one prior turn carried in a SendRequest.
type HistoryMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// SendRequest is the logical chat request for one user turn.
//
// Constructed fresh per turn and never mutated after dispatch. History
// excludes the pending user message (carried in Message) and the
// placeholder assistant entry.
//
// Example:
//
//	req := &transport.SendRequest{
//	    Message:      "who joined the platform team this quarter?",
//	    UseRetrieval: true,
//	    ChatHistory:  history,
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil {
//	    return err
//	}
type SendRequest struct {
	// Message is the user's text for this turn. May be empty when
	// AttachmentIDs carries the turn's content on its own.
	Message string `json:"message" validate:"required_without=AttachmentIDs,maxbytes"`

	// UseRetrieval asks the gateway to ground the answer in the
	// HR document index.
	UseRetrieval bool `json:"use_retrieval"`

	// ChatHistory holds the prior turns, oldest first.
	ChatHistory []HistoryMessage `json:"chat_history" validate:"max=100,dive"`

	// AttachmentIDs references pre-staged uploads. Either every
	// intended attachment is listed or the field is absent; a partial
	// list is never sent.
	AttachmentIDs []string `json:"attachment_ids,omitempty" validate:"omitempty,max=16,dive,required"`

	// RequestID uniquely identifies this request for audit trails.
	// Stamped by EnsureDefaults when empty.
	RequestID string `json:"request_id,omitempty"`
}

// EnsureDefaults stamps a RequestID if one is not already set.
func (r *SendRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
}

// Validate checks the request against the registered constraints. A
// failure is returned as a ValidationError so the pipeline can tell
// local rejection apart from network failure.
func (r *SendRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return &ValidationError{Err: fmt.Errorf("invalid send request: %w", err)}
	}
	return nil
}

// =============================================================================
// Fallback Response
// =============================================================================

// FallbackResponse is the non-streaming endpoint's single JSON reply.
type FallbackResponse struct {
	Response      string `json:"response"`
	Provider      string `json:"provider"`
	UsedRetrieval bool   `json:"used_retrieval"`
}
