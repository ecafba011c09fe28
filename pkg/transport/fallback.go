// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/TalentDesk/pkg/logging"
)

// =============================================================================
// Fallback Invoker
// =============================================================================

// FallbackConfig configures a Fallback.
type FallbackConfig struct {
	// BaseURL is the gateway root.
	BaseURL string

	// Path is the non-streaming chat endpoint. Default: "/v1/chat".
	Path string

	// Client is the HTTP client to use. Default: 2-minute timeout,
	// which bounds the single-shot exchange end to end.
	Client HTTPClient

	// Logger for structured logging. Default: logging.Default().
	Logger *logging.Logger
}

// Fallback retries a chat turn against the non-streaming endpoint.
//
// It is used when streaming fails before any content was delivered,
// so downstream consumers see the same event vocabulary regardless of
// which path answered. The Pipeline owns that decision; Fallback only
// performs the single-shot exchange.
type Fallback struct {
	client HTTPClient
	url    string
	logger *logging.Logger
}

// NewFallback creates a Fallback invoker for the given gateway.
func NewFallback(cfg FallbackConfig) (*Fallback, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fallback: BaseURL is required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/chat"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Fallback{
		client: client,
		url:    strings.TrimRight(cfg.BaseURL, "/") + path,
		logger: logger,
	}, nil
}

// Invoke performs the single-shot exchange for the same logical
// request that failed to stream.
//
// The handle is observed before dispatch and after the response:
// cancellation at either point returns ErrCancelled and the response
// is discarded. No retry is attempted on failure.
func (f *Fallback) Invoke(ctx context.Context, handle *SessionHandle, req *SendRequest) (*FallbackResponse, error) {
	tracer := otel.Tracer("talentdesk.transport")
	ctx, span := tracer.Start(ctx, "Fallback.Invoke")
	defer span.End()

	req.EnsureDefaults()
	span.SetAttributes(attribute.String("request_id", req.RequestID))

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	if handle.Cancelled() {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling fallback request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating fallback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	f.logger.Info("invoking non-streaming fallback",
		"request_id", req.RequestID,
		"url", f.url,
	)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if handle.Cancelled() {
			return nil, ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		return nil, &GatewayError{Message: err.Error(), Retryable: true}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Error("failed to close fallback body",
				"request_id", req.RequestID,
				"error", closeErr,
			)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		if handle.Cancelled() {
			return nil, ErrCancelled
		}
		span.RecordError(err)
		return nil, fmt.Errorf("reading fallback response: %w", err)
	}

	if handle.Cancelled() {
		return nil, ErrCancelled
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := newGatewayError(resp.StatusCode, respBody)
		span.RecordError(gwErr)
		span.SetStatus(codes.Error, "fallback failed")
		return nil, gwErr
	}

	var parsed FallbackResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parsing fallback response: %w", err)
	}

	span.SetAttributes(attribute.String("provider", parsed.Provider))
	return &parsed, nil
}
