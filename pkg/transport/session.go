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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/TalentDesk/pkg/logging"
	"github.com/AleutianAI/TalentDesk/pkg/wire"
)

// =============================================================================
// HTTP Client Interface
// =============================================================================

// HTTPClient abstracts HTTP execution for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Streamer
// =============================================================================

// maxErrorBodyBytes bounds how much of a failed handshake's body is
// read while extracting an error message.
const maxErrorBodyBytes = 32 * 1024

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	// BaseURL is the gateway root, e.g. "http://localhost:8090".
	BaseURL string

	// Path is the streaming chat endpoint. Default: "/v1/chat/stream".
	Path string

	// Client is the HTTP client to use. Default: a client with no
	// overall timeout; the request context governs the exchange's
	// lifetime since a healthy stream may legitimately run for minutes.
	Client HTTPClient

	// Logger for structured logging. Default: logging.Default().
	Logger *logging.Logger
}

// Streamer owns exactly one streaming network exchange per call.
//
// Stream issues the POST, drives a wire.Decoder over successive body
// reads, and delivers events through the callback in arrival order.
// The response body is closed on every exit path: completion, failure,
// and cancellation alike.
//
// Stream never emits Error events itself. Pre-content failures are
// returned as typed errors so the Pipeline can decide between the
// fallback path and surfacing an Error; server-sent error events pass
// through the callback like any other event.
//
// # Thread Safety
//
// A Streamer is stateless between calls and safe for concurrent use;
// each Stream call owns its own decoder and response.
type Streamer struct {
	client HTTPClient
	url    string
	logger *logging.Logger
}

// NewStreamer creates a Streamer for the given gateway.
func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("streamer: BaseURL is required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/chat/stream"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Streamer{
		client: client,
		url:    strings.TrimRight(cfg.BaseURL, "/") + path,
		logger: logger,
	}, nil
}

// Stream performs one streaming chat exchange.
//
// The handle is checked at every suspension point: before each read
// and before each event delivery. On cancellation the body is released
// and ErrCancelled is returned without delivering further events.
//
// Returns nil when a terminal event (done or error) was delivered.
// Pre-content and mid-stream failures are returned as errors:
// *GatewayError for handshake failures, ErrUnreadableStream when the
// body yields nothing, ErrStreamTruncated when the server hangs up
// without a terminal event, and the wrapped read error for network
// drops.
func (s *Streamer) Stream(ctx context.Context, handle *SessionHandle, req *SendRequest, callback wire.StreamCallback) error {
	tracer := otel.Tracer("talentdesk.transport")
	ctx, span := tracer.Start(ctx, "Streamer.Stream")
	defer span.End()

	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.Bool("use_retrieval", req.UseRetrieval),
		attribute.Int("history_len", len(req.ChatHistory)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if handle.Cancelled() {
			return ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		return &GatewayError{Message: err.Error(), Retryable: true}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Error("failed to close stream body",
				"request_id", req.RequestID,
				"error", closeErr,
			)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		gwErr := newGatewayError(resp.StatusCode, errBody)
		span.RecordError(gwErr)
		span.SetStatus(codes.Error, "handshake failed")
		return gwErr
	}

	s.logger.Debug("stream opened",
		"request_id", req.RequestID,
		"url", s.url,
	)

	err = s.readLoop(handle, resp.Body, callback)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			span.SetAttributes(attribute.Bool("cancelled", true))
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return err
	}
	return nil
}

// readLoop reads the body chunk by chunk, feeding the decoder and
// delivering completed events. The decoder instance persists across
// reads, so lines and multi-byte characters split across chunks are
// reassembled correctly.
func (s *Streamer) readLoop(handle *SessionHandle, body io.Reader, callback wire.StreamCallback) error {
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	bytesRead := 0

	for {
		// Cancellation is checked before the read, the suspension point.
		if handle.Cancelled() {
			return ErrCancelled
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			bytesRead += n
			terminal, err := s.deliver(handle, dec.Feed(buf[:n]), callback)
			if err != nil {
				return err
			}
			if terminal {
				return nil
			}
		}

		if readErr != nil {
			if handle.Cancelled() {
				return ErrCancelled
			}
			if errors.Is(readErr, io.EOF) {
				terminal, err := s.deliver(handle, dec.Flush(), callback)
				if err != nil {
					return err
				}
				if terminal {
					return nil
				}
				if bytesRead == 0 {
					return ErrUnreadableStream
				}
				return ErrStreamTruncated
			}
			if errors.Is(readErr, context.Canceled) {
				return ErrCancelled
			}
			return fmt.Errorf("reading stream: %w", readErr)
		}
	}
}

// deliver invokes the callback for each event, honoring cancellation
// between events. Returns terminal=true once a done or error event has
// been delivered; anything the decoder produced after it is dropped.
func (s *Streamer) deliver(handle *SessionHandle, events []wire.StreamEvent, callback wire.StreamCallback) (bool, error) {
	for _, ev := range events {
		if handle.Cancelled() {
			return false, ErrCancelled
		}
		if err := callback(ev); err != nil {
			return false, err
		}
		if ev.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
