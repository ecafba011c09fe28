// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package attach implements the attachment pre-stage of the TalentDesk
// chat pipeline.
//
// Attachments are uploaded before the chat call; the chat request then
// carries only the returned opaque identifiers, never raw bytes. The
// pre-stage is all-or-nothing: if any upload fails, no identifiers are
// returned and the turn aborts before a chat request is made.
package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TalentDesk/pkg/logging"
	"github.com/AleutianAI/TalentDesk/pkg/transport"
)

// =============================================================================
// Attachment Types
// =============================================================================

// Kind classifies an attachment for the gateway.
type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Attachment is a local binary payload staged for upload.
type Attachment struct {
	// LocalID identifies the attachment within the host UI (e.g. the
	// file-picker entry). Opaque to this package.
	LocalID string

	// Kind is image or file.
	Kind Kind

	// Filename is the name presented to the upload endpoint.
	Filename string

	// Payload holds the raw bytes. Never forwarded to the chat
	// endpoint; only the remote identifier is.
	Payload []byte
}

// MaxAttachmentBytes caps a single attachment payload.
const MaxAttachmentBytes = 16 * 1024 * 1024 // 16MB

// =============================================================================
// Uploader
// =============================================================================

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	// BaseURL is the gateway root.
	BaseURL string

	// Path is the upload endpoint. Default: "/v1/files".
	Path string

	// Client is the HTTP client to use. Default: 5-minute timeout to
	// accommodate large payloads on slow links.
	Client transport.HTTPClient

	// Concurrency bounds parallel uploads. Default: 4.
	Concurrency int

	// Logger for structured logging. Default: logging.Default().
	Logger *logging.Logger
}

// Uploader pre-stages attachments against the gateway upload endpoint.
//
// Files upload concurrently, bounded by Concurrency. The result is
// atomic from the caller's perspective: either every attachment's
// remote identifier is returned, in the order the attachments were
// given, or an error and zero identifiers. A chat request can never
// end up referencing a partial set.
type Uploader struct {
	client      transport.HTTPClient
	url         string
	concurrency int
	logger      *logging.Logger
}

// NewUploader creates an Uploader for the given gateway.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("uploader: BaseURL is required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/files"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Uploader{
		client:      client,
		url:         strings.TrimRight(cfg.BaseURL, "/") + path,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Upload stages every attachment and returns their remote identifiers
// in input order.
//
// Any individual failure fails the whole pre-stage, cancelling the
// remaining uploads; the returned identifier slice is nil in that
// case. Cancellation via the handle returns transport.ErrCancelled
// with the same silent-terminal semantics as the streaming path.
func (u *Uploader) Upload(ctx context.Context, handle *transport.SessionHandle, attachments []Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	tracer := otel.Tracer("talentdesk.attach")
	ctx, span := tracer.Start(ctx, "Uploader.Upload")
	defer span.End()
	span.SetAttributes(attribute.Int("attachments", len(attachments)))

	for _, a := range attachments {
		if len(a.Payload) > MaxAttachmentBytes {
			err := fmt.Errorf("attachment %q exceeds %d bytes", a.Filename, MaxAttachmentBytes)
			span.RecordError(err)
			span.SetStatus(codes.Error, "attachment too large")
			return nil, err
		}
	}

	if handle.Cancelled() {
		return nil, transport.ErrCancelled
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	var mu sync.Mutex
	ids := make([]string, len(attachments))

	for i, a := range attachments {
		g.Go(func() error {
			if handle.Cancelled() {
				return transport.ErrCancelled
			}
			id, err := u.uploadOne(gctx, a)
			if err != nil {
				return fmt.Errorf("uploading %q: %w", a.Filename, err)
			}
			mu.Lock()
			ids[i] = id
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if handle.Cancelled() || errors.Is(err, transport.ErrCancelled) {
			return nil, transport.ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		u.logger.Error("attachment pre-stage failed",
			"attachments", len(attachments),
			"error", err,
		)
		return nil, err
	}

	if handle.Cancelled() {
		return nil, transport.ErrCancelled
	}

	u.logger.Info("attachments staged",
		"attachments", len(attachments),
	)
	return ids, nil
}

// uploadOne sends a single multipart upload and returns the remote
// identifier.
func (u *Uploader) uploadOne(ctx context.Context, a Attachment) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", a.Filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(a.Payload); err != nil {
		return "", fmt.Errorf("writing payload: %w", err)
	}
	if err := writer.WriteField("kind", string(a.Kind)); err != nil {
		return "", fmt.Errorf("writing kind field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &body)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			u.logger.Error("failed to close upload body", "error", closeErr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &transport.GatewayError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upload failed with status %d", resp.StatusCode),
		}
	}

	var parsed struct {
		FileIDs []string `json:"file_ids"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}
	if len(parsed.FileIDs) != 1 {
		return "", fmt.Errorf("upload returned %d file ids, want 1", len(parsed.FileIDs))
	}
	return parsed.FileIDs[0], nil
}
