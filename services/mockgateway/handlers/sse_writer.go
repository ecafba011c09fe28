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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing chat stream lines to
// HTTP responses.
//
// # Description
//
// StreamWriter abstracts the wire line format, enabling testability
// and separation from HTTP response mechanics. Each line is a
// "data: {json}" record whose JSON object carries one or more of the
// content, context_preview, semantic_action, and error fields; the
// stream ends with the "data: [DONE]" sentinel.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple
// goroutines.
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
type StreamWriter interface {
	// WriteContent writes one content fragment.
	WriteContent(content string) error

	// WritePreview writes the retrieved-context preview, or an
	// explicit null when retrieval ran and found nothing.
	WritePreview(preview *string) error

	// WriteAction writes a semantic action directive for the
	// dashboard (e.g. a widget highlight).
	WriteAction(action string) error

	// WriteError writes an error line. The client treats it as
	// terminal; nothing should be written after it.
	WriteError(errMsg string) error

	// WriteDone writes the terminal sentinel.
	WriteDone() error

	// WriteKeepAlive sends a comment line to prevent connection
	// timeouts during slow backends. Clients ignore it.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// streamPayload is the JSON shape of one data line.
type streamPayload struct {
	Content        *string `json:"content,omitempty"`
	ContextPreview any     `json:"context_preview,omitempty"`
	SemanticAction *string `json:"semantic_action,omitempty"`
	Error          *string `json:"error,omitempty"`
}

// streamWriter writes the wire format over an http.ResponseWriter,
// flushing after every line so fragments reach the client as they are
// produced.
type streamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
// Returns an error when the writer cannot flush, since an unflushable
// stream would buffer the whole answer and defeat streaming.
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &streamWriter{writer: w, flusher: flusher}, nil
}

var _ StreamWriter = (*streamWriter)(nil)

func (s *streamWriter) WriteContent(content string) error {
	return s.writePayload(streamPayload{Content: &content})
}

func (s *streamWriter) WritePreview(preview *string) error {
	if preview == nil {
		// json.RawMessage keeps the explicit null on the wire; omitting
		// the field entirely would read as "retrieval never ran".
		return s.writePayload(streamPayload{ContextPreview: json.RawMessage("null")})
	}
	return s.writePayload(streamPayload{ContextPreview: *preview})
}

func (s *streamWriter) WriteAction(action string) error {
	return s.writePayload(streamPayload{SemanticAction: &action})
}

func (s *streamWriter) WriteError(errMsg string) error {
	return s.writePayload(streamPayload{Error: &errMsg})
}

func (s *streamWriter) WriteDone() error {
	return s.writeLine("data: [DONE]\n\n")
}

func (s *streamWriter) WriteKeepAlive() error {
	return s.writeLine(": ping\n\n")
}

func (s *streamWriter) writePayload(payload streamPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling stream payload: %w", err)
	}
	return s.writeLine("data: " + string(data) + "\n\n")
}

func (s *streamWriter) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.writer, line); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
