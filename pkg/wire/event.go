// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wire implements the TalentDesk chat streaming wire format.
//
// The gateway streams one event per line, UTF-8 text:
//
//	data: {"content": "<fragment>"}
//	data: {"context_preview": "<text or null>"}
//	data: {"semantic_action": "<tag>"}
//	data: {"error": "<message>"}
//	data: [DONE]
//
// This package converts that byte stream into typed StreamEvent values.
// It performs no I/O, no rendering, and no state management beyond the
// partial-line buffer a streaming parse requires. Transport and
// conversation layers compose on top of it.
package wire

// =============================================================================
// Event Types
// =============================================================================

// EventKind discriminates the StreamEvent union.
type EventKind string

const (
	// EventContentDelta carries an incremental fragment of assistant text.
	EventContentDelta EventKind = "content_delta"

	// EventContextPreview carries a preview of the retrieved context used
	// to answer, or an explicit null when retrieval found nothing.
	EventContextPreview EventKind = "context_preview"

	// EventSemanticAction carries an action tag the host UI may interpret
	// (e.g. highlight a dashboard widget). Opaque to this pipeline.
	EventSemanticAction EventKind = "semantic_action"

	// EventError carries a human-readable failure message.
	EventError EventKind = "error"

	// EventDone marks normal end of stream. Emitted at most once,
	// always last.
	EventDone EventKind = "done"
)

// StreamEvent is a single parsed event from the chat stream.
//
// Exactly one payload field is meaningful per event, selected by Kind:
//
//   - EventContentDelta:   Content
//   - EventContextPreview: Preview (nil means the server sent null)
//   - EventSemanticAction: Action
//   - EventError:          Err
//   - EventDone:           no payload
//
// Index is the zero-based position of the event within its session,
// assigned by the Decoder in arrival order. Consumers must not reorder
// events.
type StreamEvent struct {
	Kind    EventKind
	Content string
	Preview *string
	Action  string
	Err     string
	Index   int
}

// IsTerminal reports whether this event ends the session.
//
// Done ends a session normally. Error ends it abnormally. No event
// may follow a terminal event within one session.
func (e StreamEvent) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// StreamCallback receives parsed events in arrival order.
//
// Returning a non-nil error stops the stream; the error propagates to
// the caller of the read loop.
type StreamCallback func(event StreamEvent) error
