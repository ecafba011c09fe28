// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// Streaming Decoder
// =============================================================================

// doneSentinel is the terminal payload the gateway sends after the last
// content event.
const doneSentinel = "[DONE]"

// maxPendingLineBytes bounds the partial-line buffer. A stream that
// keeps sending bytes with no newline would otherwise grow the buffer
// without limit; once a line exceeds this, the whole line is dropped
// under the leniency policy and decoding resumes at the next newline.
const maxPendingLineBytes = 1 << 20 // 1MB

// Decoder converts successive byte chunks into StreamEvents.
//
// Chunk boundaries carry no meaning: a chunk may split a line or a
// multi-byte UTF-8 character. The decoder accumulates bytes and only
// splits at newline bytes, so a partially received rune is carried
// forward intact inside the pending buffer until its line completes.
// Feeding the same input as one chunk or as N chunks yields the
// identical event list.
//
// Line handling follows a deliberate leniency policy: blank lines,
// comment lines (leading ":"), lines without the "data:" prefix,
// payloads that fail JSON parsing, and lines longer than
// maxPendingLineBytes are silently dropped. The protocol permits
// keep-alive noise and this decoder tolerates it rather than
// escalating.
//
// A Decoder is stateful and serves exactly one stream. It is not safe
// for concurrent use; drive it from a single read loop.
//
// Example:
//
//	dec := wire.NewDecoder()
//	for {
//	    n, err := body.Read(buf)
//	    for _, ev := range dec.Feed(buf[:n]) {
//	        handle(ev)
//	    }
//	    if err != nil {
//	        break
//	    }
//	}
//	for _, ev := range dec.Flush() {
//	    handle(ev)
//	}
type Decoder struct {
	pending []byte
	index   int
	closed  bool

	// discarding is set while skipping the remainder of a line that
	// outgrew maxPendingLineBytes.
	discarding bool
}

// NewDecoder creates a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk and returns the events completed by it,
// in arrival order. The trailing partial line, if any, is retained for
// the next call.
//
// After a terminal event has been emitted, Feed consumes and discards
// all further input.
func (d *Decoder) Feed(chunk []byte) []StreamEvent {
	if d.closed {
		return nil
	}

	d.pending = append(d.pending, chunk...)

	var events []StreamEvent
	for {
		nl := bytes.IndexByte(d.pending, '\n')
		if nl < 0 {
			break
		}
		line := string(d.pending[:nl])
		d.pending = d.pending[nl+1:]

		if d.discarding {
			// Tail of an oversized line; skip it and resume.
			d.discarding = false
			continue
		}

		events = append(events, d.parseLine(line)...)
		if d.closed {
			d.pending = nil
			break
		}
	}

	if !d.closed && len(d.pending) > maxPendingLineBytes {
		d.pending = nil
		d.discarding = true
	}
	return events
}

// Flush parses the buffered remainder at end of input.
//
// A final chunk that ends exactly at a line break leaves nothing to
// flush; a final line the server sent without a trailing newline is
// parsed and emitted here. Call Flush exactly once, after the last
// Feed.
func (d *Decoder) Flush() []StreamEvent {
	if d.closed || d.discarding || len(d.pending) == 0 {
		return nil
	}
	line := string(d.pending)
	d.pending = nil
	return d.parseLine(line)
}

// Closed reports whether a terminal event has been emitted. Once
// closed, the decoder emits nothing further.
func (d *Decoder) Closed() bool {
	return d.closed
}

// parseLine classifies one complete line and returns zero or more
// events. A single data line may carry several payload fields; each is
// checked independently and emitted in a fixed field order (content,
// context_preview, semantic_action, error).
func (d *Decoder) parseLine(line string) []StreamEvent {
	line = strings.TrimSpace(line)

	// Blank lines are keep-alive delimiters, ":" starts a comment.
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}

	var payload string
	switch {
	case strings.HasPrefix(line, "data: "):
		payload = strings.TrimPrefix(line, "data: ")
	case strings.HasPrefix(line, "data:"):
		// Some servers omit the space after the colon.
		payload = strings.TrimPrefix(line, "data:")
	default:
		return nil
	}

	if strings.TrimSpace(payload) == doneSentinel {
		d.closed = true
		return []StreamEvent{d.emit(StreamEvent{Kind: EventDone})}
	}

	var raw struct {
		Content        *string         `json:"content"`
		ContextPreview json.RawMessage `json:"context_preview"`
		SemanticAction *string         `json:"semantic_action"`
		Error          *string         `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		// Malformed payload, dropped per the leniency policy.
		return nil
	}

	var events []StreamEvent

	if raw.Content != nil {
		events = append(events, d.emit(StreamEvent{
			Kind:    EventContentDelta,
			Content: *raw.Content,
		}))
	}

	if len(raw.ContextPreview) > 0 {
		var preview *string
		if !bytes.Equal(bytes.TrimSpace(raw.ContextPreview), []byte("null")) {
			var s string
			if err := json.Unmarshal(raw.ContextPreview, &s); err != nil {
				preview = nil
			} else {
				preview = &s
			}
		}
		events = append(events, d.emit(StreamEvent{
			Kind:    EventContextPreview,
			Preview: preview,
		}))
	}

	if raw.SemanticAction != nil {
		events = append(events, d.emit(StreamEvent{
			Kind:   EventSemanticAction,
			Action: *raw.SemanticAction,
		}))
	}

	if raw.Error != nil {
		events = append(events, d.emit(StreamEvent{
			Kind: EventError,
			Err:  *raw.Error,
		}))
		d.closed = true
	}

	return events
}

// emit stamps the arrival-order index and tracks terminal state.
func (d *Decoder) emit(ev StreamEvent) StreamEvent {
	ev.Index = d.index
	d.index++
	if ev.Kind == EventDone {
		d.closed = true
	}
	return ev
}
