// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"errors"

	"github.com/AleutianAI/TalentDesk/pkg/logging"
	"github.com/AleutianAI/TalentDesk/pkg/wire"
)

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline composes the streaming path with the fallback path behind
// one event contract.
//
// Policy (deliberate and testable): the fallback runs if and only if
// streaming failed before any ContentDelta was delivered. Once even
// one fragment has reached the consumer, a later failure surfaces as
// a single Error event instead; falling back at that point would
// duplicate or overwrite content the user has already seen. Requests
// rejected by client-side validation also never fall back: they
// surface as a single Error event without touching the network.
//
// Whatever path answers, the consumer observes the same vocabulary:
// zero or more ContentDelta/ContextPreview/SemanticAction events
// followed by exactly one terminal event, or nothing at all when the
// turn was cancelled.
type Pipeline struct {
	streamer *Streamer
	fallback *Fallback
	logger   *logging.Logger
}

// NewPipeline creates a Pipeline from its two paths.
func NewPipeline(streamer *Streamer, fallback *Fallback, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		streamer: streamer,
		fallback: fallback,
		logger:   logger,
	}
}

// Send runs one chat turn end to end.
//
// Events are delivered to callback in arrival order. Send returns
// ErrCancelled when the handle was cancelled (nothing further was
// emitted), the callback's own error when it aborted the stream, and
// nil when a terminal event was delivered.
func (p *Pipeline) Send(ctx context.Context, handle *SessionHandle, req *SendRequest, callback wire.StreamCallback) error {
	deltas := 0
	delivered := 0
	var callbackErr error

	counting := func(ev wire.StreamEvent) error {
		if err := callback(ev); err != nil {
			callbackErr = err
			return err
		}
		delivered++
		if ev.Kind == wire.EventContentDelta {
			deltas++
		}
		return nil
	}

	err := p.streamer.Stream(ctx, handle, req, counting)
	if err == nil {
		return nil
	}
	if IsCancelled(err) {
		return ErrCancelled
	}
	if callbackErr != nil && errors.Is(err, callbackErr) {
		return err
	}
	if IsValidationError(err) {
		// The request never left the client; retrying it through the
		// fallback would transmit what validation rejected.
		p.logger.Warn("send request rejected locally",
			"request_id", req.RequestID,
			"error", err,
		)
		return p.emit(handle, callback, wire.StreamEvent{
			Kind:  wire.EventError,
			Err:   errorText(err),
			Index: delivered,
		})
	}

	if deltas > 0 {
		// Content already reached the consumer. Surface the failure,
		// never fall back.
		p.logger.Warn("mid-stream failure after content",
			"request_id", req.RequestID,
			"deltas", deltas,
			"error", err,
		)
		return p.emit(handle, callback, wire.StreamEvent{
			Kind:  wire.EventError,
			Err:   errorText(err),
			Index: delivered,
		})
	}

	p.logger.Warn("streaming failed before content, falling back",
		"request_id", req.RequestID,
		"error", err,
	)

	resp, fbErr := p.fallback.Invoke(ctx, handle, req)
	if fbErr != nil {
		if IsCancelled(fbErr) {
			return ErrCancelled
		}
		return p.emit(handle, callback, wire.StreamEvent{
			Kind:  wire.EventError,
			Err:   errorText(fbErr),
			Index: delivered,
		})
	}

	// Normalize the single-shot answer into the streaming vocabulary:
	// one ContentDelta with the full text, then Done.
	if err := p.emit(handle, callback, wire.StreamEvent{
		Kind:    wire.EventContentDelta,
		Content: resp.Response,
		Index:   delivered,
	}); err != nil {
		return err
	}
	return p.emit(handle, callback, wire.StreamEvent{
		Kind:  wire.EventDone,
		Index: delivered + 1,
	})
}

// Events adapts Send's callback loop to a receive-only channel, for
// consumers that prefer ranging over events. The channel is closed
// when the turn ends; a cancelled turn closes it without a terminal
// event. A consumer that stops receiving mid-stream must cancel ctx
// (or the handle) so the delivery goroutine can exit and the channel
// close.
func (p *Pipeline) Events(ctx context.Context, handle *SessionHandle, req *SendRequest) <-chan wire.StreamEvent {
	ch := make(chan wire.StreamEvent, 16)
	go func() {
		defer close(ch)
		_ = p.Send(ctx, handle, req, func(ev wire.StreamEvent) error {
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ErrCancelled
			case <-handle.Context().Done():
				return ErrCancelled
			}
		})
	}()
	return ch
}

// emit delivers a synthesized event, honoring cancellation first.
func (p *Pipeline) emit(handle *SessionHandle, callback wire.StreamCallback, ev wire.StreamEvent) error {
	if handle.Cancelled() {
		return ErrCancelled
	}
	return callback(ev)
}

// errorText extracts the human-readable message from a pipeline error.
func errorText(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
