// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// =============================================================================
// Session Handle
// =============================================================================

// SessionHandle correlates one in-flight chat turn with its
// cancellation token.
//
// The handle is a one-shot signal: created when the user submits,
// invalidated on completion, error, or explicit cancellation, never
// reused. Both the streaming read loop and the fallback call observe
// it at every suspension point.
//
// Cancel is synchronous: the cancelled flag is set before the derived
// context is cancelled, so any observer that checks Cancelled() after
// Cancel returns is guaranteed to see true. This ordering is what
// keeps late events from mutating conversation state after a cancel.
//
// # Thread Safety
//
// SessionHandle is safe for concurrent use. Cancel may be called from
// any goroutine, any number of times.
type SessionHandle struct {
	id        string
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSessionHandle creates a handle whose context derives from parent.
//
// Cancelling the parent cancels the handle's context but does not set
// the cancelled flag; use Cancel for user-initiated cancellation so
// the silent-terminal semantics apply.
func NewSessionHandle(parent context.Context) *SessionHandle {
	ctx, cancel := context.WithCancel(parent)
	return &SessionHandle{
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the unique identifier for this turn.
func (h *SessionHandle) ID() string {
	return h.id
}

// Context returns the context governing this turn's network calls.
func (h *SessionHandle) Context() context.Context {
	return h.ctx
}

// Cancel invalidates the handle and cancels its context, in that
// order. Safe to call twice, or after natural completion; both are
// no-ops beyond the first call.
func (h *SessionHandle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (h *SessionHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Release cancels the underlying context without marking the handle
// user-cancelled. Called by the pipeline when a turn reaches a natural
// terminal state, so the context is not leaked.
func (h *SessionHandle) Release() {
	h.cancel()
}
