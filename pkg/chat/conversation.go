// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/TalentDesk/pkg/attach"
	"github.com/AleutianAI/TalentDesk/pkg/logging"
	"github.com/AleutianAI/TalentDesk/pkg/transport"
	"github.com/AleutianAI/TalentDesk/pkg/wire"
)

// =============================================================================
// Dependency Interfaces
// =============================================================================

// Sender runs one chat turn against the gateway, streaming events to
// the callback. Satisfied by *transport.Pipeline.
type Sender interface {
	Send(ctx context.Context, handle *transport.SessionHandle, req *transport.SendRequest, callback wire.StreamCallback) error
}

// Uploader pre-stages attachments. Satisfied by *attach.Uploader.
type Uploader interface {
	Upload(ctx context.Context, handle *transport.SessionHandle, attachments []attach.Attachment) ([]string, error)
}

// =============================================================================
// Errors
// =============================================================================

// ErrBusy is returned when Submit is called while a turn is already in
// flight. UIs are expected to disable submission outside Idle.
var ErrBusy = errors.New("conversation busy: a turn is already in flight")

// ErrEmptySubmit is returned when a submit carries neither text nor
// attachments.
var ErrEmptySubmit = errors.New("nothing to submit")

// =============================================================================
// Conversation
// =============================================================================

// ConversationConfig configures a Conversation. Sender is required;
// everything else has a default.
type ConversationConfig struct {
	// Sender runs chat turns. Required.
	Sender Sender

	// Uploader pre-stages attachments. Required only if submits will
	// carry attachments.
	Uploader Uploader

	// SystemPrompt, when non-empty, seeds the history with a system
	// message that is carried in every request's chat history.
	SystemPrompt string

	// UseRetrieval sets the use_retrieval flag on every request.
	UseRetrieval bool

	// IdleTimeout bounds the silence between stream events. When the
	// gateway goes quiet for longer, the turn is cancelled with the
	// same silent semantics as a user-initiated cancel. Zero disables
	// the timeout and a stalled stream holds the turn open
	// indefinitely.
	IdleTimeout time.Duration

	// OnChange receives history change notifications. Optional.
	OnChange ChangeListener

	// Clock supplies timestamps. Default: time.Now.
	Clock func() time.Time

	// Logger for structured logging. Default: logging.Default().
	Logger *logging.Logger
}

// Conversation is the per-session orchestrator.
//
// It owns the history exclusively: transport and codec hold no state
// beyond one call, and at most one SessionHandle is active at a time,
// so no cross-turn interleaving is possible. Submit runs a turn to its
// terminal outcome; Cancel may be called concurrently from another
// goroutine.
//
// # State Machine
//
//	Idle -> Sending -> Streaming -> {Completed, Errored, Cancelled} -> Idle
//
// The user message is appended synchronously on submit and never
// rolled back; a failed send still leaves the user's turn visible.
// The assistant placeholder is appended optimistically at dispatch and
// removed only when the attachment pre-stage fails (no response was
// ever attempted).
type Conversation struct {
	mu        sync.Mutex
	cfg       ConversationConfig
	sessionID string
	history   []Message
	state     State
	outcome   Outcome
	lastError string
	errored   bool
	handle    *transport.SessionHandle
	logger    *logging.Logger
	clock     func() time.Time
}

// NewConversation creates a Conversation from config.
func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.Sender == nil {
		return nil, errors.New("conversation: Sender is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	c := &Conversation{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		state:     StateIdle,
		logger:    logger,
		clock:     clock,
	}
	if cfg.SystemPrompt != "" {
		c.history = append(c.history, Message{
			ID:        uuid.New().String(),
			Role:      RoleSystem,
			Content:   cfg.SystemPrompt,
			CreatedAt: clock().UnixMilli(),
		})
	}
	return c, nil
}

// SessionID returns the conversation's identifier.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastOutcome returns how the most recent turn ended, with the error
// text when the outcome is Errored.
func (c *Conversation) LastOutcome() (Outcome, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.lastError
}

// History returns a copy of the conversation history.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Cancel cancels the in-flight turn, if any.
//
// The token is invalidated synchronously before the transport releases
// its reader, so no event arriving after Cancel returns can mutate the
// history. Cancelling twice, or after natural completion, is a no-op.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}

// Submit runs one user turn to its terminal outcome.
//
// Submit blocks until the turn completes, errors, or is cancelled;
// run it from a goroutine when the caller must stay responsive, and
// use Cancel from anywhere to stop it. The returned error is non-nil
// only for rejected submits (ErrBusy, ErrEmptySubmit); turn-level
// failures are reported through the Errored outcome so the UI sees
// one total contract.
func (c *Conversation) Submit(ctx context.Context, text string, attachments []attach.Attachment) (Outcome, error) {
	tracer := otel.Tracer("talentdesk.chat")
	ctx, span := tracer.Start(ctx, "Conversation.Submit")
	defer span.End()

	handle, req, err := c.begin(ctx, text, attachments)
	if err != nil {
		return OutcomeNone, err
	}
	span.SetAttributes(
		attribute.String("session_id", c.sessionID),
		attribute.String("turn_id", handle.ID()),
		attribute.Int("attachments", len(attachments)),
	)

	if len(attachments) > 0 {
		ids, upErr := c.uploadAttachments(handle, attachments)
		if upErr != nil {
			outcome := c.finishUploadFailure(handle, upErr)
			span.SetAttributes(attribute.String("outcome", string(outcome)))
			return outcome, nil
		}
		req.AttachmentIDs = ids
	}

	var idle *time.Timer
	if c.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(c.cfg.IdleTimeout, handle.Cancel)
		defer idle.Stop()
	}

	sendErr := c.cfg.Sender.Send(handle.Context(), handle, req, c.makeCallback(handle, idle))

	outcome := c.finish(handle, sendErr)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, nil
}

// begin validates the submit, appends the user message and the
// placeholder, and constructs the request. Runs entirely under the
// lock; this is the synchronous, never-rolled-back part of a turn.
func (c *Conversation) begin(ctx context.Context, text string, attachments []attach.Attachment) (*transport.SessionHandle, *transport.SendRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if text == "" && len(attachments) == 0 {
		return nil, nil, ErrEmptySubmit
	}
	if c.state != StateIdle {
		return nil, nil, ErrBusy
	}
	if len(attachments) > 0 && c.cfg.Uploader == nil {
		return nil, nil, errors.New("conversation: attachments submitted without an Uploader")
	}

	// Prior turns only: the pending user message travels in the
	// request's Message field, never in its history.
	history := make([]transport.HistoryMessage, 0, len(c.history))
	for _, m := range c.history {
		history = append(history, transport.HistoryMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	handle := transport.NewSessionHandle(ctx)
	c.handle = handle
	c.state = StateSending
	c.outcome = OutcomeNone
	c.lastError = ""
	c.errored = false

	c.append(Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: c.clock().UnixMilli(),
	})
	c.append(Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   "",
		CreatedAt: c.clock().UnixMilli(),
	})

	req := &transport.SendRequest{
		Message:      text,
		UseRetrieval: c.cfg.UseRetrieval,
		ChatHistory:  history,
	}
	req.EnsureDefaults()

	c.logger.Info("turn submitted",
		"session_id", c.sessionID,
		"turn_id", handle.ID(),
		"request_id", req.RequestID,
		"history_len", len(history),
		"attachments", len(attachments),
	)

	return handle, req, nil
}

// uploadAttachments runs the pre-stage before any chat request.
func (c *Conversation) uploadAttachments(handle *transport.SessionHandle, attachments []attach.Attachment) ([]string, error) {
	return c.cfg.Uploader.Upload(handle.Context(), handle, attachments)
}

// makeCallback builds the event callback for one turn. Every mutation
// re-checks the handle first: a race between cancel and one more event
// resolves in favor of cancellation.
func (c *Conversation) makeCallback(handle *transport.SessionHandle, idle *time.Timer) wire.StreamCallback {
	return func(ev wire.StreamEvent) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if handle.Cancelled() {
			return transport.ErrCancelled
		}
		if idle != nil {
			idle.Reset(c.cfg.IdleTimeout)
		}

		pi := len(c.history) - 1

		switch ev.Kind {
		case wire.EventContentDelta:
			if c.state == StateSending {
				c.state = StateStreaming
			}
			c.history[pi].Content += ev.Content
			c.notify(Change{Kind: ChangePatch, Index: pi, Delta: ev.Content})

		case wire.EventContextPreview:
			if c.state == StateSending {
				c.state = StateStreaming
			}
			c.history[pi].ContextPreview = ev.Preview
			c.notify(Change{Kind: ChangePatch, Index: pi})

		case wire.EventSemanticAction:
			if c.state == StateSending {
				c.state = StateStreaming
			}
			c.history[pi].Actions = append(c.history[pi].Actions, ev.Action)
			c.notify(Change{Kind: ChangePatch, Index: pi})

		case wire.EventError:
			c.errored = true
			c.lastError = ev.Err
			// Never stomp partial content the user has already seen.
			if c.history[pi].Content == "" {
				c.history[pi].Content = ev.Err
				c.notify(Change{Kind: ChangePatch, Index: pi, Delta: ev.Err})
			}

		case wire.EventDone:
			// Finalization happens in finish.
		}
		return nil
	}
}

// finish resolves the turn to its terminal outcome and returns the
// conversation to Idle.
func (c *Conversation) finish(handle *transport.SessionHandle, sendErr error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := handle.Cancelled() || transport.IsCancelled(sendErr)
	handle.Release()
	c.handle = nil
	c.state = StateIdle

	switch {
	case cancelled:
		c.outcome = OutcomeCancelled
		c.lastError = ""
	case c.errored:
		c.outcome = OutcomeErrored
	case sendErr != nil:
		// Pipeline errors normally arrive as Error events; anything
		// else (e.g. a listener fault) still resolves to Errored.
		c.outcome = OutcomeErrored
		c.lastError = sendErr.Error()
		pi := len(c.history) - 1
		if c.history[pi].Role == RoleAssistant && c.history[pi].Content == "" {
			c.history[pi].Content = c.lastError
			c.notify(Change{Kind: ChangePatch, Index: pi, Delta: c.lastError})
		}
	default:
		c.outcome = OutcomeCompleted
	}

	c.logger.Info("turn finished",
		"session_id", c.sessionID,
		"turn_id", handle.ID(),
		"outcome", string(c.outcome),
	)
	return c.outcome
}

// finishUploadFailure resolves a turn that died in the pre-stage. The
// placeholder is removed (no response was ever attempted); the user
// message stays.
func (c *Conversation) finishUploadFailure(handle *transport.SessionHandle, upErr error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := handle.Cancelled() || transport.IsCancelled(upErr)
	handle.Release()
	c.handle = nil
	c.state = StateIdle

	pi := len(c.history) - 1
	if c.history[pi].Role == RoleAssistant && c.history[pi].Content == "" {
		c.history = c.history[:pi]
		c.notify(Change{Kind: ChangeRemove, Index: pi})
	}

	if cancelled {
		c.outcome = OutcomeCancelled
		c.lastError = ""
		return c.outcome
	}

	c.outcome = OutcomeErrored
	c.lastError = upErr.Error()
	c.logger.Error("turn aborted in attachment pre-stage",
		"session_id", c.sessionID,
		"turn_id", handle.ID(),
		"error", upErr,
	)
	return c.outcome
}

// append adds a message and notifies. Caller holds the lock.
func (c *Conversation) append(m Message) {
	c.history = append(c.history, m)
	c.notify(Change{Kind: ChangeAppend, Index: len(c.history) - 1, Message: m})
}

// notify invokes the change listener, if any. Caller holds the lock.
func (c *Conversation) notify(change Change) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(change)
	}
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ Sender = (*transport.Pipeline)(nil)
var _ Uploader = (*attach.Uploader)(nil)
