// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat implements the per-session conversation state machine
// of the TalentDesk chat pipeline.
//
// A Conversation accepts one user turn at a time, appends it to an
// append-only history, drives the transport pipeline, mutates a
// placeholder assistant message as events arrive, and resolves to a
// terminal outcome (completed, errored, or cancelled). The history is
// the only shared mutable resource and is owned exclusively by the
// Conversation.
package chat

// =============================================================================
// Messages
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the conversation history.
//
// Messages are immutable once appended, with one exception: the
// in-flight assistant placeholder, always the last element while
// streaming, accumulates Content in place as deltas arrive.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`

	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the message text. For the placeholder it grows as
	// the stream progresses; for an errored turn with no content it
	// carries the error text instead.
	Content string `json:"content"`

	// ContextPreview holds the retrieval preview the gateway attached
	// to this answer, if any. Nil both when no preview arrived and
	// when the gateway sent an explicit null.
	ContextPreview *string `json:"context_preview,omitempty"`

	// Actions holds semantic action tags attached to this answer, in
	// arrival order. Opaque to the pipeline.
	Actions []string `json:"actions,omitempty"`

	// CreatedAt is the creation time in Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
}

// =============================================================================
// States and Outcomes
// =============================================================================

// State is the conversation's position in the turn lifecycle.
//
// Idle is both the initial state and the state reached after every
// terminal outcome; a new submit is accepted only from Idle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Outcome is how the most recent turn ended.
type Outcome string

const (
	// OutcomeNone means no turn has run yet.
	OutcomeNone Outcome = ""

	// OutcomeCompleted means the turn finished normally.
	OutcomeCompleted Outcome = "completed"

	// OutcomeErrored means the turn failed; the error text is
	// available from LastOutcome.
	OutcomeErrored Outcome = "errored"

	// OutcomeCancelled means the turn was cancelled. Not a failure;
	// no error message accompanies it.
	OutcomeCancelled Outcome = "cancelled"
)

// =============================================================================
// Change Notifications
// =============================================================================

// ChangeKind discriminates history change notifications.
type ChangeKind int

const (
	// ChangeAppend: a new message was appended at Index.
	ChangeAppend ChangeKind = iota

	// ChangePatch: the message at Index was mutated in place. Delta
	// carries the appended content fragment (empty for metadata-only
	// patches such as a context preview or action tag).
	ChangePatch

	// ChangeRemove: the message at Index was removed. Only the
	// placeholder is ever removed, and only on upload failure.
	ChangeRemove
)

// Change describes one history mutation.
//
// Patches carry just the appended fragment, not the whole message, so
// a UI can apply them incrementally; ContentDelta events can arrive
// dozens of times per second and rebuilding the history per event
// would not keep up.
type Change struct {
	Kind    ChangeKind
	Index   int
	Message Message // populated for ChangeAppend
	Delta   string  // populated for content patches
}

// ChangeListener receives history change notifications. Called with
// the conversation lock held; listeners must return quickly and must
// not call back into the Conversation.
type ChangeListener func(Change)
