// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"time"
)

// =============================================================================
// ChatUI
// =============================================================================

// ChatUI renders the interactive chat session.
//
// # Description
//
// ChatUI owns everything the user sees during a chat turn: the session
// header, the input prompt, streamed answer fragments, retrieval
// previews, and turn outcomes. Fragments are written as they arrive,
// so a turn's answer appears incrementally.
//
// # Thread Safety
//
// Not safe for concurrent use. The chat loop is single-threaded; the
// conversation's change listener is the only writer during a turn.
type ChatUI interface {
	// Header prints the session banner.
	Header(sessionID string, useRetrieval bool)

	// Prompt returns the styled input prompt.
	Prompt() string

	// AnswerStart marks the beginning of an assistant answer.
	AnswerStart()

	// AnswerFragment writes one streamed content fragment.
	AnswerFragment(delta string)

	// AnswerEnd terminates the answer block.
	AnswerEnd()

	// Preview shows what the retrieval layer matched, or that it
	// matched nothing.
	Preview(preview *string)

	// Action surfaces a dashboard directive the server attached.
	Action(action string)

	// TurnCancelled notes a cancelled turn. Silent in machine mode.
	TurnCancelled()

	// Error prints a turn-level failure.
	Error(err error)

	// SessionEnd prints the closing summary.
	SessionEnd(turns int, duration time.Duration)
}

// terminalChatUI writes styled output to a terminal (or any writer).
type terminalChatUI struct {
	w           io.Writer
	personality PersonalityLevel
}

// NewChatUI creates a ChatUI on stdout with the current personality.
func NewChatUI() ChatUI {
	return NewChatUIWithWriter(os.Stdout, GetPersonality().Level)
}

// NewChatUIWithWriter creates a ChatUI with an injected writer, for
// testing and output capture.
func NewChatUIWithWriter(w io.Writer, personality PersonalityLevel) ChatUI {
	return &terminalChatUI{w: w, personality: personality}
}

var _ ChatUI = (*terminalChatUI)(nil)

func (ui *terminalChatUI) Header(sessionID string, useRetrieval bool) {
	if ui.personality == PersonalityMachine {
		fmt.Fprintf(ui.w, "session=%s retrieval=%v\n", sessionID, useRetrieval)
		return
	}
	mode := "retrieval on"
	if !useRetrieval {
		mode = "retrieval off"
	}
	fmt.Fprintln(ui.w, Styles.Title.Render("TalentDesk")+" "+Styles.Muted.Render(mode))
	fmt.Fprintln(ui.w, Styles.Muted.Render("session "+sessionID))
	fmt.Fprintln(ui.w, Styles.Muted.Render(`type "exit" or "quit" to leave, Ctrl+C to stop a running answer`))
}

func (ui *terminalChatUI) Prompt() string {
	if ui.personality == PersonalityMachine {
		return "> "
	}
	return Styles.Highlight.Render("you") + " " + string(IconArrow) + " "
}

func (ui *terminalChatUI) AnswerStart() {
	if ui.personality == PersonalityMachine {
		return
	}
	fmt.Fprint(ui.w, Styles.Subtitle.Render("talentdesk")+" "+string(IconArrow)+" ")
}

func (ui *terminalChatUI) AnswerFragment(delta string) {
	fmt.Fprint(ui.w, delta)
}

func (ui *terminalChatUI) AnswerEnd() {
	fmt.Fprintln(ui.w)
}

func (ui *terminalChatUI) Preview(preview *string) {
	switch {
	case ui.personality == PersonalityMachine && preview != nil:
		fmt.Fprintf(ui.w, "context: %s\n", *preview)
	case ui.personality == PersonalityMachine:
		fmt.Fprintln(ui.w, "context: none")
	case preview != nil:
		fmt.Fprintln(ui.w, Styles.Muted.Render("│ context: "+*preview))
	default:
		fmt.Fprintln(ui.w, Styles.Muted.Render("│ context: no documents matched"))
	}
}

func (ui *terminalChatUI) Action(action string) {
	if ui.personality == PersonalityMachine {
		fmt.Fprintf(ui.w, "action: %s\n", action)
		return
	}
	fmt.Fprintln(ui.w, Styles.Muted.Render("│ action: "+action))
}

func (ui *terminalChatUI) TurnCancelled() {
	if ui.personality == PersonalityMachine {
		return
	}
	fmt.Fprintln(ui.w, Styles.Muted.Render("(stopped)"))
}

func (ui *terminalChatUI) Error(err error) {
	if ui.personality == PersonalityMachine {
		fmt.Fprintf(ui.w, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(ui.w, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

func (ui *terminalChatUI) SessionEnd(turns int, duration time.Duration) {
	if ui.personality == PersonalityMachine {
		fmt.Fprintf(ui.w, "turns=%d duration=%s\n", turns, duration.Round(time.Second))
		return
	}
	fmt.Fprintln(ui.w, Styles.Muted.Render(fmt.Sprintf("%d turns in %s", turns, duration.Round(time.Second))))
}
