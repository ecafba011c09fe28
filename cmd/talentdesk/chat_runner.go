// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/TalentDesk/pkg/attach"
	"github.com/AleutianAI/TalentDesk/pkg/chat"
	"github.com/AleutianAI/TalentDesk/pkg/ux"
)

// =============================================================================
// Input
// =============================================================================

// InputReader abstracts line input so tests can script a session.
type InputReader interface {
	// ReadLine reads one line, trimmed. Returns io.EOF when input is
	// exhausted.
	ReadLine() (string, error)
}

// StdinReader reads lines from standard input.
type StdinReader struct {
	scanner *bufio.Scanner
}

// NewStdinReader creates an InputReader over os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{scanner: bufio.NewScanner(os.Stdin)}
}

// ReadLine implements InputReader.
func (r *StdinReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(r.scanner.Text()), nil
}

func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// =============================================================================
// Chat Runner
// =============================================================================

// ChatRunner drives the interactive chat loop: prompt, submit, render,
// repeat until exit.
type ChatRunner struct {
	conversation *chat.Conversation
	ui           ux.ChatUI
	input        InputReader
	useRetrieval bool

	// attachments are consumed by the first submitted turn.
	attachments []attach.Attachment

	// turn-local fragment count, reset each submit.
	fragments int
}

// NewChatRunner wires a runner from its dependencies. The conversation
// must have been constructed with fragmentListener as its OnChange.
func NewChatRunner(conversation *chat.Conversation, ui ux.ChatUI, input InputReader, useRetrieval bool, attachments []attach.Attachment) *ChatRunner {
	return &ChatRunner{
		conversation: conversation,
		ui:           ui,
		input:        input,
		useRetrieval: useRetrieval,
		attachments:  attachments,
	}
}

// Listener returns the change listener that streams answer fragments
// to the UI as they arrive. Pass it as ConversationConfig.OnChange.
func (r *ChatRunner) Listener() chat.ChangeListener {
	return func(c chat.Change) {
		if c.Kind == chat.ChangePatch && c.Delta != "" {
			if r.fragments == 0 {
				r.ui.AnswerStart()
			}
			r.fragments++
			r.ui.AnswerFragment(c.Delta)
		}
	}
}

// Run executes the interactive loop. Returns nil on normal exit and
// the read error otherwise.
func (r *ChatRunner) Run(ctx context.Context) error {
	start := time.Now()
	turns := 0

	r.ui.Header(r.conversation.SessionID(), r.useRetrieval)

	for {
		select {
		case <-ctx.Done():
			r.ui.SessionEnd(turns, time.Since(start))
			return nil
		default:
		}

		fmt.Print(r.ui.Prompt())
		line, err := r.input.ReadLine()
		input := strings.TrimSpace(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.ui.SessionEnd(turns, time.Since(start))
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if input == "" {
			continue
		}
		if isExitCommand(input) {
			r.ui.SessionEnd(turns, time.Since(start))
			return nil
		}

		r.RunTurn(ctx, input)
		turns++
	}
}

// RunTurn submits one message and renders its outcome.
func (r *ChatRunner) RunTurn(ctx context.Context, message string) {
	r.fragments = 0
	attachments := r.attachments
	r.attachments = nil

	outcome, err := r.conversation.Submit(ctx, message, attachments)
	if err != nil {
		r.ui.Error(err)
		return
	}
	if r.fragments > 0 {
		r.ui.AnswerEnd()
	}

	history := r.conversation.History()
	var last *chat.Message
	if len(history) > 0 && history[len(history)-1].Role == chat.RoleAssistant {
		last = &history[len(history)-1]
	}

	switch outcome {
	case chat.OutcomeCancelled:
		r.ui.TurnCancelled()
	case chat.OutcomeErrored:
		_, lastError := r.conversation.LastOutcome()
		// When the error text already streamed as the answer body,
		// repeating it would double it up.
		if last == nil || last.Content != lastError {
			r.ui.Error(errors.New(lastError))
		}
	case chat.OutcomeCompleted:
		if last != nil {
			if r.useRetrieval {
				r.ui.Preview(last.ContextPreview)
			}
			for _, action := range last.Actions {
				r.ui.Action(action)
			}
		}
	}
}

// loadAttachments reads local files into staged attachments, inferring
// kind from the extension.
func loadAttachments(paths []string) ([]attach.Attachment, error) {
	var attachments []attach.Attachment
	for _, path := range paths {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %q: %w", path, err)
		}
		kind := attach.KindFile
		switch strings.ToLower(filepath.Ext(path)) {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
			kind = attach.KindImage
		}
		attachments = append(attachments, attach.Attachment{
			LocalID:  path,
			Kind:     kind,
			Filename: filepath.Base(path),
			Payload:  payload,
		})
	}
	return attachments, nil
}
