// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/TalentDesk/pkg/attach"
	"github.com/AleutianAI/TalentDesk/pkg/transport"
)

// newTestPipeline wires a real Streamer and Fallback against the given
// gateway URL, the same assembly the CLI performs.
func newTestPipeline(t *testing.T, baseURL string) *transport.Pipeline {
	t.Helper()
	streamer, err := transport.NewStreamer(transport.StreamerConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewStreamer: %v", err)
	}
	fallback, err := transport.NewFallback(transport.FallbackConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewFallback: %v", err)
	}
	return transport.NewPipeline(streamer, fallback, nil)
}

func sseLine(w http.ResponseWriter, flusher http.Flusher, payload string) {
	fmt.Fprintf(w, "data: %s\n", payload)
	flusher.Flush()
}

func TestEndToEnd_StreamedTurn(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		var req transport.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Message != "hello" {
			t.Errorf("gateway saw message %q", req.Message)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		sseLine(w, flusher, `{"content": "Hi"}`)
		sseLine(w, flusher, `{"content": " there"}`)
		sseLine(w, flusher, `[DONE]`)
	}))
	defer server.Close()

	conv := newTestConversation(t, ConversationConfig{
		Sender: newTestPipeline(t, server.URL),
	})

	outcome, err := conv.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", outcome)
	}
	if conv.State() != StateIdle {
		t.Errorf("state = %s, want idle", conv.State())
	}
	if content := conv.History()[1].Content; content != "Hi there" {
		t.Errorf("assistant content = %q, want %q", content, "Hi there")
	}
}

func TestEndToEnd_FallbackAfterHandshakeFailure(t *testing.T) {
	t.Parallel()

	var streamHits, fallbackHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/stream":
			streamHits.Add(1)
			http.Error(w, `{"detail": "model warming up"}`, http.StatusServiceUnavailable)
		case "/v1/chat":
			fallbackHits.Add(1)
			var req transport.SendRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Message != "hello" {
				t.Errorf("fallback saw message %q", req.Message)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(transport.FallbackResponse{
				Response: "ok",
				Provider: "ollama",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	conv := newTestConversation(t, ConversationConfig{
		Sender: newTestPipeline(t, server.URL),
	})

	outcome, err := conv.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed via fallback", outcome)
	}
	if content := conv.History()[1].Content; content != "ok" {
		t.Errorf("assistant content = %q, want fallback response", content)
	}
	if streamHits.Load() != 1 || fallbackHits.Load() != 1 {
		t.Errorf("stream hits = %d, fallback hits = %d, want 1 each",
			streamHits.Load(), fallbackHits.Load())
	}
}

func TestEndToEnd_CancelMidStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		sseLine(w, flusher, `{"content": "partial"}`)
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer server.Close()

	firstDelta := make(chan struct{})
	var once sync.Once
	conv := newTestConversation(t, ConversationConfig{
		Sender: newTestPipeline(t, server.URL),
		OnChange: func(c Change) {
			if c.Kind == ChangePatch && c.Delta != "" {
				once.Do(func() { close(firstDelta) })
			}
		},
	})

	go func() {
		select {
		case <-firstDelta:
			conv.Cancel()
		case <-time.After(10 * time.Second):
		}
	}()

	outcome, err := conv.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", outcome)
	}
	if content := conv.History()[1].Content; content != "partial" {
		t.Errorf("assistant content = %q, want only the pre-cancel delta", content)
	}
	if _, msg := conv.LastOutcome(); msg != "" {
		t.Errorf("cancelled turn surfaced error %q", msg)
	}
	if conv.State() != StateIdle {
		t.Errorf("state = %s, want idle", conv.State())
	}
}

func TestEndToEnd_MidStreamDropDoesNotFallBack(t *testing.T) {
	t.Parallel()

	var fallbackHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			sseLine(w, flusher, `{"content": "half an ans"}`)
			// Connection drops before [DONE].
		case "/v1/chat":
			fallbackHits.Add(1)
			json.NewEncoder(w).Encode(transport.FallbackResponse{Response: "should not happen"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	conv := newTestConversation(t, ConversationConfig{
		Sender: newTestPipeline(t, server.URL),
	})

	outcome, err := conv.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeErrored {
		t.Errorf("outcome = %s, want errored", outcome)
	}
	if fallbackHits.Load() != 0 {
		t.Error("fallback fired after content was already streamed")
	}
	if content := conv.History()[1].Content; content != "half an ans" {
		t.Errorf("assistant content = %q, partial content must survive", content)
	}
}

func TestEndToEnd_AttachmentUploadAtomicity(t *testing.T) {
	t.Parallel()

	var uploads, chatHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			n := uploads.Add(1)
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if header.Filename == "poison.csv" {
				http.Error(w, `{"detail": "virus scan rejected file"}`, http.StatusUnprocessableEntity)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"file_ids": ["file-%d"]}`, n)
		case "/v1/chat/stream", "/v1/chat":
			chatHits.Add(1)
			http.Error(w, "unexpected", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	uploader, err := attach.NewUploader(attach.UploaderConfig{
		BaseURL: server.URL,
		// Serial uploads keep the failure ordering deterministic.
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	conv := newTestConversation(t, ConversationConfig{
		Sender:   newTestPipeline(t, server.URL),
		Uploader: uploader,
	})

	outcome, err := conv.Submit(context.Background(), "review these", []attach.Attachment{
		{LocalID: "a", Kind: attach.KindFile, Filename: "clean.csv", Payload: []byte("ok")},
		{LocalID: "b", Kind: attach.KindFile, Filename: "poison.csv", Payload: []byte("bad")},
		{LocalID: "c", Kind: attach.KindFile, Filename: "also-clean.csv", Payload: []byte("ok")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeErrored {
		t.Errorf("outcome = %s, want errored", outcome)
	}
	if chatHits.Load() != 0 {
		t.Error("chat request sent despite upload failure")
	}
	if _, msg := conv.LastOutcome(); msg == "" {
		t.Error("upload failure surfaced no error text")
	}

	history := conv.History()
	if len(history) != 1 || history[0].Role != RoleUser {
		t.Errorf("history after aborted pre-stage = %+v", history)
	}
}

func TestEndToEnd_AttachmentOnlyTurn(t *testing.T) {
	t.Parallel()

	var streamHits, fallbackHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"file_ids": ["file-resume"]}`)
		case "/v1/chat/stream":
			streamHits.Add(1)
			var req transport.SendRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Message != "" {
				t.Errorf("gateway saw message %q, want empty", req.Message)
			}
			if len(req.AttachmentIDs) != 1 || req.AttachmentIDs[0] != "file-resume" {
				t.Errorf("gateway saw attachment_ids %v", req.AttachmentIDs)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			sseLine(w, flusher, `{"content": "Received the resume."}`)
			sseLine(w, flusher, `[DONE]`)
		case "/v1/chat":
			fallbackHits.Add(1)
			http.Error(w, "unexpected", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	uploader, err := attach.NewUploader(attach.UploaderConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	conv := newTestConversation(t, ConversationConfig{
		Sender:   newTestPipeline(t, server.URL),
		Uploader: uploader,
	})

	outcome, err := conv.Submit(context.Background(), "", []attach.Attachment{
		{LocalID: "a", Kind: attach.KindFile, Filename: "resume.pdf", Payload: []byte("pdf")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", outcome)
	}
	if streamHits.Load() != 1 {
		t.Errorf("stream hits = %d, want 1", streamHits.Load())
	}
	if fallbackHits.Load() != 0 {
		t.Error("attachment-only turn fell back")
	}
	if content := conv.History()[1].Content; content != "Received the resume." {
		t.Errorf("assistant content = %q", content)
	}
}
