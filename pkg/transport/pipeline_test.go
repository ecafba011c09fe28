// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/TalentDesk/pkg/wire"
)

// pipelineFixture spins up one gateway serving both endpoints and a
// Pipeline pointed at it.
type pipelineFixture struct {
	pipeline     *Pipeline
	streamHits   atomic.Int32
	fallbackHits atomic.Int32
}

func newPipelineFixture(t *testing.T, stream, fallback http.HandlerFunc) *pipelineFixture {
	t.Helper()
	fx := &pipelineFixture{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		fx.streamHits.Add(1)
		stream(w, r)
	})
	mux.HandleFunc("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		fx.fallbackHits.Add(1)
		if fallback == nil {
			t.Error("unexpected fallback invocation")
			http.Error(w, "unexpected", http.StatusInternalServerError)
			return
		}
		fallback(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	streamer, err := NewStreamer(StreamerConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	fb, err := NewFallback(FallbackConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	fx.pipeline = NewPipeline(streamer, fb, nil)
	return fx
}

func runSend(t *testing.T, fx *pipelineFixture, handle *SessionHandle) ([]wire.StreamEvent, error) {
	t.Helper()
	var events []wire.StreamEvent
	err := fx.pipeline.Send(handle.Context(), handle, &SendRequest{Message: "hello"}, func(ev wire.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestPipeline_StreamingPathNeverTouchesFallback(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\": \"answer\"}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}, nil)

	events, err := runSend(t, fx, NewSessionHandle(context.Background()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(events) != 2 || events[0].Content != "answer" || events[1].Kind != wire.EventDone {
		t.Errorf("events = %v", events)
	}
	if fx.fallbackHits.Load() != 0 {
		t.Error("fallback invoked on a healthy stream")
	}
}

func TestPipeline_FallbackOnPreContentFailure(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "overloaded"}`, http.StatusServiceUnavailable)
	}, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FallbackResponse{Response: "ok", Provider: "openai"})
	})

	events, err := runSend(t, fx, NewSessionHandle(context.Background()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Single-shot answer normalized into the streaming vocabulary.
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Kind != wire.EventContentDelta || events[0].Content != "ok" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != wire.EventDone {
		t.Errorf("event 1 = %+v", events[1])
	}
	if fx.streamHits.Load() != 1 || fx.fallbackHits.Load() != 1 {
		t.Errorf("stream hits = %d, fallback hits = %d", fx.streamHits.Load(), fx.fallbackHits.Load())
	}
}

func TestPipeline_NoFallbackAfterContent(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\": \"half\"}\n")
		flusher.Flush()
		// Drops without a terminal event.
	}, nil)

	events, err := runSend(t, fx, NewSessionHandle(context.Background()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Content != "half" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != wire.EventError || events[1].Err == "" {
		t.Errorf("event 1 = %+v, want synthesized error", events[1])
	}
	if fx.fallbackHits.Load() != 0 {
		t.Error("fallback ran after content was delivered")
	}
}

func TestPipeline_NonDeltaEventsDoNotSuppressFallback(t *testing.T) {
	t.Parallel()

	// A context preview arrived but no content: the answer itself was
	// never started, so the fallback still runs.
	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"context_preview\": \"matched: hires.csv\"}\n")
		flusher.Flush()
	}, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FallbackResponse{Response: "42"})
	})

	events, err := runSend(t, fx, NewSessionHandle(context.Background()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fx.fallbackHits.Load() != 1 {
		t.Fatal("fallback did not run")
	}

	last := events[len(events)-1]
	if last.Kind != wire.EventDone {
		t.Errorf("last event = %+v", last)
	}
	var content string
	for _, ev := range events {
		if ev.Kind == wire.EventContentDelta {
			content += ev.Content
		}
	}
	if content != "42" {
		t.Errorf("content = %q", content)
	}
}

func TestPipeline_BothPathsFailingYieldsSingleErrorEvent(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "stream down"}`, http.StatusServiceUnavailable)
	}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "fallback down too"}`, http.StatusBadGateway)
	})

	events, err := runSend(t, fx, NewSessionHandle(context.Background()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v, want exactly one error", events)
	}
	if events[0].Kind != wire.EventError || events[0].Err != "fallback down too" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestPipeline_CancelledTurnEmitsNothingFurther(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "down"}`, http.StatusServiceUnavailable)
	}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("fallback ran for a cancelled turn")
	})

	handle := NewSessionHandle(context.Background())
	handle.Cancel()

	events, err := runSend(t, fx, handle)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v", events)
	}
}

func TestPipeline_CallbackErrorPropagates(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\": \"a\"}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}, nil)

	sentinel := errors.New("consumer gone")
	handle := NewSessionHandle(context.Background())
	err := fx.pipeline.Send(handle.Context(), handle, &SendRequest{Message: "hello"}, func(ev wire.StreamEvent) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the callback's error", err)
	}
	if fx.fallbackHits.Load() != 0 {
		t.Error("callback fault triggered the fallback")
	}
}

func TestPipeline_EventsChannelDeliversAndCloses(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\": \"Hi\"}\n")
		fmt.Fprint(w, "data: {\"content\": \" there\"}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}, nil)

	handle := NewSessionHandle(context.Background())
	var content string
	var sawDone bool
	for ev := range fx.pipeline.Events(handle.Context(), handle, &SendRequest{Message: "hello"}) {
		switch ev.Kind {
		case wire.EventContentDelta:
			content += ev.Content
		case wire.EventDone:
			sawDone = true
		}
	}

	if content != "Hi there" {
		t.Errorf("content = %q", content)
	}
	if !sawDone {
		t.Error("channel closed without a terminal event")
	}
}

func TestPipeline_InvalidRequestDoesNotFallBack(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected stream invocation for an invalid request")
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}, nil)

	handle := NewSessionHandle(context.Background())
	var events []wire.StreamEvent
	err := fx.pipeline.Send(handle.Context(), handle, &SendRequest{Message: ""}, func(ev wire.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(events) != 1 || events[0].Kind != wire.EventError {
		t.Fatalf("events = %v, want a single Error event", events)
	}
	if !strings.Contains(events[0].Err, "invalid send request") {
		t.Errorf("error text = %q", events[0].Err)
	}
	if fx.streamHits.Load() != 0 || fx.fallbackHits.Load() != 0 {
		t.Errorf("a locally rejected request reached the network: stream hits = %d, fallback hits = %d",
			fx.streamHits.Load(), fx.fallbackHits.Load())
	}
}

func TestPipeline_EventsUnblocksWhenConsumerLeaves(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// More deltas than the channel buffers, so delivery blocks
		// once the consumer stops receiving.
		for i := 0; i < 64; i++ {
			fmt.Fprint(w, "data: {\"content\": \"x\"}\n")
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}, nil)

	handle := NewSessionHandle(context.Background())
	ctx, cancel := context.WithCancel(handle.Context())
	ch := fx.pipeline.Events(ctx, handle, &SendRequest{Message: "hello"})

	<-ch
	cancel()

	// The channel must close even though most events were never read.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Events channel never closed after the consumer left")
	}
}
