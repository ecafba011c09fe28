// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TalentDesk/pkg/transport"
	"github.com/AleutianAI/TalentDesk/pkg/wire"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/llm"
)

func newStreamRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/chat/stream", HandleStreamChat(llm.NewCannedResponder(), StreamOptions{}))
	return router
}

// decodeStream parses a recorded response body with the client codec.
func decodeStream(t *testing.T, body []byte) []wire.StreamEvent {
	t.Helper()
	dec := wire.NewDecoder()
	events := dec.Feed(body)
	return append(events, dec.Flush()...)
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleStreamChat_StreamsAnswerWithTerminal(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		Message: "what is our headcount?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := decodeStream(t, rec.Body.Bytes())
	require.NotEmpty(t, events)
	assert.Equal(t, wire.EventDone, events[len(events)-1].Kind)

	var content string
	for _, ev := range events {
		if ev.Kind == wire.EventContentDelta {
			content += ev.Content
		}
	}
	assert.Contains(t, content, "412")
	assert.Contains(t, content, "Engineering")
}

func TestHandleStreamChat_RetrievalEmitsPreview(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		Message:      "show attrition please",
		UseRetrieval: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	events := decodeStream(t, rec.Body.Bytes())
	require.NotEmpty(t, events)

	var preview *string
	var sawPreview bool
	for _, ev := range events {
		if ev.Kind == wire.EventContextPreview {
			sawPreview = true
			preview = ev.Preview
		}
	}
	require.True(t, sawPreview, "retrieval turn emitted no context preview")
	require.NotNil(t, preview)
	assert.Contains(t, *preview, "attrition_trailing_12m.csv")
}

func TestHandleStreamChat_RetrievalMissEmitsNullPreview(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		Message:      "tell me a joke",
		UseRetrieval: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sawPreview bool
	for _, ev := range decodeStream(t, rec.Body.Bytes()) {
		if ev.Kind == wire.EventContextPreview {
			sawPreview = true
			assert.Nil(t, ev.Preview, "miss should carry an explicit null preview")
		}
	}
	assert.True(t, sawPreview)
}

func TestHandleStreamChat_NoRetrievalNoPreview(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		Message: "show attrition please",
	})
	for _, ev := range decodeStream(t, rec.Body.Bytes()) {
		assert.NotEqual(t, wire.EventContextPreview, ev.Kind)
	}
}

func TestHandleStreamChat_SemanticActionForDashboardTopics(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		Message: "current headcount?",
	})

	var actions []string
	for _, ev := range decodeStream(t, rec.Body.Bytes()) {
		if ev.Kind == wire.EventSemanticAction {
			actions = append(actions, ev.Action)
		}
	}
	require.Len(t, actions, 1)
	assert.Equal(t, "highlight:headcount-widget", actions[0])
}

func TestHandleStreamChat_RejectsEmptyMessage(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["detail"])
}

func TestHandleStreamChat_AcceptsAttachmentOnlyTurn(t *testing.T) {
	router := newStreamRouter(t)

	rec := postJSON(t, router, "/v1/chat/stream", transport.SendRequest{
		AttachmentIDs: []string{"file-abc"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	events := decodeStream(t, rec.Body.Bytes())
	require.NotEmpty(t, events)
	assert.Equal(t, wire.EventDone, events[len(events)-1].Kind)
}

func TestHandleStreamChat_RejectsMalformedBody(t *testing.T) {
	router := newStreamRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenize_Roundtrips(t *testing.T) {
	answers := []string{
		"one",
		"two words",
		"Current headcount is 412 across 7 departments.",
	}
	for _, answer := range answers {
		var rebuilt string
		for _, token := range tokenize(answer) {
			rebuilt += token
		}
		assert.Equal(t, answer, rebuilt)
	}
}
