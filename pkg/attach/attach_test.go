// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/TalentDesk/pkg/transport"
)

// uploadRecord captures one multipart upload the server received.
type uploadRecord struct {
	filename string
	kind     string
	payload  []byte
}

func newUploadServer(t *testing.T, failFilename string) (*Uploader, *sync.Map) {
	t.Helper()

	var seq atomic.Int32
	received := &sync.Map{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/files" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, _ := io.ReadAll(file)
		file.Close()

		received.Store(header.Filename, uploadRecord{
			filename: header.Filename,
			kind:     r.FormValue("kind"),
			payload:  payload,
		})

		if header.Filename == failFilename {
			http.Error(w, `{"detail": "rejected"}`, http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"file_ids": ["file-%s-%d"]}`, header.Filename, seq.Add(1))
	}))
	t.Cleanup(server.Close)

	uploader, err := NewUploader(UploaderConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	return uploader, received
}

func TestUploader_AllSucceedInInputOrder(t *testing.T) {
	t.Parallel()

	uploader, received := newUploadServer(t, "")
	attachments := []Attachment{
		{LocalID: "1", Kind: KindFile, Filename: "headcount.csv", Payload: []byte("rows")},
		{LocalID: "2", Kind: KindImage, Filename: "org-chart.png", Payload: []byte("pixels")},
		{LocalID: "3", Kind: KindFile, Filename: "attrition.csv", Payload: []byte("more rows")},
	}

	ids, err := uploader.Upload(context.Background(), transport.NewSessionHandle(context.Background()), attachments)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
	// Identifiers line up with input order even though uploads ran
	// concurrently.
	for i, a := range attachments {
		prefix := "file-" + a.Filename + "-"
		if len(ids[i]) <= len(prefix) || ids[i][:len(prefix)] != prefix {
			t.Errorf("ids[%d] = %q, want prefix %q", i, ids[i], prefix)
		}
	}

	rec, ok := received.Load("org-chart.png")
	if !ok {
		t.Fatal("image attachment never reached the server")
	}
	got := rec.(uploadRecord)
	if got.kind != "image" || !bytes.Equal(got.payload, []byte("pixels")) {
		t.Errorf("server saw %+v", got)
	}
}

func TestUploader_AnyFailureReturnsNoIDs(t *testing.T) {
	t.Parallel()

	uploader, _ := newUploadServer(t, "poison.csv")
	attachments := []Attachment{
		{LocalID: "1", Kind: KindFile, Filename: "clean.csv", Payload: []byte("ok")},
		{LocalID: "2", Kind: KindFile, Filename: "poison.csv", Payload: []byte("bad")},
		{LocalID: "3", Kind: KindFile, Filename: "also-clean.csv", Payload: []byte("ok")},
	}

	ids, err := uploader.Upload(context.Background(), transport.NewSessionHandle(context.Background()), attachments)
	if err == nil {
		t.Fatal("partial failure reported success")
	}
	if ids != nil {
		t.Errorf("ids = %v, want nil on any failure", ids)
	}
	if !transport.IsGatewayError(err) {
		t.Errorf("err = %v, want a wrapped GatewayError", err)
	}
}

func TestUploader_EmptyInputIsANoOp(t *testing.T) {
	t.Parallel()

	uploader, received := newUploadServer(t, "")
	ids, err := uploader.Upload(context.Background(), transport.NewSessionHandle(context.Background()), nil)
	if err != nil || ids != nil {
		t.Errorf("ids = %v, err = %v", ids, err)
	}
	count := 0
	received.Range(func(_, _ any) bool { count++; return true })
	if count != 0 {
		t.Errorf("no-op upload hit the server %d times", count)
	}
}

func TestUploader_OversizedPayloadRejectedLocally(t *testing.T) {
	t.Parallel()

	uploader, received := newUploadServer(t, "")
	ids, err := uploader.Upload(context.Background(), transport.NewSessionHandle(context.Background()), []Attachment{
		{LocalID: "1", Kind: KindFile, Filename: "huge.bin", Payload: make([]byte, MaxAttachmentBytes+1)},
	})
	if err == nil {
		t.Fatal("oversized payload accepted")
	}
	if ids != nil {
		t.Errorf("ids = %v", ids)
	}
	if _, ok := received.Load("huge.bin"); ok {
		t.Error("oversized payload reached the server")
	}
}

func TestUploader_CancelledHandleSkipsUploads(t *testing.T) {
	t.Parallel()

	uploader, received := newUploadServer(t, "")
	handle := transport.NewSessionHandle(context.Background())
	handle.Cancel()

	ids, err := uploader.Upload(context.Background(), handle, []Attachment{
		{LocalID: "1", Kind: KindFile, Filename: "late.csv", Payload: []byte("x")},
	})
	if !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if ids != nil {
		t.Errorf("ids = %v", ids)
	}
	if _, ok := received.Load("late.csv"); ok {
		t.Error("cancelled pre-stage reached the server")
	}
}

func TestUploader_UnexpectedIDCountIsAnError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"file_ids": ["a", "b"]}`)
	}))
	t.Cleanup(server.Close)

	uploader, err := NewUploader(UploaderConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := uploader.Upload(context.Background(), transport.NewSessionHandle(context.Background()), []Attachment{
		{LocalID: "1", Kind: KindFile, Filename: "a.csv", Payload: []byte("x")},
	})
	if err == nil {
		t.Fatal("two returned ids for one upload accepted")
	}
	if ids != nil {
		t.Errorf("ids = %v", ids)
	}
}
