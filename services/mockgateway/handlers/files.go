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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/TalentDesk/pkg/attach"
)

// HandleUpload serves POST /v1/files. One multipart file per request;
// the response carries the opaque identifier the chat request will
// reference.
func HandleUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := chatTracer.Start(c.Request.Context(), "HandleUpload")
		defer span.End()

		file, err := c.FormFile("file")
		if err != nil {
			uploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"detail": "file field is required"})
			return
		}
		if file.Size > attach.MaxAttachmentBytes {
			uploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "attachment too large"})
			return
		}

		kind := c.PostForm("kind")
		switch kind {
		case string(attach.KindImage), string(attach.KindFile), "":
		default:
			uploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"detail": "kind must be image or file"})
			return
		}

		fileID := "file-" + uuid.New().String()
		span.SetAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("size", file.Size),
		)
		slog.Info("attachment staged",
			"file_id", fileID,
			"filename", file.Filename,
			"size", file.Size,
			"kind", kind,
		)

		uploadsTotal.WithLabelValues("accepted").Inc()
		c.JSON(http.StatusOK, gin.H{"file_ids": []string{fileID}})
	}
}
