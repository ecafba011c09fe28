// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrCancelled is returned when a turn ends because its SessionHandle
// was cancelled. Cancellation is not a failure: callers must treat it
// as a silent terminal state and emit no error to the user.
var ErrCancelled = errors.New("session cancelled")

// ErrStreamTruncated is returned when the stream ends without a
// terminal event. The server hung up mid-answer.
var ErrStreamTruncated = errors.New("stream ended without terminal event")

// ErrUnreadableStream is returned when the handshake succeeded but the
// response body could not be read as a stream.
var ErrUnreadableStream = errors.New("streaming response unreadable")

// ValidationError marks a request the client itself rejected before
// any network exchange. It is never fallback-eligible: retrying an
// invalid request against the non-streaming endpoint would transmit
// exactly what validation refused to send.
type ValidationError struct {
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying validator error.
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is (or wraps) a
// ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GatewayError represents a failed exchange with the chat gateway.
//
// Retryable is true for transient conditions (bad gateway, service
// unavailable, gateway timeout) where the fallback path or a later
// turn may succeed.
type GatewayError struct {
	// StatusCode is the HTTP status, or 0 for connection-level failures.
	StatusCode int

	// Message is the human-readable failure description, taken from the
	// response body's detail/message field when one was parsable.
	Message string

	// Retryable indicates whether retrying may succeed.
	Retryable bool
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// IsGatewayError reports whether err is (or wraps) a GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// IsCancelled reports whether err represents session cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// isRetryableStatusCode reports whether the status indicates a
// transient condition.
func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// newGatewayError builds a GatewayError from a non-success response
// body. The gateway reports failures as {"detail": "..."} or
// {"message": "..."}; an unparsable body falls back to a generic
// message so the caller always has something presentable.
func newGatewayError(statusCode int, body []byte) *GatewayError {
	message := fmt.Sprintf("request failed with status %d", statusCode)

	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Detail != "" {
			message = parsed.Detail
		} else if parsed.Message != "" {
			message = parsed.Message
		}
	}

	return &GatewayError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  isRetryableStatusCode(statusCode),
	}
}
