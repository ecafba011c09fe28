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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway metrics, all under the "gateway_" prefix.
var (
	// streamTurnsTotal counts streamed chat turns by outcome
	// (completed, error, client_gone).
	streamTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_turns_total",
		Help: "Streamed chat turns by outcome.",
	}, []string{"outcome"})

	// streamTokensTotal counts content fragments written to streams.
	streamTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_tokens_total",
		Help: "Content fragments written across all streams.",
	})

	// fallbackTurnsTotal counts non-streaming chat turns by outcome.
	fallbackTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_fallback_turns_total",
		Help: "Non-streaming chat turns by outcome.",
	}, []string{"outcome"})

	// uploadsTotal counts attachment uploads by outcome.
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_uploads_total",
		Help: "Attachment uploads by outcome.",
	}, []string{"outcome"})
)

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
