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
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/TalentDesk/pkg/ux"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/handlers"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/llm"
	"github.com/AleutianAI/TalentDesk/services/mockgateway/routes"
)

var (
	flagGatewayPort   int
	flagTokenInterval time.Duration
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the local mock gateway",
	Long: `Run the local mock gateway in-process.

The gateway serves the streaming chat endpoint, the non-streaming
fallback, and attachment staging. Answers come from the canned HR
responder unless OPENAI_API_KEY is set, in which case requests pass
through to an OpenAI-compatible provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	gatewayCmd.Flags().IntVar(&flagGatewayPort, "port", 8090, "port to listen on")
	gatewayCmd.Flags().DurationVar(&flagTokenInterval, "token-interval", 25*time.Millisecond, "pause between streamed tokens")
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway() error {
	shutdownTracer, err := initTracer(context.Background())
	if err != nil {
		return fmt.Errorf("setting up tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(otelgin.Middleware("mockgateway"))
	routes.SetupRoutes(router, llm.NewResponderFromEnv(), handlers.StreamOptions{
		TokenInterval: flagTokenInterval,
	})

	ux.Info(fmt.Sprintf("mock gateway listening on port %d", flagGatewayPort))
	return router.Run(fmt.Sprintf(":%d", flagGatewayPort))
}
