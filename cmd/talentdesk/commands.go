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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TalentDesk/pkg/attach"
	"github.com/AleutianAI/TalentDesk/pkg/chat"
	"github.com/AleutianAI/TalentDesk/pkg/config"
	"github.com/AleutianAI/TalentDesk/pkg/logging"
	"github.com/AleutianAI/TalentDesk/pkg/transport"
	"github.com/AleutianAI/TalentDesk/pkg/ux"
)

// =============================================================================
// Flags
// =============================================================================

var (
	flagConfigPath  string
	flagPersonality string
	flagTrace       bool
	flagNoRetrieval bool
	flagGatewayURL  string
	flagMessage     string
	flagAttach      []string
)

// =============================================================================
// Commands
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "talentdesk",
	Short: "TalentDesk workforce analytics assistant",
	Long: `TalentDesk is a conversational client for the workforce analytics
gateway. It streams answers token by token, grounds them in the HR
document index when retrieval is enabled, and falls back to the
non-streaming endpoint when a stream dies before producing content.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagPersonality != "" {
			ux.SetPersonalityLevel(ux.ParsePersonalityLevel(flagPersonality))
		} else {
			ux.InitPersonality()
		}
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session against the gateway.

With no arguments an interactive prompt loop starts; type "exit" or
"quit" (or press Ctrl+D) to leave. With --message, or a message as
positional arguments, a single turn runs and the command exits.

Attachments named with --attach are uploaded before the first turn;
the turn is aborted if any upload fails.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("talentdesk %s\n", version)
	},
}

// version is stamped at build time via -ldflags.
var version = "dev"

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to an alternate config file")
	rootCmd.PersistentFlags().StringVar(&flagPersonality, "personality", "", "output personality: standard, minimal, machine")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace", false, "emit OpenTelemetry spans to stdout")

	chatCmd.Flags().BoolVar(&flagNoRetrieval, "no-retrieval", false, "answer without consulting the HR document index")
	chatCmd.Flags().StringVar(&flagGatewayURL, "gateway", "", "gateway base URL (overrides config)")
	chatCmd.Flags().StringVarP(&flagMessage, "message", "m", "", "run one turn with this message and exit")
	chatCmd.Flags().StringArrayVar(&flagAttach, "attach", nil, "file to upload before the first turn (repeatable)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// Chat command
// =============================================================================

func runChat(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	baseURL := cfg.Gateway.BaseURL
	if flagGatewayURL != "" {
		baseURL = flagGatewayURL
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "cli",
		Quiet:   true,
	})
	defer logger.Close()

	shutdownTracer, err := initTracer(context.Background())
	if err != nil {
		logger.Warn("tracer init failed, continuing without traces", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	streamer, err := transport.NewStreamer(transport.StreamerConfig{
		BaseURL: baseURL,
		Path:    cfg.Gateway.StreamPath,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("configuring streamer: %w", err)
	}
	fallback, err := transport.NewFallback(transport.FallbackConfig{
		BaseURL: baseURL,
		Path:    cfg.Gateway.FallbackPath,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("configuring fallback: %w", err)
	}
	uploader, err := attach.NewUploader(attach.UploaderConfig{
		BaseURL:     baseURL,
		Path:        cfg.Gateway.UploadPath,
		Concurrency: cfg.Chat.UploadConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("configuring uploader: %w", err)
	}

	attachments, err := loadAttachments(flagAttach)
	if err != nil {
		return err
	}

	useRetrieval := cfg.Chat.UseRetrieval && !flagNoRetrieval
	ui := ux.NewChatUI()

	var runner *ChatRunner
	conversation, err := chat.NewConversation(chat.ConversationConfig{
		Sender:       transport.NewPipeline(streamer, fallback, logger),
		Uploader:     uploader,
		SystemPrompt: cfg.Chat.SystemPrompt,
		UseRetrieval: useRetrieval,
		IdleTimeout:  cfg.Chat.IdleTimeout,
		Logger:       logger,
		OnChange: func(c chat.Change) {
			if runner != nil {
				runner.Listener()(c)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}

	runner = NewChatRunner(conversation, ui, NewStdinReader(), useRetrieval, attachments)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			// First interrupt stops the in-flight turn; an interrupt
			// at the prompt ends the session.
			if conversation.State() == chat.StateIdle {
				cancel()
				return
			}
			conversation.Cancel()
		}
	}()

	message := flagMessage
	if message == "" && len(args) > 0 {
		message = strings.Join(args, " ")
	}
	if message != "" {
		runner.ui.Header(conversation.SessionID(), useRetrieval)
		runner.RunTurn(ctx, message)
		_, lastError := conversation.LastOutcome()
		if lastError != "" {
			return fmt.Errorf("turn failed: %s", lastError)
		}
		return nil
	}

	return runner.Run(ctx)
}

func loadConfig() (config.TalentDeskConfig, error) {
	if flagConfigPath != "" {
		return config.LoadFrom(flagConfigPath)
	}
	if err := config.Load(); err != nil {
		return config.TalentDeskConfig{}, err
	}
	return config.Global, nil
}
