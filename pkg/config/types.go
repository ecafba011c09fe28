// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the TalentDesk client configuration from
// ~/.talentdesk/talentdesk.yaml, creating a default file on first run.
package config

import "time"

// TalentDeskConfig is the root of the client configuration.
type TalentDeskConfig struct {
	// Gateway: where the chat gateway lives and which endpoints to hit
	Gateway GatewayConfig `yaml:"gateway"`

	// Chat: per-turn behavior defaults
	Chat ChatConfig `yaml:"chat"`

	// Logging: where structured logs go
	Logging LoggingConfig `yaml:"logging"`
}

type GatewayConfig struct {
	BaseURL      string `yaml:"base_url"`      // e.g. http://localhost:8090
	StreamPath   string `yaml:"stream_path"`   // e.g. /v1/chat/stream
	FallbackPath string `yaml:"fallback_path"` // e.g. /v1/chat
	UploadPath   string `yaml:"upload_path"`   // e.g. /v1/files
}

type ChatConfig struct {
	// UseRetrieval grounds answers in the HR document index.
	UseRetrieval bool `yaml:"use_retrieval"`

	// SystemPrompt seeds every conversation. Empty means none.
	SystemPrompt string `yaml:"system_prompt"`

	// IdleTimeout cancels a turn when the stream goes quiet for this
	// long. Zero disables the timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// UploadConcurrency bounds parallel attachment uploads.
	UploadConcurrency int `yaml:"upload_concurrency"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`   // debug, info, warn, error
	Dir   string `yaml:"log_dir"` // e.g. ~/.talentdesk/logs
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() TalentDeskConfig {
	return TalentDeskConfig{
		Gateway: GatewayConfig{
			BaseURL:      "http://localhost:8090",
			StreamPath:   "/v1/chat/stream",
			FallbackPath: "/v1/chat",
			UploadPath:   "/v1/files",
		},
		Chat: ChatConfig{
			UseRetrieval:      true,
			SystemPrompt:      "You are the TalentDesk assistant. Answer questions about workforce data concisely.",
			IdleTimeout:       90 * time.Second,
			UploadConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.talentdesk/logs",
		},
	}
}
