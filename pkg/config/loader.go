// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global TalentDeskConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not find the user's home directory: %w", err)
	}
	configPath := filepath.Join(home, ".talentdesk", "talentdesk.yaml")
	cfg, err := LoadFrom(configPath)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// LoadFrom reads the config at path, creating it with defaults first
// when it does not exist.
func LoadFrom(path string) (TalentDeskConfig, error) {
	var cfg TalentDeskConfig

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	applyFallbacks(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyFallbacks fills fields a hand-edited config may have dropped.
func applyFallbacks(cfg *TalentDeskConfig) {
	defaults := DefaultConfig()
	if cfg.Gateway.StreamPath == "" {
		cfg.Gateway.StreamPath = defaults.Gateway.StreamPath
	}
	if cfg.Gateway.FallbackPath == "" {
		cfg.Gateway.FallbackPath = defaults.Gateway.FallbackPath
	}
	if cfg.Gateway.UploadPath == "" {
		cfg.Gateway.UploadPath = defaults.Gateway.UploadPath
	}
	if cfg.Chat.UploadConcurrency <= 0 {
		cfg.Chat.UploadConcurrency = defaults.Chat.UploadConcurrency
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

func validate(cfg TalentDeskConfig) error {
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("config: gateway.base_url is required")
	}
	if !strings.HasPrefix(cfg.Gateway.BaseURL, "http://") && !strings.HasPrefix(cfg.Gateway.BaseURL, "https://") {
		return fmt.Errorf("config: gateway.base_url %q must be an http or https URL", cfg.Gateway.BaseURL)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	if cfg.Chat.IdleTimeout < 0 {
		return fmt.Errorf("config: chat.idle_timeout must not be negative")
	}
	return nil
}
