// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command assistant starts the marketplace chat assistant HTTP server.
//
// This is the main entry point for the containerized assistant service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ASSISTANT_PORT: HTTP server port (default: 8090)
//   - LLM_BACKEND_TYPE: Completion provider - openai, fake (default: openai)
//   - ASSISTANT_ALLOWED_ORIGINS: Comma-separated WebSocket origin allow-list
//   - ASSISTANT_DATA_DIR: BadgerDB directory (empty disables durable history)
//   - ASSISTANT_KNOWLEDGE_PATH: YAML knowledge base file
//   - ASSISTANT_RATE_LIMIT: Messages per user per minute (default: 10)
//   - ASSISTANT_MAX_CONTENT_CHARS: Message length ceiling (default: 2000)
//   - INFLUXDB_URL / INFLUXDB_TOKEN / INFLUXDB_ORG / INFLUXDB_BUCKET:
//     Analytics sink (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o assistant ./cmd/assistant
//
//	# Run
//	./assistant
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/marketplace-assistant/services/assistant"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/gate"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/session"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := assistant.Config{
		Port:           getEnvInt("ASSISTANT_PORT", 8090),
		LLMBackend:     getEnvString("LLM_BACKEND_TYPE", "openai"),
		AllowedOrigins: splitCSV(os.Getenv("ASSISTANT_ALLOWED_ORIGINS")),
		DataDir:        os.Getenv("ASSISTANT_DATA_DIR"),
		KnowledgePath:  os.Getenv("ASSISTANT_KNOWLEDGE_PATH"),
		InfluxURL:      os.Getenv("INFLUXDB_URL"),
		InfluxToken:    os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:      os.Getenv("INFLUXDB_ORG"),
		InfluxBucket:   os.Getenv("INFLUXDB_BUCKET"),
		OTelEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:        os.Getenv("GIN_MODE"),
		Gate: gate.Config{
			MaxContentChars: getEnvInt("ASSISTANT_MAX_CONTENT_CHARS", 2000),
			RateLimit: gate.RateLimiterConfig{
				Limit:  int64(getEnvInt("ASSISTANT_RATE_LIMIT", 10)),
				Window: time.Minute,
			},
		},
		Sessions: session.Config{
			WindowSize:  getEnvInt("ASSISTANT_WINDOW_SIZE", 20),
			IdleTimeout: getEnvDuration("ASSISTANT_IDLE_TIMEOUT", 30*time.Minute),
		},
	}
	cfg.Hub.AllowedOrigins = cfg.AllowedOrigins

	slog.Info("Starting assistant",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"data_dir", cfg.DataDir,
		"knowledge_path", cfg.KnowledgePath,
	)

	svc, err := assistant.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create assistant: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Assistant error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitCSV splits a comma-separated list, dropping empty items.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
