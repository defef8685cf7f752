// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gate is the first line of defense on the inbound message path.
//
// Checks run in a fixed order and short-circuit on the first failure:
//
//  1. Content size ceiling (the transport additionally rejects oversized
//     frames before buffering via the connection read limit)
//  2. Per-identity rate window
//  3. Structural envelope validation
//  4. Content sanitization (markup escape, blocked injection patterns)
//  5. Range validation of auxiliary fields (feedback ratings)
//
// Every failure is a typed *faults.Fault; the gate never panics and never
// drops a message silently.
package gate

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/faults"
)

// Config configures the gate.
type Config struct {
	// MaxContentChars is the per-deployment ceiling on message content,
	// counted in runes. Default: 2000.
	MaxContentChars int

	// RateLimit and RateWindow configure the per-identity message rate.
	RateLimit RateLimiterConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxContentChars: 2000,
		RateLimit:       DefaultRateLimiterConfig(),
	}
}

// blockedPatterns match content that is rejected outright rather than
// escaped. These target markup-based injection into the web widget and the
// most common prompt-override preambles.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\s*iframe\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)data:text/html`),
}

// Gate applies the ordered checks. Safe for concurrent use.
type Gate struct {
	cfg     Config
	limiter *RateLimiter
}

// New creates a Gate, applying defaults for zero-valued config fields.
func New(cfg Config) *Gate {
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultConfig().MaxContentChars
	}
	return &Gate{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
	}
}

// Limiter exposes the rate limiter for the service sweeper's stale-window
// purge.
func (g *Gate) Limiter() *RateLimiter { return g.limiter }

// CheckMessage runs all checks against a chat message envelope and returns
// the sanitized content on success.
//
// identity is the rate-limiting key: the user id when authenticated,
// otherwise the connection id.
func (g *Gate) CheckMessage(identity string, in *datatypes.Inbound) (string, error) {
	if err := g.checkSize(in.Content); err != nil {
		return "", err
	}
	if err := g.limiter.Allow(identity); err != nil {
		return "", err
	}
	if err := in.Validate(); err != nil {
		return "", faults.Validation("Your message could not be understood.", err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", faults.Validation("Your message is empty.", nil)
	}
	return g.sanitize(in.Content)
}

// CheckFeedback validates a feedback envelope. Feedback shares the message
// rate window so a client cannot bypass the ceiling by switching envelope
// kinds.
func (g *Gate) CheckFeedback(identity string, in *datatypes.Inbound) error {
	if err := g.limiter.Allow(identity); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return faults.Validation("Invalid feedback.", err)
	}
	if in.Rating < 1 || in.Rating > 5 {
		return faults.Validation("Rating must be between 1 and 5.", nil)
	}
	return nil
}

// checkSize enforces the configured rune ceiling and the absolute byte
// ceiling before any further processing touches the content.
func (g *Gate) checkSize(content string) error {
	if len(content) > datatypes.MaxContentBytes {
		return faults.Validation(
			fmt.Sprintf("Your message is too large (limit %d KB).", datatypes.MaxContentBytes/1024),
			fmt.Errorf("content is %d bytes, ceiling %d", len(content), datatypes.MaxContentBytes))
	}
	if n := utf8.RuneCountInString(content); n > g.cfg.MaxContentChars {
		return faults.Validation(
			fmt.Sprintf("Your message is too long (limit %d characters).", g.cfg.MaxContentChars),
			fmt.Errorf("content is %d characters, ceiling %d", n, g.cfg.MaxContentChars))
	}
	return nil
}

// sanitize rejects content matching a blocked pattern, then escapes any
// remaining markup so it is inert in both the widget and the prompt.
func (g *Gate) sanitize(content string) (string, error) {
	for _, p := range blockedPatterns {
		if p.MatchString(content) {
			return "", faults.Validation(
				"Your message contains content that is not allowed.",
				fmt.Errorf("blocked pattern %q", p.String()))
		}
	}
	return html.EscapeString(content), nil
}
