// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline turns an enriched user message into an assistant reply.
//
// The sequence is fixed: assemble a prompt from history + context +
// knowledge snippets under a character budget, call the completion provider
// under a hard timeout, normalize the response, and on failure retry once
// with backoff before delegating to the fallback handler. The caller always
// receives a reply — a provider outage degrades to a canned answer, never
// to silence.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/fallback"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/faults"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/observability"
	"github.com/AleutianAI/marketplace-assistant/services/llm"
)

// Config configures the pipeline.
//
// # Fields
//
//   - ProviderTimeout: Hard per-attempt timeout on the completion call.
//     Default: 10s.
//   - RetryBackoff: Wait before the single retry. Default: 500ms.
//   - PromptBudgetChars: Ceiling on assembled prompt size; oldest history
//     is trimmed first. Default: 6000.
//   - MaxReplyChars: Ceiling on the normalized reply. Default: 2000.
//   - ProviderRPS / ProviderBurst: Client-side throttle on the provider,
//     shared across all sessions. Defaults: 10 rps, burst 20.
type Config struct {
	ProviderTimeout   time.Duration
	RetryBackoff      time.Duration
	PromptBudgetChars int
	MaxReplyChars     int
	ProviderRPS       float64
	ProviderBurst     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:   10 * time.Second,
		RetryBackoff:      500 * time.Millisecond,
		PromptBudgetChars: 6000,
		MaxReplyChars:     2000,
		ProviderRPS:       10,
		ProviderBurst:     20,
	}
}

// Result is the pipeline's answer for one user message.
type Result struct {
	Content    string
	IsFallback bool
}

// Pipeline coordinates prompt assembly, the provider call, and fallback.
// Safe for concurrent use.
type Pipeline struct {
	cfg     Config
	client  llm.LLMClient
	fb      *fallback.Handler
	limiter *rate.Limiter
}

// New creates a Pipeline, applying defaults for zero-valued config fields.
func New(cfg Config, client llm.LLMClient, fb *fallback.Handler) *Pipeline {
	def := DefaultConfig()
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PromptBudgetChars <= 0 {
		cfg.PromptBudgetChars = def.PromptBudgetChars
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = def.MaxReplyChars
	}
	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = def.ProviderRPS
	}
	if cfg.ProviderBurst <= 0 {
		cfg.ProviderBurst = def.ProviderBurst
	}
	return &Pipeline{
		cfg:     cfg,
		client:  client,
		fb:      fb,
		limiter: rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
	}
}

// Respond produces the assistant reply for one enriched message.
//
// Returns an error only when ctx itself is cancelled (the connection went
// away); every provider failure resolves to a fallback Result instead.
func (p *Pipeline) Respond(ctx context.Context, in PromptInput) (Result, error) {
	prompt := assemblePrompt(in, p.cfg.PromptBudgetChars)

	var lastKind faults.Kind
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if m := observability.DefaultMetrics; m != nil {
				m.ProviderRetriesTotal.Inc()
			}
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
		}

		reply, err := p.callProvider(ctx, prompt)
		if err == nil {
			slog.Debug("provider reply",
				"attempt", attempt,
				"chars", utf8.RuneCountInString(reply),
			)
			return Result{Content: p.normalize(reply)}, nil
		}
		if ctx.Err() != nil {
			// The connection itself is gone; the result would be dropped.
			return Result{}, ctx.Err()
		}

		lastKind = faults.KindOf(err)
		slog.Warn("provider call failed",
			"attempt", attempt,
			"kind", lastKind.String(),
			"error", err,
		)
		if p.fb.ActionFor(lastKind) != fallback.ActionRetry {
			break
		}
	}

	content, fromKnowledge := p.fb.Respond(in.UserMessage, in.Snapshot.Page)
	flavor := "generic"
	if fromKnowledge {
		flavor = "knowledge"
	}
	if m := observability.DefaultMetrics; m != nil {
		m.FallbacksTotal.WithLabelValues(flavor).Inc()
	}
	slog.Info("serving fallback reply", "flavor", flavor, "cause", lastKind.String())
	return Result{Content: content, IsFallback: true}, nil
}

// callProvider runs one completion attempt under the hard timeout and the
// shared client-side throttle, classifying failures into fault kinds.
func (p *Pipeline) callProvider(ctx context.Context, prompt string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	if err := p.limiter.Wait(actx); err != nil {
		return "", faults.New(faults.KindProviderTimeout, err)
	}

	maxTokens := 512
	start := time.Now()
	reply, err := p.client.Generate(actx, prompt, llm.GenerationParams{
		MaxTokens: &maxTokens,
		Stop:      []string{"\nUser:"},
	})
	if m := observability.DefaultMetrics; m != nil {
		m.ProviderLatencySeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", faults.New(faults.KindProviderTimeout, err)
		}
		return "", faults.New(faults.KindProviderUnavailable, err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", faults.New(faults.KindProviderUnavailable, errors.New("empty completion"))
	}
	return reply, nil
}

// tagPattern matches markup tags stripped during normalization.
var tagPattern = regexp.MustCompile(`<[^>]*>`)

// normalize strips markup from the provider reply and clamps its length.
func (p *Pipeline) normalize(reply string) string {
	reply = tagPattern.ReplaceAllString(reply, "")
	reply = strings.TrimSpace(reply)
	if runes := []rune(reply); len(runes) > p.cfg.MaxReplyChars {
		reply = string(runes[:p.cfg.MaxReplyChars])
	}
	return reply
}
