// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/fallback"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
	"github.com/AleutianAI/marketplace-assistant/services/llm"
)

func testConfig() Config {
	return Config{
		ProviderTimeout: 200 * time.Millisecond,
		RetryBackoff:    10 * time.Millisecond,
		MaxReplyChars:   2000,
		ProviderRPS:     1000,
		ProviderBurst:   1000,
	}
}

func testInput(msg string) PromptInput {
	return PromptInput{UserMessage: msg}
}

// ============================================================================
// Respond Tests
// ============================================================================

func TestRespond_Success(t *testing.T) {
	client := &llm.FakeClient{Response: "Your order shipped yesterday."}
	p := New(testConfig(), client, fallback.NewHandler(nil))

	res, err := p.Respond(context.Background(), testInput("where is my order"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.IsFallback {
		t.Error("successful call should not be marked fallback")
	}
	if res.Content != "Your order shipped yesterday." {
		t.Errorf("content = %q", res.Content)
	}
	if client.Calls() != 1 {
		t.Errorf("calls = %d, want 1", client.Calls())
	}
}

func TestRespond_RetriesOnceThenSucceeds(t *testing.T) {
	client := &llm.FakeClient{
		Response: "second time lucky",
		Errs:     []error{errors.New("upstream hiccup")},
	}
	p := New(testConfig(), client, fallback.NewHandler(nil))

	res, err := p.Respond(context.Background(), testInput("hello"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.IsFallback || res.Content != "second time lucky" {
		t.Errorf("result = %+v", res)
	}
	if client.Calls() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", client.Calls())
	}
}

func TestRespond_DoubleFailureFallsBackOnce(t *testing.T) {
	client := &llm.FakeClient{
		Errs: []error{errors.New("down"), errors.New("still down")},
	}
	p := New(testConfig(), client, fallback.NewHandler(nil))

	res, err := p.Respond(context.Background(), testInput("hello"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !res.IsFallback {
		t.Fatal("double failure must resolve to a fallback result")
	}
	if res.Content == "" {
		t.Error("fallback content must not be empty")
	}
	if client.Calls() != 2 {
		t.Errorf("calls = %d, want exactly 2", client.Calls())
	}
}

func TestRespond_TimeoutCountsAsRetryable(t *testing.T) {
	client := &llm.FakeClient{
		Response: "eventually",
		Delay: func(ctx context.Context) {
			<-ctx.Done()
		},
	}
	cfg := testConfig()
	cfg.ProviderTimeout = 20 * time.Millisecond
	p := New(cfg, client, fallback.NewHandler(nil))

	res, err := p.Respond(context.Background(), testInput("slow question"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !res.IsFallback {
		t.Error("persistent timeouts should fall back")
	}
	if client.Calls() != 2 {
		t.Errorf("calls = %d, want 2 (timeout is retryable)", client.Calls())
	}
}

func TestRespond_FallbackUsesKnowledge(t *testing.T) {
	kb := knowledge.NewBase([]*knowledge.Entry{{
		ID:       "payments",
		Keywords: []string{"refund"},
		Answer:   "Refunds take 3-5 business days.",
	}})
	client := &llm.FakeClient{
		Errs: []error{errors.New("down"), errors.New("down")},
	}
	p := New(testConfig(), client, fallback.NewHandler(kb))

	res, err := p.Respond(context.Background(), testInput("when is my refund due"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !res.IsFallback || res.Content != "Refunds take 3-5 business days." {
		t.Errorf("result = %+v, want the knowledge answer", res)
	}
}

func TestRespond_CancelledContextDropsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &llm.FakeClient{
		Response: "unwanted",
		Delay: func(context.Context) {
			cancel()
		},
	}
	p := New(testConfig(), client, fallback.NewHandler(nil))

	if _, err := p.Respond(ctx, testInput("hello")); err == nil {
		t.Fatal("cancelled connection context must surface as an error")
	}
}

func TestRespond_EmptyCompletionFallsBack(t *testing.T) {
	client := &llm.FakeClient{Response: "   "}
	p := New(testConfig(), client, fallback.NewHandler(nil))

	res, err := p.Respond(context.Background(), testInput("hello"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !res.IsFallback {
		t.Error("blank completions should resolve to a fallback")
	}
}

// ============================================================================
// Normalization Tests
// ============================================================================

func TestNormalize(t *testing.T) {
	p := New(testConfig(), &llm.FakeClient{}, fallback.NewHandler(nil))

	got := p.normalize("  <b>Hello</b> there <script>x</script>  ")
	if got != "Hello there x" {
		t.Errorf("normalize = %q", got)
	}

	long := strings.Repeat("a", 3000)
	if n := len([]rune(p.normalize(long))); n != 2000 {
		t.Errorf("clamped length = %d, want 2000", n)
	}
}
