// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/analytics"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/enrich"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/fallback"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/gate"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/pipeline"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/session"
	"github.com/AleutianAI/marketplace-assistant/services/llm"
)

// recordingSink captures analytics events for assertions.
type recordingSink struct {
	events chan analytics.Event
}

func (s *recordingSink) Write(_ context.Context, ev analytics.Event) { s.events <- ev }
func (s *recordingSink) Close()                                      {}

// testDispatcher wires a dispatcher around a scripted completion client.
type testDispatcher struct {
	d      *Dispatcher
	client *llm.FakeClient
	sink   *recordingSink
}

func newTestDispatcher(t *testing.T, client *llm.FakeClient) *testDispatcher {
	t.Helper()
	sink := &recordingSink{events: make(chan analytics.Event, 32)}
	emitter := analytics.NewEmitter(sink, 32)
	t.Cleanup(emitter.Close)

	kb := knowledge.NewBase([]*knowledge.Entry{{
		ID:       "orders-status",
		Keywords: []string{"order", "status"},
		Answer:   "Check the Orders page for live status.",
		Category: "orders",
	}})

	h := New(Config{})
	d := &Dispatcher{
		Hub:      h,
		Gate:     gate.New(gate.Config{}),
		Sessions: session.NewStore(session.Config{}, nil),
		Enricher: enrich.NewAggregator(nil, nil),
		Knowledge: kb,
		Pipeline: pipeline.New(pipeline.Config{
			ProviderTimeout: 200 * time.Millisecond,
			RetryBackoff:    5 * time.Millisecond,
			ProviderRPS:     1000,
			ProviderBurst:   1000,
		}, client, fallback.NewHandler(kb)),
		Analytics: emitter,
	}
	return &testDispatcher{d: d, client: client, sink: sink}
}

func (td *testDispatcher) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := newClient("conn-"+userID, td.d.Hub, nil, userID)
	sess, _ := td.d.Sessions.GetOrCreate(c.Identity())
	c.SessionID = sess.ID
	td.d.Hub.Register(c)
	return c
}

func rawInbound(t *testing.T, in datatypes.Inbound) []byte {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// ============================================================================
// Message Dispatch Tests
// ============================================================================

func TestHandle_MessageProducesTypingThenReply(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "It ships tomorrow."})
	c := td.connect(t, "user-1")

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:    datatypes.InboundMessage,
		Content: "when does my order ship?",
	}))

	envs := drainEnvelopes(t, c)
	if len(envs) != 2 {
		t.Fatalf("envelopes = %d, want typing + reply", len(envs))
	}
	if envs[0].Type != datatypes.OutboundTyping {
		t.Errorf("first envelope = %s, want typing_indicator", envs[0].Type)
	}
	reply := envs[1]
	if reply.Type != datatypes.OutboundAssistantMessage || reply.Content != "It ships tomorrow." {
		t.Errorf("reply = %+v", reply)
	}
	if reply.IsFallback {
		t.Error("healthy provider reply must not be marked fallback")
	}
	if reply.SessionID != c.SessionID {
		t.Errorf("reply session = %s, want %s", reply.SessionID, c.SessionID)
	}

	// Both turns landed in the session window, in order.
	history := td.d.Sessions.History(c.SessionID)
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Direction != datatypes.DirectionUser ||
		history[1].Direction != datatypes.DirectionAssistant {
		t.Errorf("history directions = %v, %v", history[0].Direction, history[1].Direction)
	}
}

func TestHandle_ProviderOutageServesFallback(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{
		Errs: []error{errors.New("down"), errors.New("down")},
	})
	c := td.connect(t, "user-1")

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:    datatypes.InboundMessage,
		Content: "what is my order status?",
	}))

	envs := drainEnvelopes(t, c)
	if len(envs) != 2 {
		t.Fatalf("envelopes = %d, want typing + fallback reply", len(envs))
	}
	reply := envs[1]
	if !reply.IsFallback {
		t.Fatal("outage reply must be marked fallback")
	}
	if reply.Content != "Check the Orders page for live status." {
		t.Errorf("fallback should come from the knowledge base, got %q", reply.Content)
	}
	if td.client.Calls() != 2 {
		t.Errorf("provider calls = %d, want exactly 2", td.client.Calls())
	}
}

func TestHandle_RateLimitEnvelope(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	for i := 0; i < 10; i++ {
		td.d.Handle(c, rawInbound(t, datatypes.Inbound{
			Type:    datatypes.InboundMessage,
			Content: "hello",
		}))
	}
	drainEnvelopes(t, c)

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:    datatypes.InboundMessage,
		Content: "one too many",
	}))

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 {
		t.Fatalf("envelopes = %d, want only the rate-limit notice", len(envs))
	}
	env := envs[0]
	if env.Type != datatypes.OutboundRateLimit {
		t.Fatalf("type = %s, want rate_limit", env.Type)
	}
	if env.RetryAfter < 1 || env.RetryAfter > 60 {
		t.Errorf("retry_after = %d, want within [1, 60]", env.RetryAfter)
	}

	// The rejected message never reaches the session window.
	history := td.d.Sessions.History(c.SessionID)
	for _, m := range history {
		if m.Content == "one too many" {
			t.Error("rate-limited message must not be appended")
		}
	}
}

func TestHandle_MalformedJSON(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	td.d.Handle(c, []byte("{not json"))

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 || envs[0].Type != datatypes.OutboundError {
		t.Fatalf("envelopes = %+v, want one error envelope", envs)
	}
	if envs[0].Content == "" {
		t.Error("error envelope needs a user-facing message")
	}
}

func TestHandle_UnknownEnvelopeType(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	td.d.Handle(c, []byte(`{"type":"upload"}`))

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 || envs[0].Type != datatypes.OutboundError {
		t.Fatalf("envelopes = %+v, want one error envelope", envs)
	}
}

func TestHandle_BlockedContent(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:    datatypes.InboundMessage,
		Content: "<script>document.cookie</script>",
	}))

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 || envs[0].Type != datatypes.OutboundError {
		t.Fatalf("envelopes = %+v, want one error envelope", envs)
	}
	if td.client.Calls() != 0 {
		t.Error("blocked content must never reach the provider")
	}
}

// ============================================================================
// Heartbeat and Feedback Tests
// ============================================================================

func TestHandle_HeartbeatAckResetsCounter(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")
	c.missedBeats.Store(2)

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{Type: datatypes.InboundHeartbeatAck}))

	if c.missedBeats.Load() != 0 {
		t.Error("heartbeat_ack must reset the miss counter")
	}
	if envs := drainEnvelopes(t, c); len(envs) != 0 {
		t.Errorf("heartbeat_ack should produce no reply, got %+v", envs)
	}
}

func TestHandle_FeedbackEmitsRating(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:   datatypes.InboundFeedback,
		Rating: 4,
	}))

	select {
	case ev := <-td.sink.events:
		if ev.Type != analytics.EventRating || ev.Fields["rating"] != 4 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no analytics event for feedback")
	}
	if envs := drainEnvelopes(t, c); len(envs) != 0 {
		t.Errorf("valid feedback should produce no reply, got %+v", envs)
	}
}

func TestHandle_InvalidFeedbackRating(t *testing.T) {
	td := newTestDispatcher(t, &llm.FakeClient{Response: "ok"})
	c := td.connect(t, "user-1")

	td.d.Handle(c, rawInbound(t, datatypes.Inbound{
		Type:   datatypes.InboundFeedback,
		Rating: 9,
	}))

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 || envs[0].Type != datatypes.OutboundError {
		t.Fatalf("envelopes = %+v, want one error envelope", envs)
	}
}
