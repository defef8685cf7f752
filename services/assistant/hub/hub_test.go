// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

// drainEnvelopes decodes everything buffered on the client's send queue.
func drainEnvelopes(t *testing.T, c *Client) []datatypes.Outbound {
	t.Helper()
	var out []datatypes.Outbound
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var env datatypes.Outbound
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("bad envelope on send queue: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegister_EvictsOldestAtCap(t *testing.T) {
	h := New(Config{MaxPerUser: 2})

	c1 := newClient("conn-1", h, nil, "user-1")
	c2 := newClient("conn-2", h, nil, "user-1")
	c3 := newClient("conn-3", h, nil, "user-1")
	h.Register(c1)
	h.Register(c2)
	h.Register(c3)

	if h.Count() != 2 {
		t.Fatalf("Count = %d, want 2", h.Count())
	}

	// Determinism: the oldest connection loses, the newest always wins.
	records := h.Connections()
	for _, rec := range records {
		if rec.ID == "conn-1" {
			t.Fatal("conn-1 should have been evicted")
		}
	}

	// The evicted client is told why before its queue closes.
	envs := drainEnvelopes(t, c1)
	if len(envs) != 1 || envs[0].Type != datatypes.OutboundError || envs[0].Code != "connection_limit" {
		t.Fatalf("evicted envelopes = %+v", envs)
	}
	select {
	case <-c1.Context().Done():
	default:
		t.Error("evicted client's context should be cancelled")
	}
}

func TestEnqueueAfterEvictionDropsEnvelope(t *testing.T) {
	h := New(Config{MaxPerUser: 1})

	c1 := newClient("conn-1", h, nil, "user-1")
	c2 := newClient("conn-2", h, nil, "user-1")
	h.Register(c1)
	h.Register(c2)

	// A handler can still be mid-reply on the evicted connection. Its
	// Enqueue must degrade to a drop, never a send on a closed channel.
	env := datatypes.NewOutbound(datatypes.OutboundAssistantMessage, c1.SessionID)
	env.Content = "late reply"
	c1.Enqueue(env)

	envs := drainEnvelopes(t, c1)
	if len(envs) != 1 || envs[0].Code != "connection_limit" {
		t.Fatalf("evicted queue = %+v, want only the eviction notice", envs)
	}

	// Same path during shutdown.
	h.CloseAll()
	c2.Enqueue(env)
	if envs := drainEnvelopes(t, c2); len(envs) != 0 {
		t.Errorf("queue after CloseAll = %+v, want empty", envs)
	}
}

func TestRegister_CapIsPerUser(t *testing.T) {
	h := New(Config{MaxPerUser: 1})

	h.Register(newClient("a1", h, nil, "user-a"))
	h.Register(newClient("b1", h, nil, "user-b"))
	h.Register(newClient("c1", h, nil, "user-c"))

	if h.Count() != 3 {
		t.Errorf("Count = %d, distinct users must not evict each other", h.Count())
	}
}

func TestRegister_AnonymousClientsAreUncapped(t *testing.T) {
	h := New(Config{MaxPerUser: 1})

	h.Register(newClient("anon-1", h, nil, ""))
	h.Register(newClient("anon-2", h, nil, ""))

	if h.Count() != 2 {
		t.Errorf("Count = %d, anonymous connections are keyed by connection id", h.Count())
	}
}

func TestUnregister(t *testing.T) {
	h := New(Config{})
	var gotRemaining = -1
	h.OnDisconnect = func(c *Client, remaining int) {
		gotRemaining = remaining
	}

	c1 := newClient("conn-1", h, nil, "user-1")
	c2 := newClient("conn-2", h, nil, "user-1")
	h.Register(c1)
	h.Register(c2)

	h.Unregister(c1)
	if h.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.Count())
	}
	if gotRemaining != 1 {
		t.Errorf("OnDisconnect remaining = %d, want 1", gotRemaining)
	}

	h.Unregister(c2)
	if gotRemaining != 0 {
		t.Errorf("OnDisconnect remaining = %d, want 0", gotRemaining)
	}

	// Idempotent: the pumps both call Unregister on teardown.
	gotRemaining = -1
	h.Unregister(c2)
	if gotRemaining != -1 {
		t.Error("second Unregister must not fire OnDisconnect again")
	}
}

func TestConnections_Snapshot(t *testing.T) {
	h := New(Config{})
	c := newClient("conn-1", h, nil, "user-1")
	c.SessionID = "sess-1"
	h.Register(c)

	records := h.Connections()
	if len(records) != 1 {
		t.Fatalf("len = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ID != "conn-1" || rec.UserID != "user-1" || rec.SessionID != "sess-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ConnectedAt.IsZero() || rec.LastHeartbeat.IsZero() {
		t.Error("timestamps missing from connection record")
	}
}

func TestCloseAll(t *testing.T) {
	h := New(Config{})
	h.Register(newClient("a", h, nil, "u1"))
	h.Register(newClient("b", h, nil, "u2"))

	h.CloseAll()
	if h.Count() != 0 {
		t.Errorf("Count = %d after CloseAll, want 0", h.Count())
	}
}

// ============================================================================
// Origin Check Tests
// ============================================================================

func TestCheckOrigin(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"https://market.example.com"}})

	req := func(origin string) *http.Request {
		r, _ := http.NewRequest("GET", "/v1/chat/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !h.checkOrigin(req("https://market.example.com")) {
		t.Error("allow-listed origin rejected")
	}
	if h.checkOrigin(req("https://evil.example.com")) {
		t.Error("unknown origin accepted")
	}
	if h.checkOrigin(req("")) {
		t.Error("missing origin accepted with an allow-list configured")
	}

	open := New(Config{})
	if !open.checkOrigin(req("https://anything.example.com")) {
		t.Error("empty allow-list should accept any origin")
	}
}

// ============================================================================
// Heartbeat Tests
// ============================================================================

func TestHeartbeatReset(t *testing.T) {
	h := New(Config{HeartbeatMissLimit: 2})
	c := newClient("conn-1", h, nil, "user-1")

	c.missedBeats.Store(2)
	before := c.LastHeartbeat()

	c.resetHeartbeat()
	if c.missedBeats.Load() != 0 {
		t.Error("resetHeartbeat must clear the miss counter")
	}
	if !c.LastHeartbeat().After(before) && !c.LastHeartbeat().Equal(before) {
		t.Error("resetHeartbeat must advance the last-beat timestamp")
	}
}
