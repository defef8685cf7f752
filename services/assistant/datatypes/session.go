// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the conversation record types: sessions, messages,
// connection records, and the ephemeral context snapshot attached to a
// single inbound message.
package datatypes

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionIdle    SessionStatus = "idle"
	SessionExpired SessionStatus = "expired"
)

// Direction distinguishes who authored a message.
type Direction string

const (
	DirectionUser      Direction = "user"
	DirectionAssistant Direction = "assistant"
)

// Message is one conversation turn. Immutable once persisted.
//
// Seq is assigned by the session store: strictly increasing and gapless
// within a session, starting at 0.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind,omitempty"` // optional rendering hint
	CreatedAt time.Time `json:"created_at"`
}

// Session is the durable identity of a conversation. The rolling message
// window lives in the session store, not here; this struct is what gets
// persisted and listed by the admin endpoints.
type Session struct {
	ID           string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// ConnectionRecord tracks one live socket. Destroyed on disconnect or
// forced eviction; the session it points at survives until idle expiry.
type ConnectionRecord struct {
	ID            string    `json:"connection_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ContextSnapshot is the ephemeral enrichment attached to a single inbound
// message. Never persisted and never cached across requests.
type ContextSnapshot struct {
	UserID      string
	DisplayName string
	Role        string
	Page        string

	// RecentActivity is a bounded human-readable summary of the user's
	// recent orders and service interactions. Empty for anonymous or
	// unreachable profiles.
	RecentActivity string
}

// Anonymous reports whether the snapshot carries no identity data.
func (c ContextSnapshot) Anonymous() bool {
	return c.UserID == "" && c.DisplayName == ""
}
