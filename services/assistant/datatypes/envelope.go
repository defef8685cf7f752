// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the wire and record types for the assistant core.
//
// This file contains the WebSocket envelope types. Envelopes form a closed
// tagged union on the "type" field: dispatch switches exhaustively over the
// declared constants, so a new envelope kind is a compile-visible addition
// here plus a new case in the hub dispatcher.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxContentBytes is the absolute ceiling on inbound message content,
	// independent of the configured per-deployment character limit.
	// Byte length is checked (not rune count) to bound memory, mirroring
	// the unbounded-input mitigation used across Aleutian services.
	MaxContentBytes = 32 * 1024 // 32KB

	// MaxPageIDLength bounds the client-supplied current-page identifier.
	MaxPageIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// envelopeValidate is the validator for envelope types.
// Initialized in init() with custom validators.
var envelopeValidate *validator.Validate

func init() {
	envelopeValidate = validator.New()
	_ = envelopeValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxContentBytes on string fields by byte length.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxContentBytes
}

// =============================================================================
// Inbound Envelopes
// =============================================================================

// InboundType enumerates the client-to-server envelope kinds.
type InboundType string

const (
	// InboundMessage carries a user chat message.
	InboundMessage InboundType = "message"

	// InboundHeartbeatAck acknowledges a server heartbeat probe.
	InboundHeartbeatAck InboundType = "heartbeat_ack"

	// InboundFeedback carries a 1..5 rating for the last assistant reply.
	InboundFeedback InboundType = "feedback"
)

// Inbound is the client-to-server envelope.
type Inbound struct {
	Type      InboundType `json:"type" validate:"required,oneof=message heartbeat_ack feedback"`
	Content   string      `json:"content,omitempty" validate:"omitempty,maxbytes"`
	SessionID string      `json:"session_id,omitempty" validate:"omitempty,uuid4"`
	Page      string      `json:"page,omitempty" validate:"omitempty,max=128"`
	Rating    int         `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
}

// Validate checks structural constraints (known type, rating range, bounded
// fields). Content sanitization and the configured character ceiling are the
// gate's responsibility; this only rejects envelopes that are malformed at
// the wire level.
func (in *Inbound) Validate() error {
	if err := envelopeValidate.Struct(in); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// =============================================================================
// Outbound Envelopes
// =============================================================================

// OutboundType enumerates the server-to-client envelope kinds.
type OutboundType string

const (
	// OutboundAssistantMessage carries an assistant reply.
	OutboundAssistantMessage OutboundType = "assistant_message"

	// OutboundTyping signals that a reply is being generated.
	OutboundTyping OutboundType = "typing_indicator"

	// OutboundSessionCreated announces a new or resumed session.
	OutboundSessionCreated OutboundType = "session_created"

	// OutboundError reports a terminal, user-facing failure.
	OutboundError OutboundType = "error"

	// OutboundRateLimit reports a message-rate violation with a
	// retry-after hint in seconds.
	OutboundRateLimit OutboundType = "rate_limit"
)

// Outbound is the server-to-client envelope.
type Outbound struct {
	Type       OutboundType `json:"type"`
	Content    string       `json:"content,omitempty"`
	SessionID  string       `json:"session_id"`
	CreatedAt  time.Time    `json:"created_at"`
	IsFallback bool         `json:"is_fallback,omitempty"`
	RetryAfter int          `json:"retry_after,omitempty"`
	Code       string       `json:"code,omitempty"`
}

// NewOutbound builds an envelope of the given type stamped with the current
// time.
func NewOutbound(t OutboundType, sessionID string) Outbound {
	return Outbound{
		Type:      t,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}
