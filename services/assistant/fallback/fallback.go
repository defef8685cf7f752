// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fallback decides how each failure kind is resolved toward the
// user: retried, answered from the knowledge base, answered generically, or
// surfaced as a terminal error.
//
// The mapping is a table keyed by faults.Kind. Adding a failure cause means
// adding a table row, not touching call sites.
package fallback

import (
	"github.com/AleutianAI/marketplace-assistant/services/assistant/faults"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
)

// Action is the recovery strategy for a failure kind.
type Action int

const (
	// ActionRetry: attempt the operation once more before falling back.
	ActionRetry Action = iota

	// ActionFallbackKnowledge: answer from a knowledge-base match,
	// degrading to the generic message when nothing matches.
	ActionFallbackKnowledge

	// ActionFallbackGeneric: answer with the generic canned message.
	ActionFallbackGeneric

	// ActionTerminal: report the failure to the user as-is. No reply is
	// synthesized.
	ActionTerminal
)

// genericMessage is the last-resort reply when the provider is down and the
// knowledge base has nothing relevant.
const genericMessage = "Sorry, I could not process your request right now. " +
	"Please try again in a moment, or browse our help pages for common questions."

// table maps failure kinds to recovery actions. Kinds absent from the table
// (including future additions that have not been classified yet) degrade to
// the generic fallback so the user always receives a timely reply.
var table = map[faults.Kind]Action{
	faults.KindValidation:          ActionTerminal,
	faults.KindRateLimit:           ActionTerminal,
	faults.KindConnectionLimit:     ActionTerminal,
	faults.KindProviderTimeout:     ActionRetry,
	faults.KindProviderUnavailable: ActionRetry,
}

// Handler resolves failures into user-facing outcomes.
type Handler struct {
	kb *knowledge.Base
}

// NewHandler creates a Handler. kb may be nil, in which case every fallback
// is generic.
func NewHandler(kb *knowledge.Base) *Handler {
	return &Handler{kb: kb}
}

// ActionFor returns the recovery action for the failure kind.
func (h *Handler) ActionFor(kind faults.Kind) Action {
	if a, ok := table[kind]; ok {
		return a
	}
	return ActionFallbackGeneric
}

// Respond produces the canned reply once retries are exhausted. query and
// categoryHint come from the message that failed; a knowledge match makes
// the fallback context-appropriate instead of generic. The second return
// reports whether the knowledge base supplied the answer.
func (h *Handler) Respond(query, categoryHint string) (string, bool) {
	if h.kb != nil {
		if snip, ok := h.kb.Best(query, categoryHint); ok {
			return snip.Answer, true
		}
	}
	return genericMessage, false
}
