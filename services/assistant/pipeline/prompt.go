// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
)

// persona is the fixed system preamble for every prompt.
const persona = "You are the marketplace assistant. Answer briefly and " +
	"helpfully about services, orders, payments, and site navigation. " +
	"If you do not know, say so and point the user to the help pages."

// PromptInput is everything that feeds one prompt.
type PromptInput struct {
	History     []datatypes.Message
	Snapshot    datatypes.ContextSnapshot
	Snippets    []knowledge.Snippet
	UserMessage string
}

// assemblePrompt renders the prompt under budgetChars. The persona, context,
// knowledge snippets, and the current user message are fixed; history is the
// flexible part and is trimmed oldest-first until the total fits.
func assemblePrompt(in PromptInput, budgetChars int) string {
	var fixed strings.Builder
	fixed.WriteString(persona)
	fixed.WriteString("\n\n")

	if ctx := renderContext(in.Snapshot); ctx != "" {
		fixed.WriteString("Context:\n")
		fixed.WriteString(ctx)
		fixed.WriteString("\n")
	}
	if len(in.Snippets) > 0 {
		fixed.WriteString("Relevant facts:\n")
		for _, s := range in.Snippets {
			fmt.Fprintf(&fixed, "- %s\n", s.Answer)
		}
		fixed.WriteString("\n")
	}

	tail := "User: " + in.UserMessage + "\nAssistant:"

	remaining := budgetChars - len([]rune(fixed.String())) - len([]rune(tail))
	history := renderHistory(in.History, remaining)

	return fixed.String() + history + tail
}

// renderContext formats the snapshot lines that are present.
func renderContext(snap datatypes.ContextSnapshot) string {
	var b strings.Builder
	if snap.DisplayName != "" {
		fmt.Fprintf(&b, "- user: %s", snap.DisplayName)
		if snap.Role != "" {
			fmt.Fprintf(&b, " (%s)", snap.Role)
		}
		b.WriteString("\n")
	}
	if snap.Page != "" {
		fmt.Fprintf(&b, "- current page: %s\n", snap.Page)
	}
	if snap.RecentActivity != "" {
		fmt.Fprintf(&b, "- recent activity: %s\n", snap.RecentActivity)
	}
	return b.String()
}

// renderHistory formats as many of the most recent turns as fit in budget
// runes, oldest surviving turn first. A non-positive budget drops history
// entirely; the current message always goes through.
func renderHistory(history []datatypes.Message, budget int) string {
	if budget <= 0 || len(history) == 0 {
		return ""
	}

	lines := make([]string, len(history))
	for i, m := range history {
		role := "User"
		if m.Direction == datatypes.DirectionAssistant {
			role = "Assistant"
		}
		lines[i] = fmt.Sprintf("%s: %s\n", role, m.Content)
	}

	// Walk backwards from the newest turn, keeping what fits.
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := len([]rune(lines[i]))
		if total+n > budget {
			break
		}
		total += n
		start = i
	}

	return strings.Join(lines[start:], "")
}
