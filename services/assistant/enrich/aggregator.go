// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package enrich builds the per-message context snapshot from platform
// collaborators: the identity service and the order/activity read model.
//
// Enrichment is best-effort. A snapshot is built for every message, and any
// collaborator failure degrades the snapshot instead of failing the message:
// an anonymous visitor still gets an answer, just without personalization.
package enrich

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

// Profile is the subset of user identity relevant to prompt assembly.
type Profile struct {
	UserID      string
	DisplayName string
	Role        string
}

// ProfileReaderFunc fetches a user's profile. Injected so tests can
// substitute fixtures and so the core stays decoupled from the identity
// service's client.
type ProfileReaderFunc func(ctx context.Context, userID string) (Profile, error)

// ActivityReaderFunc fetches a short human-readable summary of the user's
// recent order and service activity.
type ActivityReaderFunc func(ctx context.Context, userID string) (string, error)

// maxActivityRunes bounds the activity summary so a pathological collaborator
// response cannot blow the prompt budget.
const maxActivityRunes = 400

// readTimeout bounds each collaborator call. The aggregator sits on the
// synchronous message path, so a slow platform service degrades to a minimal
// snapshot rather than stalling the reply.
const readTimeout = 250 * time.Millisecond

// Aggregator assembles context snapshots.
type Aggregator struct {
	profiles ProfileReaderFunc
	activity ActivityReaderFunc
}

// NewAggregator creates an Aggregator. Either reader may be nil, in which
// case that dimension is simply absent from every snapshot.
func NewAggregator(profiles ProfileReaderFunc, activity ActivityReaderFunc) *Aggregator {
	return &Aggregator{profiles: profiles, activity: activity}
}

// Snapshot builds the context for one inbound message. Never returns an
// error: partial data produces a partial snapshot, and a fully anonymous
// snapshot is valid.
func (a *Aggregator) Snapshot(ctx context.Context, userID, page string) datatypes.ContextSnapshot {
	snap := datatypes.ContextSnapshot{
		UserID: userID,
		Page:   page,
	}
	if userID == "" {
		return snap
	}

	if a.profiles != nil {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		profile, err := a.profiles(rctx, userID)
		cancel()
		if err != nil {
			slog.Debug("profile read failed, degrading to minimal context",
				"user_id", userID, "error", err)
		} else {
			snap.DisplayName = profile.DisplayName
			snap.Role = profile.Role
		}
	}

	if a.activity != nil {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		summary, err := a.activity(rctx, userID)
		cancel()
		if err != nil {
			slog.Debug("activity read failed, degrading to minimal context",
				"user_id", userID, "error", err)
		} else {
			snap.RecentActivity = truncate(summary, maxActivityRunes)
		}
	}

	return snap
}

// truncate clips s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
