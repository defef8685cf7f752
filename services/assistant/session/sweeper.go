// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires idle sessions.
//
// # Description
//
// Runs Store.ExpireIdle on a fixed interval until its context is cancelled.
// An optional OnExpire hook receives the expired session ids, used by the
// service to purge related state (rate windows, analytics).
//
// # Thread Safety
//
// Run is called once; the hook may be invoked from the sweeper goroutine.
type Sweeper struct {
	store    *Store
	interval time.Duration

	// OnExpire, if set, is called after each sweep that expired at least
	// one session.
	OnExpire func(expired []string)
}

// NewSweeper creates a sweeper for store. A non-positive interval defaults
// to one minute.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("session sweeper started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			expired := w.store.ExpireIdle()
			if len(expired) > 0 && w.OnExpire != nil {
				w.OnExpire(expired)
			}
		}
	}
}
