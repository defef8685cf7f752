// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/faults"
)

// =============================================================================
// Fixed-Window Rate Limiting
// =============================================================================

// NowFunc supplies the current time. Injected so tests can drive the window
// deterministically instead of sleeping.
type NowFunc func() time.Time

// RateLimiterConfig configures a RateLimiter.
//
// # Fields
//
//   - Limit: Maximum messages allowed per identity per window.
//   - Window: Fixed window duration. Counters reset when it elapses.
//   - Now: Clock source. Defaults to time.Now when nil.
type RateLimiterConfig struct {
	Limit  int64
	Window time.Duration
	Now    NowFunc
}

// DefaultRateLimiterConfig returns the production defaults: 10 messages per
// minute per identity.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Limit:  10,
		Window: time.Minute,
	}
}

// RateLimiter tracks per-identity fixed windows.
//
// # Description
//
// Each identity owns a window holding a start timestamp and a counter.
// Counters are the highest-frequency shared writes in the system after the
// connection registry, so the hot path is lock-free: atomic load of the
// window start, atomic compare-and-swap to roll the window, atomic add to
// count. Lost updates under bursty traffic from one identity would admit
// extra messages past the limit, which the CAS prevents.
//
// # Thread Safety
//
// Safe for concurrent use by any number of goroutines.
type RateLimiter struct {
	limit  int64
	window time.Duration
	now    NowFunc

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// rateWindow is one identity's counter. start is the window-open time in
// unix nanoseconds; count is the number of messages admitted or rejected
// since start.
type rateWindow struct {
	start atomic.Int64
	count atomic.Int64
}

// NewRateLimiter creates a limiter from cfg, applying defaults for zero
// values.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		now:     cfg.Now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow admits or rejects one message for identity.
//
// # Description
//
// Rolls the identity's window if it has elapsed, then atomically increments
// the counter and compares it against the limit. The (limit+1)-th message
// inside a window is rejected with a rate-limit fault carrying the time
// remaining until the window resets.
//
// # Outputs
//
//   - error: nil if admitted; *faults.Fault with KindRateLimit otherwise.
func (r *RateLimiter) Allow(identity string) error {
	w := r.windowFor(identity)
	nowNs := r.now().UnixNano()

	start := w.start.Load()
	if nowNs-start >= int64(r.window) {
		// Roll the window. Only one goroutine wins the CAS; the losers
		// see the fresh start and count against it.
		if w.start.CompareAndSwap(start, nowNs) {
			w.count.Store(0)
			start = nowNs
		} else {
			start = w.start.Load()
		}
	}

	if n := w.count.Add(1); n > r.limit {
		elapsed := time.Duration(nowNs - start)
		retryAfter := r.window - elapsed
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return faults.RateLimited(retryAfter)
	}
	return nil
}

// windowFor returns the identity's window, creating it on first use.
// Map access is mutex-guarded; the counters themselves are atomic so the
// lock is held only for the lookup.
func (r *RateLimiter) windowFor(identity string) *rateWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[identity]
	if !ok {
		w = &rateWindow{}
		w.start.Store(r.now().UnixNano())
		r.windows[identity] = w
	}
	return w
}

// PurgeStale drops windows untouched for at least age. Called periodically
// by the service sweeper so one-off identities don't accumulate forever.
// Returns the number of windows removed.
func (r *RateLimiter) PurgeStale(age time.Duration) int {
	cutoff := r.now().Add(-age).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, w := range r.windows {
		if w.start.Load() < cutoff {
			delete(r.windows, id)
			removed++
		}
	}
	return removed
}
