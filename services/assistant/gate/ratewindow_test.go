// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_ConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := NewRateLimiter(RateLimiterConfig{Limit: 10, Window: time.Minute, Now: clock.Now})

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Allow("burst-user") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("admitted = %d, want exactly 10 under concurrent burst", admitted)
	}
}

func TestRateLimiter_WindowRoll(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := NewRateLimiter(RateLimiterConfig{Limit: 1, Window: time.Minute, Now: clock.Now})

	if err := r.Allow("u"); err != nil {
		t.Fatalf("first message rejected: %v", err)
	}
	if err := r.Allow("u"); err == nil {
		t.Fatal("second message in window should be rejected")
	}

	clock.Advance(time.Minute)
	if err := r.Allow("u"); err != nil {
		t.Fatalf("message after window roll rejected: %v", err)
	}
}

func TestRateLimiter_PurgeStale(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := NewRateLimiter(RateLimiterConfig{Limit: 5, Window: time.Minute, Now: clock.Now})

	r.Allow("old-user")
	clock.Advance(2 * time.Hour)
	r.Allow("fresh-user")

	if removed := r.PurgeStale(time.Hour); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	// The purged identity starts a fresh window.
	if err := r.Allow("old-user"); err != nil {
		t.Errorf("purged identity should be admitted: %v", err)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	r := NewRateLimiter(RateLimiterConfig{})
	if r.limit != 10 || r.window != time.Minute {
		t.Errorf("defaults = (%d, %v), want (10, 1m)", r.limit, r.window)
	}
}
