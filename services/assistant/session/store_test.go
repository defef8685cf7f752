// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPersister captures durable writes for assertions.
type recordingPersister struct {
	mu       sync.Mutex
	sessions []datatypes.Session
	messages []datatypes.Message
}

func (p *recordingPersister) SaveSession(s datatypes.Session) {
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
}

func (p *recordingPersister) SaveMessage(m datatypes.Message) {
	p.mu.Lock()
	p.messages = append(p.messages, m)
	p.mu.Unlock()
}

func newTestStore(clock *fakeClock, window int) *Store {
	return NewStore(Config{
		WindowSize:  window,
		IdleTimeout: 30 * time.Minute,
		Now:         clock.Now,
	}, nil)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestGetOrCreate_NewAndResume(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(clock, 20)

	first, created := s.GetOrCreate("user-1")
	if !created {
		t.Fatal("first GetOrCreate should create")
	}
	if first.Status != datatypes.SessionActive {
		t.Errorf("status = %v, want active", first.Status)
	}

	second, created := s.GetOrCreate("user-1")
	if created {
		t.Fatal("second GetOrCreate should resume")
	}
	if second.ID != first.ID {
		t.Errorf("resumed session id = %s, want %s", second.ID, first.ID)
	}
}

func TestGetOrCreate_ResumesIdleSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(clock, 20)

	sess, _ := s.GetOrCreate("user-1")
	s.MarkIdle(sess.ID)

	resumed, created := s.GetOrCreate("user-1")
	if created || resumed.ID != sess.ID {
		t.Fatalf("idle session should resume, got created=%v id=%s", created, resumed.ID)
	}
	if got, _ := s.Get(sess.ID); got.Status != datatypes.SessionActive {
		t.Errorf("resumed status = %v, want active", got.Status)
	}
}

func TestExpireIdle(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	p := &recordingPersister{}
	s := NewStore(Config{WindowSize: 20, IdleTimeout: 30 * time.Minute, Now: clock.Now}, p)

	stale, _ := s.GetOrCreate("user-stale")
	s.Append(stale.ID, datatypes.DirectionUser, "hello", "chat")

	clock.Advance(31 * time.Minute)
	fresh, _ := s.GetOrCreate("user-fresh")

	expired := s.ExpireIdle()
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Fatalf("expired = %v, want [%s]", expired, stale.ID)
	}

	if _, ok := s.Get(stale.ID); ok {
		t.Error("expired session should be gone from the index")
	}
	if _, ok := s.Get(fresh.ID); !ok {
		t.Error("fresh session should survive the sweep")
	}

	// A returning user gets a brand-new session.
	again, created := s.GetOrCreate("user-stale")
	if !created || again.ID == stale.ID {
		t.Errorf("post-expiry GetOrCreate: created=%v id=%s", created, again.ID)
	}

	// The final durable record carries the expired status.
	p.mu.Lock()
	defer p.mu.Unlock()
	var last datatypes.Session
	for _, rec := range p.sessions {
		if rec.ID == stale.ID {
			last = rec
		}
	}
	if last.Status != datatypes.SessionExpired {
		t.Errorf("durable status = %v, want expired", last.Status)
	}
}

// ============================================================================
// Append / Window Tests
// ============================================================================

func TestAppend_SequencesAreGapless(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(clock, 100)
	sess, _ := s.GetOrCreate("user-1")

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(sess.ID, datatypes.DirectionUser,
					fmt.Sprintf("w%d-%d", w, i), "chat"); err != nil {
					t.Errorf("append failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	history := s.History(sess.ID)
	if len(history) != 100 {
		t.Fatalf("window length = %d, want 100", len(history))
	}
	// 200 appends into a 100-slot window leave seqs 100..199, gapless.
	for i, m := range history {
		want := uint64(100 + i)
		if m.Seq != want {
			t.Fatalf("history[%d].Seq = %d, want %d", i, m.Seq, want)
		}
	}
}

func TestAppend_WindowEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(clock, 3)
	sess, _ := s.GetOrCreate("user-1")

	for i := 0; i < 5; i++ {
		s.Append(sess.ID, datatypes.DirectionUser, fmt.Sprintf("m%d", i), "chat")
	}

	history := s.History(sess.ID)
	if len(history) != 3 {
		t.Fatalf("window length = %d, want 3", len(history))
	}
	if history[0].Content != "m2" || history[2].Content != "m4" {
		t.Errorf("window = [%s..%s], want [m2..m4]", history[0].Content, history[2].Content)
	}
}

func TestAppend_UnknownSession(t *testing.T) {
	s := newTestStore(&fakeClock{now: time.Now()}, 20)
	if _, err := s.Append("no-such-id", datatypes.DirectionUser, "x", "chat"); err == nil {
		t.Fatal("append to unknown session should fail")
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(clock, 20)
	sess, _ := s.GetOrCreate("user-1")
	s.Append(sess.ID, datatypes.DirectionUser, "original", "chat")

	h := s.History(sess.ID)
	h[0].Content = "mutated"

	if s.History(sess.ID)[0].Content != "original" {
		t.Error("History must return a copy, not the live window")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(&fakeClock{now: time.Now()}, 20)
	s.GetOrCreate("a")
	s.GetOrCreate("b")
	s.GetOrCreate("c")

	if got := len(s.List()); got != 3 {
		t.Errorf("List length = %d, want 3", got)
	}
}
