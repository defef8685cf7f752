// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns conversation identity, the rolling message history,
// and session lifecycle.
//
// # Ordering
//
// Sequence numbers are assigned under a per-session mutex, so they are
// strictly increasing and gapless in acceptance order even when several
// connections feed the same session concurrently. Different sessions share
// nothing but the top-level index and proceed fully in parallel.
//
// # Durability
//
// The in-memory window is authoritative for the current exchange. Durable
// writes go through a Persister whose implementations must never block the
// caller; persistence failures are the persister's to log and swallow.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

// NowFunc supplies the current time; injectable for deterministic tests.
type NowFunc func() time.Time

// Persister receives durable writes from the store. Implementations must
// enqueue and return immediately; the inbound message path is never allowed
// to wait on storage.
type Persister interface {
	SaveSession(s datatypes.Session)
	SaveMessage(m datatypes.Message)
}

// NopPersister discards all writes. Used in tests and when durable storage
// is disabled.
type NopPersister struct{}

func (NopPersister) SaveSession(datatypes.Session) {}
func (NopPersister) SaveMessage(datatypes.Message) {}

// Config configures the store.
//
// # Fields
//
//   - WindowSize: Messages retained in the rolling history window.
//     Oldest are evicted first. Default: 20.
//   - IdleTimeout: Inactivity span after which ExpireIdle transitions a
//     session to expired. Default: 30 minutes.
//   - Now: Clock source. Defaults to time.Now.
type Config struct {
	WindowSize  int
	IdleTimeout time.Duration
	Now         NowFunc
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:  20,
		IdleTimeout: 30 * time.Minute,
	}
}

// Store is the in-memory session store.
//
// # Thread Safety
//
// The top-level indexes are guarded by an RWMutex held only for lookups and
// lifecycle transitions. Message appends take the owning session's mutex,
// so concurrent frames on one session serialize while other sessions are
// unaffected.
type Store struct {
	cfg       Config
	persister Persister

	mu     sync.RWMutex
	byID   map[string]*state
	byUser map[string]string // userID -> active session id
}

// state is one live session: the durable record plus the rolling window.
type state struct {
	mu      sync.Mutex
	sess    datatypes.Session
	nextSeq uint64
	window  []datatypes.Message
}

// NewStore creates a Store, applying defaults for zero-valued config.
func NewStore(cfg Config, p Persister) *Store {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if p == nil {
		p = NopPersister{}
	}
	return &Store{
		cfg:       cfg,
		persister: p,
		byID:      make(map[string]*state),
		byUser:    make(map[string]string),
	}
}

// GetOrCreate returns the user's active session, creating one if none
// exists. The second return value reports whether a new session was
// created.
func (s *Store) GetOrCreate(userID string) (datatypes.Session, bool) {
	now := s.cfg.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[userID]; ok {
		if st, ok := s.byID[id]; ok {
			st.mu.Lock()
			st.sess.Status = datatypes.SessionActive
			st.sess.LastActivity = now
			sess := st.sess
			st.mu.Unlock()
			return sess, false
		}
	}

	sess := datatypes.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       datatypes.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.byID[sess.ID] = &state{
		sess:   sess,
		window: make([]datatypes.Message, 0, s.cfg.WindowSize),
	}
	s.byUser[userID] = sess.ID

	s.persister.SaveSession(sess)
	return sess, true
}

// Append assigns the next sequence number to a message, adds it to the
// rolling window (evicting the oldest on overflow), and schedules the
// durable write. Returns the stamped message.
func (s *Store) Append(sessionID string, dir datatypes.Direction, content, kind string) (datatypes.Message, error) {
	st, ok := s.lookup(sessionID)
	if !ok {
		return datatypes.Message{}, fmt.Errorf("session %s not found", sessionID)
	}

	now := s.cfg.Now().UTC()

	st.mu.Lock()
	msg := datatypes.Message{
		SessionID: sessionID,
		Seq:       st.nextSeq,
		Direction: dir,
		Content:   content,
		Kind:      kind,
		CreatedAt: now,
	}
	st.nextSeq++
	st.window = append(st.window, msg)
	if len(st.window) > s.cfg.WindowSize {
		st.window = st.window[1:]
	}
	st.sess.Status = datatypes.SessionActive
	st.sess.LastActivity = now
	st.mu.Unlock()

	s.persister.SaveMessage(msg)
	return msg, nil
}

// History returns a copy of the session's rolling window in sequence order.
// Returns nil for unknown sessions.
func (s *Store) History(sessionID string) []datatypes.Message {
	st, ok := s.lookup(sessionID)
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]datatypes.Message, len(st.window))
	copy(out, st.window)
	return out
}

// Get returns the session record for sessionID.
func (s *Store) Get(sessionID string) (datatypes.Session, bool) {
	st, ok := s.lookup(sessionID)
	if !ok {
		return datatypes.Session{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess, true
}

// List returns all live session records, for the admin endpoints.
func (s *Store) List() []datatypes.Session {
	s.mu.RLock()
	states := make([]*state, 0, len(s.byID))
	for _, st := range s.byID {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]datatypes.Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.sess)
		st.mu.Unlock()
	}
	return out
}

// MarkIdle transitions a session to idle when its last connection drops.
// The session remains resumable until the idle timeout elapses.
func (s *Store) MarkIdle(sessionID string) {
	if st, ok := s.lookup(sessionID); ok {
		st.mu.Lock()
		st.sess.Status = datatypes.SessionIdle
		st.mu.Unlock()
	}
}

// ExpireIdle transitions sessions past the idle timeout to expired,
// releases their in-memory windows, and removes them from the indexes.
// Durable history is untouched. Returns the expired session ids.
func (s *Store) ExpireIdle() []string {
	cutoff := s.cfg.Now().UTC().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, st := range s.byID {
		st.mu.Lock()
		stale := st.sess.LastActivity.Before(cutoff)
		if stale {
			st.sess.Status = datatypes.SessionExpired
			st.window = nil
			s.persister.SaveSession(st.sess)
		}
		userID := st.sess.UserID
		st.mu.Unlock()

		if stale {
			delete(s.byID, id)
			if s.byUser[userID] == id {
				delete(s.byUser, userID)
			}
			expired = append(expired, id)
		}
	}

	if len(expired) > 0 {
		slog.Info("expired idle sessions", "count", len(expired))
	}
	return expired
}

func (s *Store) lookup(sessionID string) (*state, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[sessionID]
	return st, ok
}
