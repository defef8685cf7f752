// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persistence provides durable storage for sessions and messages on
// embedded BadgerDB.
//
// # Description
//
// Writes arrive through a bounded queue consumed by a single writer
// goroutine, so the inbound message path never waits on disk. A full queue
// drops the write and logs it: the in-memory session window remains
// authoritative for the current exchange, and losing a durable copy of one
// turn is preferable to stalling a live conversation.
//
// Key layout:
//
//	session/<session_id>          -> Session (JSON)
//	message/<session_id>/<seq>    -> Message (JSON), seq zero-padded so
//	                                 lexicographic order is replay order
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

// Config holds configuration for the store.
//
// # Fields
//
//   - Path: Directory for BadgerDB files. Required unless InMemory.
//   - InMemory: In-memory mode, no disk persistence. For tests.
//   - SyncWrites: Synchronous writes for durability. Default: false —
//     the queue already trades durability for latency.
//   - QueueSize: Bound on the async write queue. Default: 1024.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	QueueSize  int
}

// Store is the Badger-backed durable store.
type Store struct {
	db    *badger.DB
	queue chan writeOp
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// writeOp is one queued durable write.
type writeOp struct {
	key   []byte
	value []byte
}

// Open opens the store and starts the background writer.
func Open(cfg Config) (*Store, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	s := &Store{
		db:    db,
		queue: make(chan writeOp, cfg.QueueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// SaveSession implements session.Persister. Never blocks.
func (s *Store) SaveSession(sess datatypes.Session) {
	s.enqueue(sessionKey(sess.ID), sess)
}

// SaveMessage implements session.Persister. Never blocks.
func (s *Store) SaveMessage(msg datatypes.Message) {
	s.enqueue(messageKey(msg.SessionID, msg.Seq), msg)
}

// enqueue marshals v and hands it to the writer. Marshal failures and a
// full queue are logged and swallowed; persistence problems never propagate
// to the caller.
func (s *Store) enqueue(key []byte, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("persistence marshal failed", "key", string(key), "error", err)
		return
	}
	select {
	case s.queue <- writeOp{key: key, value: data}:
	default:
		slog.Warn("persistence queue full, dropping write", "key", string(key))
	}
}

// writer drains the queue until Close.
func (s *Store) writer() {
	defer s.wg.Done()
	for op := range s.queue {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(op.key, op.value)
		})
		if err != nil {
			slog.Warn("persistence write failed", "key", string(op.key), "error", err)
		}
	}
}

// History returns the durable messages of a session in sequence order. A
// positive limit keeps only the newest limit messages, matching what the
// in-memory window serves; 0 means all. Serves the admin history endpoint;
// the live message path reads only the in-memory window.
func (s *Store) History(sessionID string, limit int) ([]datatypes.Message, error) {
	var out []datatypes.Message
	prefix := messagePrefix(sessionID)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m datatypes.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				out = append(out, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", sessionID, err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Session returns the durable session record.
func (s *Store) Session(sessionID string) (datatypes.Session, error) {
	var sess datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Close stops accepting writes, drains the queue, and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func sessionKey(id string) []byte {
	return []byte("session/" + id)
}

func messageKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("message/%s/%020d", sessionID, seq))
}

func messagePrefix(sessionID string) []byte {
	return []byte("message/" + sessionID + "/")
}
