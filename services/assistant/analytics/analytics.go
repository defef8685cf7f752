// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analytics emits usage events off the hot path.
//
// # Description
//
// Emit hands an event to a bounded channel and returns immediately; a
// single consumer goroutine forwards events to the configured sink. When
// the channel is full the event is dropped and counted. Analytics must
// never slow down or break a live conversation, so every failure mode here
// is drop-and-log.
//
// # Thread Safety
//
// Emitter is safe for concurrent use. Sinks are called from the single
// consumer goroutine only.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventMessageExchanged EventType = "message_exchanged"
	EventFallback         EventType = "fallback_triggered"
	EventRating           EventType = "rating_submitted"
)

// Event is one analytics record.
//
// # Fields
//
//   - Type: What happened.
//   - SessionID / UserID: Who it happened to.
//   - Fields: Type-specific numeric payload (latency_ms, rating, ...).
//   - At: Event time, stamped by Emit when zero.
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	Fields    map[string]int64
	At        time.Time
}

// Sink receives events from the consumer goroutine.
type Sink interface {
	Write(ctx context.Context, ev Event)
	Close()
}

// NopSink discards everything. The default when analytics is not
// configured.
type NopSink struct{}

func (NopSink) Write(context.Context, Event) {}
func (NopSink) Close()                       {}

// Emitter is the non-blocking front door for analytics events.
type Emitter struct {
	sink    Sink
	events  chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewEmitter creates an Emitter over sink and starts its consumer. A nil
// sink gets NopSink. bufferSize <= 0 defaults to 256.
func NewEmitter(sink Sink, bufferSize int) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	e := &Emitter{
		sink:   sink,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go e.consume()
	return e
}

// Emit records an event. Never blocks; a full buffer drops the event.
func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case e.events <- ev:
	default:
		n := e.dropped.Add(1)
		if n%100 == 1 {
			slog.Warn("analytics buffer full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events have been dropped since start.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close drains buffered events into the sink and closes it.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.events)
		<-e.done
		e.sink.Close()
	})
}

func (e *Emitter) consume() {
	defer close(e.done)
	for ev := range e.events {
		e.sink.Write(context.Background(), ev)
	}
}
