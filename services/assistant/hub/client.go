// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
)

// Client is one live WebSocket connection.
//
// # Thread Safety
//
// Enqueue may be called from any goroutine. The conn itself is touched only
// by ReadPump (reads) and WritePump (writes), per gorilla's one-reader
// one-writer rule.
type Client struct {
	// ID is the connection id, unique per socket.
	ID string

	// UserID is empty for anonymous visitors.
	UserID string

	// SessionID is bound at connect time.
	SessionID string

	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// ctx is cancelled when the connection goes away, so in-flight
	// provider calls can be abandoned instead of producing a reply
	// nobody will read.
	ctx    context.Context
	cancel context.CancelFunc

	// missedBeats counts heartbeat probes sent without an answer. Reset
	// by a pong frame or a heartbeat_ack envelope.
	missedBeats atomic.Int32

	lastBeat atomic.Int64 // unix nanos of the last heartbeat answer

	// sendMu guards sendClosed. Eviction and shutdown close the queue from
	// a foreign goroutine while a handler may still be mid-reply, so every
	// producer must observe the flag under the same lock that sets it.
	sendMu     sync.Mutex
	sendClosed bool
}

func newClient(id string, hub *Hub, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.cfg.SendBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.lastBeat.Store(c.ConnectedAt.UnixNano())
	return c
}

// Identity is the rate-limiting key: the user id when known, else the
// connection id.
func (c *Client) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.ID
}

// Context is cancelled once the connection is unregistered.
func (c *Client) Context() context.Context { return c.ctx }

// Enqueue marshals an envelope onto the send queue. Never blocks and never
// panics: a full queue means the client is not draining, so the envelope is
// dropped and the slow consumer logged; a closed queue means the connection
// was evicted or shut down while the reply was in flight, and the envelope
// is dropped silently.
func (c *Client) Enqueue(env datatypes.Outbound) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal outbound envelope failed", "type", string(env.Type), "error", err)
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		slog.Debug("dropping envelope for closed connection",
			"connection_id", c.ID, "type", string(env.Type))
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("send queue full, dropping envelope",
			"connection_id", c.ID, "type", string(env.Type))
	}
}

// resetHeartbeat clears the missed-probe counter. Called for both pong
// control frames and heartbeat_ack envelopes so widgets behind proxies that
// strip control frames stay alive.
func (c *Client) resetHeartbeat() {
	c.missedBeats.Store(0)
	c.lastBeat.Store(time.Now().UTC().UnixNano())
}

// LastHeartbeat returns when the client last answered a probe.
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load()).UTC()
}

// closeSend closes the send channel exactly once. WritePump drains what is
// buffered, writes a close frame, and tears the socket down. The flag is
// flipped under sendMu so a concurrent Enqueue either lands before the close
// or sees the closed queue and drops.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// ReadPump reads envelopes until the connection dies, feeding each raw
// frame to handler synchronously. One frame is fully handled before the
// next is read, which keeps replies on a connection in order.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.resetHeartbeat()
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "connection_id", c.ID, "error", err)
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		handler(c, raw)
	}
}

// WritePump drains the send queue and probes the peer on a ticker. A probe
// counts as missed until a pong or heartbeat_ack arrives; past the miss
// limit the connection is forcibly closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if c.missedBeats.Add(1) > c.hub.cfg.HeartbeatMissLimit {
				slog.Info("closing unresponsive connection",
					"connection_id", c.ID, "user_id", c.UserID)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
