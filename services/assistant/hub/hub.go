// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hub owns the live WebSocket connections: the registry, the
// per-connection read/write pumps, heartbeat liveness, and dispatch of
// inbound envelopes to the message path.
//
// # Description
//
// Each accepted socket becomes a Client with a buffered send queue and two
// pump goroutines. The registry indexes clients by connection id and by
// user; a per-user connection cap is enforced by evicting the oldest
// connection, so a reconnecting widget always wins over a stale tab.
//
// # Thread Safety
//
// The registry is guarded by an RWMutex. Register and Unregister are safe
// from any goroutine; eviction closes the loser's queue outside the lock.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/observability"
)

// Config configures the hub.
//
// # Fields
//
//   - AllowedOrigins: Origin header allow-list for the upgrade handshake.
//     Empty allows any origin (development only).
//   - MaxPerUser: Connection cap per user id. On overflow the oldest
//     connection is evicted. Default: 3.
//   - SendBuffer: Per-connection outbound queue length. Default: 64.
//   - ReadLimit: Byte ceiling on a single inbound frame, enforced by the
//     transport before any buffering. Default: content ceiling + 4KB of
//     envelope overhead.
//   - PongWait: How long a silent peer survives. Default: 60s.
//   - PingInterval: Heartbeat probe period. Default: 25s.
//   - WriteWait: Per-write deadline. Default: 10s.
//   - HeartbeatMissLimit: Unanswered probes tolerated before force-close.
//     Default: 2.
type Config struct {
	AllowedOrigins     []string
	MaxPerUser         int
	SendBuffer         int
	ReadLimit          int64
	PongWait           time.Duration
	PingInterval       time.Duration
	WriteWait          time.Duration
	HeartbeatMissLimit int32
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerUser:         3,
		SendBuffer:         64,
		ReadLimit:          datatypes.MaxContentBytes + 4*1024,
		PongWait:           60 * time.Second,
		PingInterval:       25 * time.Second,
		WriteWait:          10 * time.Second,
		HeartbeatMissLimit: 2,
	}
}

// Hub is the connection registry.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	// OnDisconnect runs after a client is removed, with the count of the
	// user's remaining connections. The service uses it to mark sessions
	// idle once the last tab closes.
	OnDisconnect func(c *Client, remaining int)

	mu      sync.RWMutex
	clients map[string]*Client   // connection id -> client
	byUser  map[string][]*Client // user id -> connections, oldest first
}

// New creates a Hub, applying defaults for zero-valued config fields.
func New(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.HeartbeatMissLimit <= 0 {
		cfg.HeartbeatMissLimit = def.HeartbeatMissLimit
	}

	h := &Hub{
		cfg:     cfg,
		clients: make(map[string]*Client),
		byUser:  make(map[string][]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin enforces the allow-list during the upgrade handshake. A
// rejected origin never reaches the registry; gorilla answers 403.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	if m := observability.DefaultMetrics; m != nil {
		m.ConnectionsTotal.WithLabelValues("rejected_origin").Inc()
	}
	return false
}

// Register adds the client to the registry. When the user is at the
// connection cap, the oldest connection is evicted: it receives a terminal
// error envelope, its queue is closed, and its pumps tear the socket down.
func (h *Hub) Register(c *Client) {
	var evicted *Client

	h.mu.Lock()
	h.clients[c.ID] = c
	if c.UserID != "" {
		conns := append(h.byUser[c.UserID], c)
		if len(conns) > h.cfg.MaxPerUser {
			evicted = conns[0]
			conns = conns[1:]
			delete(h.clients, evicted.ID)
		}
		h.byUser[c.UserID] = conns
	}
	h.mu.Unlock()

	if m := observability.DefaultMetrics; m != nil {
		m.ConnectionsTotal.WithLabelValues("accepted").Inc()
		m.ActiveConnections.Inc()
	}

	if evicted != nil {
		env := datatypes.NewOutbound(datatypes.OutboundError, evicted.SessionID)
		env.Code = "connection_limit"
		env.Content = "This connection was replaced by a newer one."
		evicted.Enqueue(env)
		// Buffered envelopes are still delivered after close; WritePump
		// flushes them and then sends the close frame.
		evicted.closeSend()
		evicted.cancel()
		if m := observability.DefaultMetrics; m != nil {
			m.ConnectionsTotal.WithLabelValues("evicted").Inc()
			m.ActiveConnections.Dec()
		}
	}
}

// Unregister removes the client. Idempotent; the second caller finds the
// registry entry gone and returns.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	if present {
		delete(h.clients, c.ID)
	}
	remaining := 0
	if c.UserID != "" {
		conns := h.byUser[c.UserID]
		for i, other := range conns {
			if other.ID == c.ID {
				conns = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		} else {
			h.byUser[c.UserID] = conns
		}
		remaining = len(conns)
	}
	h.mu.Unlock()

	c.closeSend()
	c.cancel()

	if !present {
		return
	}
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveConnections.Dec()
	}
	if h.OnDisconnect != nil {
		h.OnDisconnect(c, remaining)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Connections returns a snapshot of the registry for the admin endpoints.
func (h *Hub) Connections() []datatypes.ConnectionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]datatypes.ConnectionRecord, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, datatypes.ConnectionRecord{
			ID:            c.ID,
			UserID:        c.UserID,
			SessionID:     c.SessionID,
			ConnectedAt:   c.ConnectedAt,
			LastHeartbeat: c.LastHeartbeat(),
		})
	}
	return out
}

// CloseAll evicts every connection. Used during graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}
